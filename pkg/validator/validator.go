// Package validator applies struct validation rules with JSON-aware field
// names, so API error payloads reference the fields a client actually sent
// rather than Go identifiers.
package validator

import (
	"errors"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// ValidationError describes one failed rule on one field.
type ValidationError struct {
	Field string `json:"field"`
	Tag   string `json:"tag"`
	Param string `json:"param"`
}

// ValidationErrors is the aggregate failure returned by ValidateStruct.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	if len(v) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(v))
	for _, failure := range v {
		rule := failure.Tag
		if failure.Param != "" {
			rule += "=" + failure.Param
		}
		parts = append(parts, failure.Field+" failed on "+rule)
	}
	return strings.Join(parts, "; ")
}

var instance = sync.OnceValue(func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(jsonFieldName)
	return v
})

// ValidateStruct runs the tag-declared rules against s. Rule failures come
// back as ValidationErrors; anything else (for example a non-struct value)
// is returned as-is.
func ValidateStruct(s any) error {
	err := instance().Struct(s)
	if err == nil {
		return nil
	}

	var ruleErrs validator.ValidationErrors
	if !errors.As(err, &ruleErrs) {
		return err
	}

	failures := make(ValidationErrors, 0, len(ruleErrs))
	for _, fe := range ruleErrs {
		failures = append(failures, ValidationError{
			Field: fe.Field(),
			Tag:   fe.Tag(),
			Param: fe.Param(),
		})
	}
	return failures
}

// jsonFieldName reports the name a field carries on the wire, falling back
// to the Go name when the json tag is absent or suppressed.
func jsonFieldName(fld reflect.StructField) string {
	tag, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
	if tag == "" || tag == "-" {
		return fld.Name
	}
	return tag
}
