package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"

	appErrors "github.com/signaldesk/sessiond/pkg/errors"
	"github.com/signaldesk/sessiond/pkg/response"
	"github.com/signaldesk/sessiond/pkg/validator"
)

// bindAndValidate decodes the JSON body and applies struct validation rules.
// On failure it writes the error response and returns false.
func bindAndValidate(c *gin.Context, payload any) bool {
	if err := c.ShouldBindJSON(payload); err != nil {
		response.Error(c, appErrors.NewBadRequest("Request body is invalid"))
		return false
	}

	if err := validator.ValidateStruct(payload); err != nil {
		var failures validator.ValidationErrors
		if errors.As(err, &failures) {
			response.Error(c, appErrors.NewBadRequest(failures.Error()))
			return false
		}
		response.Error(c, appErrors.ErrBadRequest)
		return false
	}

	return true
}
