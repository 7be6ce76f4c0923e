package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/signaldesk/sessiond/internal/models"
	"github.com/signaldesk/sessiond/internal/sessions"
	appErrors "github.com/signaldesk/sessiond/pkg/errors"
	"github.com/signaldesk/sessiond/pkg/response"
)

// Context keys populated by Authenticate.
const (
	ContextUser     = "sessiond:user"
	ContextSession  = "sessiond:session"
	ContextDevice   = "sessiond:device"
	ContextDecision = "sessiond:decision"
)

// AuthOption tunes the Authenticate middleware.
type AuthOption func(*authOptions)

type authOptions struct {
	allowUnverifiedDevice bool
}

// AllowUnverifiedDevice lifts the mutating-request gate for devices that are
// still pending verification. Wired only on the device-management routes,
// which must stay reachable while the device earns trust.
func AllowUnverifiedDevice() AuthOption {
	return func(o *authOptions) {
		o.allowUnverifiedDevice = true
	}
}

// Authenticate runs the coordinator for every request on the protected
// surface and stores the decision on the gin context. Hard failures abort
// with the coordinator's error.
func Authenticate(coordinator *sessions.Coordinator, opts ...AuthOption) gin.HandlerFunc {
	var options authOptions
	for _, opt := range opts {
		opt(&options)
	}

	return func(c *gin.Context) {
		decision, err := coordinator.Evaluate(c.Request.Context(), sessions.RequestContext{
			Method:                c.Request.Method,
			Path:                  c.Request.URL.Path,
			AccessToken:           bearerToken(c),
			CSRFToken:             c.GetHeader("X-CSRF-Token"),
			Origin:                c.GetHeader("Origin"),
			Referer:               c.GetHeader("Referer"),
			IPAddress:             c.ClientIP(),
			UserAgent:             c.GetHeader("User-Agent"),
			AcceptLanguage:        c.GetHeader("Accept-Language"),
			ClientHints:           c.GetHeader("Sec-CH-UA"),
			AllowUnverifiedDevice: options.allowUnverifiedDevice,
		})
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextUser, decision.User)
		c.Set(ContextSession, decision.Session)
		c.Set(ContextDevice, decision.Device)
		c.Set(ContextDecision, decision)

		if decision.DeviceVerificationPending {
			c.Header("X-Device-Verification", "required")
		}

		c.Next()
	}
}

// RequireAdmin gates admin-only routes. Must run after Authenticate.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil || !user.IsAdmin {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}
		c.Next()
	}
}

// CurrentUser returns the authenticated user, or nil outside the protected
// surface.
func CurrentUser(c *gin.Context) *models.User {
	value, ok := c.Get(ContextUser)
	if !ok {
		return nil
	}
	user, _ := value.(*models.User)
	return user
}

// CurrentSession returns the evaluated session, or nil.
func CurrentSession(c *gin.Context) *models.Session {
	value, ok := c.Get(ContextSession)
	if !ok {
		return nil
	}
	session, _ := value.(*models.Session)
	return session
}

// CurrentDevice returns the resolved device, or nil.
func CurrentDevice(c *gin.Context) *models.Device {
	value, ok := c.Get(ContextDevice)
	if !ok {
		return nil
	}
	device, _ := value.(*models.Device)
	return device
}

// CurrentDecision returns the full coordinator decision, or nil.
func CurrentDecision(c *gin.Context) *sessions.Decision {
	value, ok := c.Get(ContextDecision)
	if !ok {
		return nil
	}
	decision, _ := value.(*sessions.Decision)
	return decision
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
