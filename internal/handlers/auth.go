package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/signaldesk/sessiond/internal/auth"
	"github.com/signaldesk/sessiond/internal/devices"
	"github.com/signaldesk/sessiond/internal/models"
	"github.com/signaldesk/sessiond/internal/security"
	"github.com/signaldesk/sessiond/pkg/crypto"
	appErrors "github.com/signaldesk/sessiond/pkg/errors"
	"github.com/signaldesk/sessiond/pkg/response"
)

// Cookie names used by the browser-facing token transport. The refresh and
// session cookies are HttpOnly; the CSRF cookie must be readable by the page
// so it can mirror the value into the request header.
const (
	RefreshCookieName = "sessiond_refresh"
	SessionCookieName = "sessiond_session"
)

// CookieSettings describes how auth cookies are written.
type CookieSettings struct {
	Domain string
	Path   string
	Secure bool
}

// AuthConfig configures the auth handler. InternalKey authenticates the
// trusted hand-off endpoint called by the identity gateway, not by browsers.
type AuthConfig struct {
	InternalKey string
	Cookies     CookieSettings
	Clock       func() time.Time
}

// AuthHandler owns the identity-provider hand-off and the refresh endpoints.
type AuthHandler struct {
	db      *gorm.DB
	engine  *auth.RotationEngine
	guard   *security.CSRFGuard
	devices *devices.Manager

	internalKey string
	cookies     CookieSettings
	now         func() time.Time
}

// NewAuthHandler wires the handler.
func NewAuthHandler(db *gorm.DB, engine *auth.RotationEngine, guard *security.CSRFGuard, deviceManager *devices.Manager, cfg AuthConfig) (*AuthHandler, error) {
	if db == nil || engine == nil || guard == nil || deviceManager == nil {
		return nil, errors.New("auth handler: all collaborators are required")
	}
	if strings.TrimSpace(cfg.InternalKey) == "" {
		return nil, errors.New("auth handler: internal key is required")
	}
	if cfg.Cookies.Path == "" {
		cfg.Cookies.Path = "/"
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &AuthHandler{
		db:          db,
		engine:      engine,
		guard:       guard,
		devices:     deviceManager,
		internalKey: cfg.InternalKey,
		cookies:     cfg.Cookies,
		now:         clock,
	}, nil
}

type createSessionRequest struct {
	Subject     string `json:"subject" validate:"required"`
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"display_name" validate:"omitempty,max=120"`
	IsAdmin     bool   `json:"is_admin"`
}

type sessionResponse struct {
	AccessToken               string    `json:"access_token"`
	AccessTokenExpiry         time.Time `json:"access_token_expiry"`
	CSRFToken                 string    `json:"csrf_token"`
	SessionID                 string    `json:"session_id"`
	DeviceID                  string    `json:"device_id"`
	DeviceVerificationPending bool      `json:"device_verification_pending"`
}

// CreateSession handles the hand-off after the identity provider has
// authenticated the user. sessiond never sees credentials; it mirrors the
// asserted subject and mints the session.
func (h *AuthHandler) CreateSession(c *gin.Context) {
	if !crypto.ConstantTimeEqual(c.GetHeader("X-Internal-Key"), h.internalKey) {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req createSessionRequest
	if !bindAndValidate(c, &req) {
		return
	}

	user, err := h.upsertUser(c, req)
	if err != nil {
		response.Error(c, err)
		return
	}

	device, err := h.devices.RegisterOrTouch(c.Request.Context(), user.ID, devices.FingerprintInput{
		UserAgent:      c.GetHeader("User-Agent"),
		AcceptLanguage: c.GetHeader("Accept-Language"),
		ClientHints:    c.GetHeader("Sec-CH-UA"),
		IPAddress:      c.ClientIP(),
	})
	if errors.Is(err, devices.ErrDeviceRevoked) {
		response.Error(c, appErrors.ErrForbidden)
		return
	}
	if err != nil {
		response.Error(c, err)
		return
	}

	pair, session, err := h.engine.CreateSession(c.Request.Context(), user.ID, device.ID, auth.SessionMetadata{
		IPAddress: c.ClientIP(),
		UserAgent: c.GetHeader("User-Agent"),
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	csrfToken, _, err := h.guard.IssueToken(c.Request.Context(), session.ID)
	if err != nil {
		response.Error(c, err)
		return
	}

	h.writeSessionCookies(c, session.ID, pair.RefreshToken, pair.RefreshTokenExpiry, csrfToken)

	response.Success(c, http.StatusCreated, sessionResponse{
		AccessToken:               pair.AccessToken,
		AccessTokenExpiry:         pair.AccessTokenExpiry,
		CSRFToken:                 csrfToken,
		SessionID:                 session.ID,
		DeviceID:                  device.ID,
		DeviceVerificationPending: h.devices.RequiresVerification(device),
	})
}

// CheckRefreshStatus reports whether the session can rotate, without
// mutating anything. Safe to poll.
func (h *AuthHandler) CheckRefreshStatus(c *gin.Context) {
	sessionID, _, ok := h.sessionFromCookies(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	status, err := h.engine.CheckStatus(c.Request.Context(), sessionID)
	if err != nil {
		response.Error(c, rotationError(err))
		return
	}

	response.Success(c, http.StatusOK, status)
}

type refreshRequest struct {
	Force bool `json:"force"`
}

// Refresh rotates the token pair. force bypasses the refresh-window policy,
// which the dashboard uses on reload instead of retrying in a loop.
func (h *AuthHandler) Refresh(c *gin.Context) {
	sessionID, refreshToken, ok := h.sessionFromCookies(c)
	if !ok {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	if err := h.guard.Validate(c.Request.Context(), security.CSRFRequest{
		Method:      c.Request.Method,
		Path:        c.Request.URL.Path,
		Origin:      c.GetHeader("Origin"),
		Referer:     c.GetHeader("Referer"),
		HeaderToken: c.GetHeader("X-CSRF-Token"),
		SessionID:   sessionID,
		IPAddress:   c.ClientIP(),
		UserAgent:   c.GetHeader("User-Agent"),
	}); err != nil {
		response.Error(c, err)
		return
	}

	var req refreshRequest
	if c.Request.ContentLength > 0 {
		if !bindAndValidate(c, &req) {
			return
		}
	}

	result, err := h.engine.Rotate(c.Request.Context(), sessionID, refreshToken, req.Force)
	if err != nil {
		if errors.Is(err, auth.ErrTokenReused) {
			h.clearSessionCookies(c)
		}
		response.Error(c, rotationError(err))
		return
	}

	payload := sessionResponse{
		AccessToken:       result.Pair.AccessToken,
		AccessTokenExpiry: result.Pair.AccessTokenExpiry,
		SessionID:         result.Session.ID,
		DeviceID:          result.Session.DeviceID,
	}

	if result.Rotated {
		// A fresh pair gets a fresh CSRF token bound to it.
		csrfToken, _, err := h.guard.IssueToken(c.Request.Context(), result.Session.ID)
		if err != nil {
			response.Error(c, err)
			return
		}
		payload.CSRFToken = csrfToken
		h.writeSessionCookies(c, result.Session.ID, result.Pair.RefreshToken, result.Pair.RefreshTokenExpiry, csrfToken)
	}

	status := http.StatusOK
	if !result.Rotated {
		status = http.StatusAccepted
	}
	response.Success(c, status, payload)
}

// Logout revokes the session and clears the cookies. Idempotent. A forged
// cross-site DELETE must not be able to log the user out, so the same CSRF
// checks as Refresh apply.
func (h *AuthHandler) Logout(c *gin.Context) {
	sessionID, _, ok := h.sessionFromCookies(c)
	if ok {
		if err := h.guard.Validate(c.Request.Context(), security.CSRFRequest{
			Method:      c.Request.Method,
			Path:        c.Request.URL.Path,
			Origin:      c.GetHeader("Origin"),
			Referer:     c.GetHeader("Referer"),
			HeaderToken: c.GetHeader("X-CSRF-Token"),
			SessionID:   sessionID,
			IPAddress:   c.ClientIP(),
			UserAgent:   c.GetHeader("User-Agent"),
		}); err != nil {
			response.Error(c, err)
			return
		}

		err := h.engine.Revoke(c.Request.Context(), sessionID, models.RevocationLogout)
		if err != nil && !errors.Is(err, auth.ErrSessionNotFound) {
			response.Error(c, err)
			return
		}
		_ = h.guard.DropToken(c.Request.Context(), sessionID)
	}

	h.clearSessionCookies(c)
	response.Success(c, http.StatusOK, gin.H{"revoked": ok})
}

func (h *AuthHandler) upsertUser(c *gin.Context, req createSessionRequest) (*models.User, error) {
	var user models.User
	err := h.db.WithContext(c.Request.Context()).
		Take(&user, "subject = ?", req.Subject).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = models.User{
			Subject:  req.Subject,
			Email:    req.Email,
			IsAdmin:  req.IsAdmin,
			IsActive: true,
		}
		if err := h.db.WithContext(c.Request.Context()).Create(&user).Error; err != nil {
			return nil, err
		}
		return &user, nil
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, appErrors.ErrForbidden
	}

	now := h.now()
	updates := map[string]any{
		"email":        req.Email,
		"is_admin":     req.IsAdmin,
		"last_seen_at": now,
	}
	if err := h.db.WithContext(c.Request.Context()).
		Model(&models.User{}).Where("id = ?", user.ID).Updates(updates).Error; err != nil {
		return nil, err
	}
	user.Email = req.Email
	user.IsAdmin = req.IsAdmin
	user.LastSeenAt = &now
	return &user, nil
}

func (h *AuthHandler) sessionFromCookies(c *gin.Context) (sessionID, refreshToken string, ok bool) {
	sessionID, err := c.Cookie(SessionCookieName)
	if err != nil || strings.TrimSpace(sessionID) == "" {
		return "", "", false
	}
	refreshToken, err = c.Cookie(RefreshCookieName)
	if err != nil {
		return sessionID, "", true // status checks work without the token
	}
	return sessionID, refreshToken, true
}

func (h *AuthHandler) writeSessionCookies(c *gin.Context, sessionID, refreshToken string, refreshExpiry time.Time, csrfToken string) {
	// Max-Age is derived from the injected clock so cookie lifetime always
	// tracks the refresh expiry the engine computed.
	maxAge := int(refreshExpiry.Sub(h.now()).Seconds())
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(SessionCookieName, sessionID, maxAge, h.cookies.Path, h.cookies.Domain, h.cookies.Secure, true)
	c.SetCookie(RefreshCookieName, refreshToken, maxAge, h.cookies.Path, h.cookies.Domain, h.cookies.Secure, true)
	c.SetCookie(security.CSRFCookieName, csrfToken, maxAge, h.cookies.Path, h.cookies.Domain, h.cookies.Secure, false)
}

func (h *AuthHandler) clearSessionCookies(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(SessionCookieName, "", -1, h.cookies.Path, h.cookies.Domain, h.cookies.Secure, true)
	c.SetCookie(RefreshCookieName, "", -1, h.cookies.Path, h.cookies.Domain, h.cookies.Secure, true)
	c.SetCookie(security.CSRFCookieName, "", -1, h.cookies.Path, h.cookies.Domain, h.cookies.Secure, false)
}

// rotationError maps engine sentinels onto the API error taxonomy.
func rotationError(err error) error {
	switch {
	case errors.Is(err, auth.ErrRotationInProgress):
		return appErrors.ErrRotationInProgress
	case errors.Is(err, auth.ErrTokenReused),
		errors.Is(err, auth.ErrSessionRevoked),
		errors.Is(err, auth.ErrSessionExpired):
		return appErrors.ErrSessionExpired
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrSessionNotFound):
		return appErrors.ErrUnauthorized
	default:
		return err
	}
}
