package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/signaldesk/sessiond/internal/audit"
	"github.com/signaldesk/sessiond/internal/auth"
	"github.com/signaldesk/sessiond/internal/devices"
	"github.com/signaldesk/sessiond/internal/models"
	"github.com/signaldesk/sessiond/internal/security"
	appErrors "github.com/signaldesk/sessiond/pkg/errors"
)

const highRiskThreshold = 50

// RequestContext carries everything the coordinator inspects for one request.
type RequestContext struct {
	Method         string
	Path           string
	AccessToken    string
	CSRFToken      string
	Origin         string
	Referer        string
	IPAddress      string
	UserAgent      string
	AcceptLanguage string
	ClientHints    string

	// AllowUnverifiedDevice lets a mutating request through while the device
	// is still pending verification. Set only for the device-management
	// surface itself; an unverified device must be able to reach the
	// endpoints that verify it.
	AllowUnverifiedDevice bool
}

// Decision is the outcome of a full evaluation. Signals are advisory; a
// non-nil error from Evaluate is the only thing that blocks a request.
type Decision struct {
	User    *models.User
	Session *models.Session
	Device  *models.Device
	Claims  *auth.Claims

	DeviceVerificationPending bool
	Signals                   []string
}

// Coordinator runs the security checks for a request in a fixed order:
// access token, session state, CSRF, then device trust. The first hard
// failure short-circuits; soft signals accumulate on the decision instead of
// blocking.
type Coordinator struct {
	db     *gorm.DB
	jwt    *auth.JWTService
	guard  *security.CSRFGuard
	device *devices.Manager
	events audit.Recorder
	now    func() time.Time
}

// NewCoordinator wires the coordinator from its collaborators.
func NewCoordinator(db *gorm.DB, jwtService *auth.JWTService, guard *security.CSRFGuard, deviceManager *devices.Manager, events audit.Recorder, clock func() time.Time) (*Coordinator, error) {
	if db == nil || jwtService == nil || guard == nil || deviceManager == nil || events == nil {
		return nil, errors.New("coordinator: all collaborators are required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		db:     db,
		jwt:    jwtService,
		guard:  guard,
		device: deviceManager,
		events: events,
		now:    clock,
	}, nil
}

// Evaluate authenticates and authorises one request. Mutating requests from
// an unverified device are rejected; reads pass with the verification flag
// set so the surface can prompt the user.
func (c *Coordinator) Evaluate(ctx context.Context, req RequestContext) (*Decision, error) {
	claims, err := c.jwt.ValidateAccessToken(strings.TrimSpace(req.AccessToken))
	if err != nil {
		return nil, appErrors.ErrUnauthorized
	}

	session, err := c.loadSession(ctx, claims.SessionID)
	if err != nil {
		return nil, err
	}

	user, err := c.loadUser(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if session.UserID != user.ID {
		return nil, appErrors.ErrUnauthorized
	}

	if err := c.guard.Validate(ctx, security.CSRFRequest{
		Method:      req.Method,
		Path:        req.Path,
		Origin:      req.Origin,
		Referer:     req.Referer,
		HeaderToken: req.CSRFToken,
		SessionID:   session.ID,
		UserID:      user.ID,
		IPAddress:   req.IPAddress,
		UserAgent:   req.UserAgent,
	}); err != nil {
		return nil, err
	}

	device, err := c.device.RegisterOrTouch(ctx, user.ID, devices.FingerprintInput{
		UserAgent:      req.UserAgent,
		AcceptLanguage: req.AcceptLanguage,
		ClientHints:    req.ClientHints,
		IPAddress:      req.IPAddress,
	})
	if errors.Is(err, devices.ErrDeviceRevoked) {
		return nil, appErrors.ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("coordinator: resolve device: %w", err)
	}

	decision := &Decision{
		User:    user,
		Session: session,
		Device:  device,
		Claims:  claims,
	}

	// The token was minted for a specific device; a different fingerprint
	// answering for it is a strong signal but not proof of theft.
	if claims.DeviceID != "" && claims.DeviceID != device.ID {
		decision.Signals = append(decision.Signals, "device_mismatch")
		c.events.Record(ctx, audit.Event{
			Kind:      models.EventSuspiciousActivity,
			Severity:  models.SeverityWarning,
			UserID:    user.ID,
			SessionID: session.ID,
			DeviceID:  device.ID,
			IPAddress: req.IPAddress,
			UserAgent: req.UserAgent,
			Context: map[string]any{
				"signal":       "device_mismatch",
				"token_device": claims.DeviceID,
			},
		})
	}

	if device.RiskScore >= highRiskThreshold {
		decision.Signals = append(decision.Signals, "high_risk_device")
	}

	if c.device.RequiresVerification(device) {
		decision.DeviceVerificationPending = true
		if isMutating(req.Method) && !req.AllowUnverifiedDevice {
			return decision, appErrors.ErrDeviceVerificationRequired
		}
	}

	return decision, nil
}

func (c *Coordinator) loadSession(ctx context.Context, sessionID string) (*models.Session, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, appErrors.ErrUnauthorized
	}

	var session models.Session
	err := c.db.WithContext(ctx).Take(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, appErrors.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("coordinator: load session: %w", err)
	}

	if !session.IsActive(c.now()) {
		return nil, appErrors.ErrSessionExpired
	}
	return &session, nil
}

func (c *Coordinator) loadUser(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := c.db.WithContext(ctx).Take(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, appErrors.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("coordinator: load user: %w", err)
	}
	if !user.IsActive {
		return nil, appErrors.ErrUnauthorized
	}
	return &user, nil
}

func isMutating(method string) bool {
	switch strings.ToUpper(method) {
	case "GET", "HEAD", "OPTIONS", "TRACE":
		return false
	default:
		return true
	}
}
