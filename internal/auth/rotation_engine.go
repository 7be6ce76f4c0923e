package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/signaldesk/sessiond/internal/audit"
	"github.com/signaldesk/sessiond/internal/models"
	"github.com/signaldesk/sessiond/pkg/crypto"
	"github.com/signaldesk/sessiond/pkg/metrics"
)

const (
	// DefaultRefreshTokenTTL is the fallback refresh token lifetime.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
	// DefaultRefreshTokenLength is the number of random bytes in a refresh token.
	DefaultRefreshTokenLength = 48
	// DefaultRefreshWindow is the fraction of access-token lifetime below which
	// rotation proceeds; above it a non-forced rotate is a no-op.
	DefaultRefreshWindow = 0.20

	defaultReadRetries = 3
	defaultRetryBase   = 200 * time.Millisecond
	defaultRetryCap    = 2 * time.Second
	retryBackoffFactor = 2
)

var (
	// ErrSessionNotFound indicates that no session matches the provided identifier.
	ErrSessionNotFound = errors.New("rotation: session not found")
	// ErrSessionRevoked marks a session that has been revoked.
	ErrSessionRevoked = errors.New("rotation: session revoked")
	// ErrSessionExpired signals that the refresh token has reached its expiry.
	ErrSessionExpired = errors.New("rotation: session expired")
	// ErrInvalidToken is returned when the presented refresh token does not
	// hash-match the session's token family.
	ErrInvalidToken = errors.New("rotation: invalid refresh token")
	// ErrRotationInProgress means another rotation holds this session's lock.
	ErrRotationInProgress = errors.New("rotation: already in progress")
	// ErrTokenReused marks redemption of an already-used refresh token. The
	// whole session family is revoked before this error is returned.
	ErrTokenReused = errors.New("rotation: refresh token reuse detected")

	// errTokenClaimRace signals the conditional used_at update lost to a
	// concurrent writer inside the rotation transaction.
	errTokenClaimRace = errors.New("rotation: token already claimed")
)

// TokenPair represents an access token and refresh token pair.
type TokenPair struct {
	AccessToken        string    `json:"access_token"`
	RefreshToken       string    `json:"refresh_token"`
	AccessTokenExpiry  time.Time `json:"access_token_expiry"`
	RefreshTokenExpiry time.Time `json:"refresh_token_expiry"`
}

// Status reports the refresh posture of a session without mutating it.
type Status struct {
	HasRefreshToken bool      `json:"has_refresh_token"`
	CanRefresh      bool      `json:"can_refresh"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// SessionMetadata captures contextual information about the client.
type SessionMetadata struct {
	IPAddress string
	UserAgent string
}

// RotationResult is the outcome of a rotate call. Rotated is false when the
// refresh-window policy skipped the rotation and the presented pair remains
// current.
type RotationResult struct {
	Pair    TokenPair
	Session *models.Session
	Rotated bool
}

// RotationConfig describes tunable behaviour for the RotationEngine.
type RotationConfig struct {
	RefreshTokenTTL time.Duration
	RefreshLength   int
	RefreshWindow   float64 // fraction of access lifetime, (0,1]
	ReadRetries     int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration
	Clock           func() time.Time
}

// RotationEngine owns the access/refresh pair for every session: it creates
// sessions on the identity-provider hand-off, rotates ahead of expiry,
// detects refresh-token reuse, and revokes on demand. All rotation for one
// session is serialised through a per-session lock.
type RotationEngine struct {
	db     *gorm.DB
	jwt    *JWTService
	events audit.Recorder
	locks  *sessionLocks

	refreshTTL  time.Duration
	tokenLen    int
	window      float64
	readRetries int
	retryBase   time.Duration
	retryCap    time.Duration
	now         func() time.Time
}

// NewRotationEngine constructs the engine backed by the provided database,
// JWT service, and audit recorder.
func NewRotationEngine(db *gorm.DB, jwtService *JWTService, events audit.Recorder, cfg RotationConfig) (*RotationEngine, error) {
	if db == nil {
		return nil, errors.New("rotation engine: db is required")
	}
	if jwtService == nil {
		return nil, errors.New("rotation engine: jwt service is required")
	}
	if events == nil {
		return nil, errors.New("rotation engine: audit recorder is required")
	}

	ttl := cfg.RefreshTokenTTL
	if ttl <= 0 {
		ttl = DefaultRefreshTokenTTL
	}

	length := cfg.RefreshLength
	if length <= 0 {
		length = DefaultRefreshTokenLength
	}

	window := cfg.RefreshWindow
	if window <= 0 || window > 1 {
		window = DefaultRefreshWindow
	}

	retries := cfg.ReadRetries
	if retries <= 0 {
		retries = defaultReadRetries
	}

	base := cfg.RetryBaseDelay
	if base <= 0 {
		base = defaultRetryBase
	}

	maxDelay := cfg.RetryMaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryCap
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &RotationEngine{
		db:          db,
		jwt:         jwtService,
		events:      events,
		locks:       newSessionLocks(),
		refreshTTL:  ttl,
		tokenLen:    length,
		window:      window,
		readRetries: retries,
		retryBase:   base,
		retryCap:    maxDelay,
		now:         clock,
	}, nil
}

// CreateSession binds a freshly authenticated user and device to a new
// session and issues the initial token pair.
func (e *RotationEngine) CreateSession(ctx context.Context, userID, deviceID string, meta SessionMetadata) (TokenPair, *models.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return TokenPair{}, nil, errors.New("rotation engine: user id is required")
	}
	if strings.TrimSpace(deviceID) == "" {
		return TokenPair{}, nil, errors.New("rotation engine: device id is required")
	}

	refreshToken, err := crypto.GenerateToken(e.tokenLen)
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("rotation engine: generate refresh token: %w", err)
	}

	now := e.now()
	accessExpiry := now.Add(e.jwt.AccessTokenTTL())
	refreshExpiry := now.Add(e.refreshTTL)

	session := &models.Session{
		UserID:             userID,
		DeviceID:           deviceID,
		State:              models.SessionActive,
		IPAddress:          strings.TrimSpace(meta.IPAddress),
		UserAgent:          strings.TrimSpace(meta.UserAgent),
		LastRotatedAt:      now,
		AccessTokenExpiry:  accessExpiry,
		RefreshTokenExpiry: refreshExpiry,
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(session).Error; err != nil {
			return err
		}
		return tx.Create(&models.RefreshToken{
			SessionID: session.ID,
			TokenHash: crypto.HashSHA256(refreshToken),
			IssuedAt:  now,
			ExpiresAt: refreshExpiry,
		}).Error
	})
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("rotation engine: create session: %w", err)
	}

	accessToken, _, err := e.jwt.GenerateAccessToken(AccessTokenInput{
		UserID:    userID,
		SessionID: session.ID,
		DeviceID:  deviceID,
		ExpiresAt: accessExpiry,
	})
	if err != nil {
		return TokenPair{}, nil, fmt.Errorf("rotation engine: generate access token: %w", err)
	}

	metrics.ActiveSessions.Inc()

	e.events.Record(ctx, audit.Event{
		Kind:      models.EventSessionCreated,
		Severity:  models.SeverityInfo,
		UserID:    userID,
		SessionID: session.ID,
		DeviceID:  deviceID,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
	})

	return TokenPair{
		AccessToken:        accessToken,
		RefreshToken:       refreshToken,
		AccessTokenExpiry:  accessExpiry,
		RefreshTokenExpiry: refreshExpiry,
	}, session, nil
}

// CheckStatus reports whether the session can refresh and when the current
// access token expires. Read-only; transient datastore errors are retried
// with bounded exponential backoff.
func (e *RotationEngine) CheckStatus(ctx context.Context, sessionID string) (Status, error) {
	if strings.TrimSpace(sessionID) == "" {
		return Status{}, ErrSessionNotFound
	}

	var session models.Session
	err := e.withReadRetry(ctx, func() error {
		return e.db.WithContext(ctx).Take(&session, "id = ?", sessionID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Status{}, ErrSessionNotFound
	}
	if err != nil {
		return Status{}, fmt.Errorf("rotation engine: load session: %w", err)
	}

	now := e.now()
	if !session.IsActive(now) {
		return Status{ExpiresAt: session.AccessTokenExpiry}, nil
	}

	var outstanding int64
	err = e.withReadRetry(ctx, func() error {
		return e.db.WithContext(ctx).
			Model(&models.RefreshToken{}).
			Where("session_id = ? AND used_at IS NULL AND expires_at > ?", sessionID, now).
			Count(&outstanding).Error
	})
	if err != nil {
		return Status{}, fmt.Errorf("rotation engine: count refresh tokens: %w", err)
	}

	status := Status{
		HasRefreshToken: outstanding > 0,
		ExpiresAt:       session.AccessTokenExpiry,
	}
	status.CanRefresh = status.HasRefreshToken && e.withinRefreshWindow(session.AccessTokenExpiry, now)

	return status, nil
}

// Rotate redeems the presented refresh token for a new pair. Concurrent
// attempts for one session are rejected with ErrRotationInProgress rather
// than racing; reuse of an already-redeemed token revokes the whole family.
func (e *RotationEngine) Rotate(ctx context.Context, sessionID, presentedToken string, force bool) (*RotationResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	presentedToken = strings.TrimSpace(presentedToken)
	if sessionID == "" || presentedToken == "" {
		return nil, ErrInvalidToken
	}

	release, ok := e.locks.TryAcquire(sessionID)
	if !ok {
		metrics.TokenRotations.WithLabelValues("conflict").Inc()
		return nil, ErrRotationInProgress
	}
	defer release()

	var session models.Session
	err := e.db.WithContext(ctx).Take(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rotation engine: load session: %w", err)
	}

	now := e.now()

	if session.State == models.SessionRevoked || session.RevokedAt != nil {
		return nil, ErrSessionRevoked
	}
	if session.RefreshTokenExpiry.Before(now) {
		return nil, ErrSessionExpired
	}

	var token models.RefreshToken
	err = e.db.WithContext(ctx).
		Take(&token, "token_hash = ?", crypto.HashSHA256(presentedToken)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && token.SessionID != sessionID) {
		metrics.TokenRotations.WithLabelValues("failure").Inc()
		e.events.Record(ctx, audit.Event{
			Kind:      models.EventRotationFailed,
			Severity:  models.SeverityWarning,
			UserID:    session.UserID,
			SessionID: session.ID,
			DeviceID:  session.DeviceID,
			Context:   map[string]any{"reason": "unknown_token"},
		})
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("rotation engine: load refresh token: %w", err)
	}

	// Reuse is checked before any new token is issued.
	if token.UsedAt != nil {
		return nil, e.handleReuse(ctx, &session, &token)
	}
	if token.ExpiresAt.Before(now) {
		return nil, ErrSessionExpired
	}

	if !force && !e.withinRefreshWindow(session.AccessTokenExpiry, now) {
		return e.skipRotation(&session, presentedToken)
	}

	newRefresh, err := crypto.GenerateToken(e.tokenLen)
	if err != nil {
		return nil, fmt.Errorf("rotation engine: generate refresh token: %w", err)
	}

	accessExpiry := now.Add(e.jwt.AccessTokenTTL())
	refreshExpiry := now.Add(e.refreshTTL)

	// Mark the session ROTATING for the duration of the swap so observers can
	// distinguish an in-flight rotation from a settled one.
	if err := e.setState(ctx, sessionID, models.SessionRotating); err != nil {
		return nil, fmt.Errorf("rotation engine: mark rotating: %w", err)
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim := tx.Model(&models.RefreshToken{}).
			Where("id = ? AND used_at IS NULL", token.ID).
			Update("used_at", now)
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			return errTokenClaimRace
		}

		if err := tx.Create(&models.RefreshToken{
			SessionID: sessionID,
			TokenHash: crypto.HashSHA256(newRefresh),
			IssuedAt:  now,
			ExpiresAt: refreshExpiry,
		}).Error; err != nil {
			return err
		}

		return tx.Model(&models.Session{}).
			Where("id = ?", sessionID).
			Updates(map[string]any{
				"state":                models.SessionActive,
				"last_rotated_at":      now,
				"access_token_expiry":  accessExpiry,
				"refresh_token_expiry": refreshExpiry,
			}).Error
	})
	if errors.Is(err, errTokenClaimRace) {
		return nil, e.handleReuse(ctx, &session, &token)
	}
	if err != nil {
		// Best effort: do not leave the session stuck in ROTATING.
		_ = e.setState(ctx, sessionID, models.SessionActive)
		metrics.TokenRotations.WithLabelValues("failure").Inc()
		e.events.Record(ctx, audit.Event{
			Kind:      models.EventRotationFailed,
			Severity:  models.SeverityWarning,
			UserID:    session.UserID,
			SessionID: session.ID,
			DeviceID:  session.DeviceID,
			Context:   map[string]any{"reason": "datastore_error"},
		})
		return nil, fmt.Errorf("rotation engine: rotate: %w", err)
	}

	accessToken, _, err := e.jwt.GenerateAccessToken(AccessTokenInput{
		UserID:    session.UserID,
		SessionID: session.ID,
		DeviceID:  session.DeviceID,
		ExpiresAt: accessExpiry,
	})
	if err != nil {
		return nil, fmt.Errorf("rotation engine: generate access token: %w", err)
	}

	session.State = models.SessionActive
	session.LastRotatedAt = now
	session.AccessTokenExpiry = accessExpiry
	session.RefreshTokenExpiry = refreshExpiry

	metrics.TokenRotations.WithLabelValues("rotated").Inc()
	e.events.Record(ctx, audit.Event{
		Kind:      models.EventRotationCompleted,
		Severity:  models.SeverityInfo,
		UserID:    session.UserID,
		SessionID: session.ID,
		DeviceID:  session.DeviceID,
	})

	return &RotationResult{
		Pair: TokenPair{
			AccessToken:        accessToken,
			RefreshToken:       newRefresh,
			AccessTokenExpiry:  accessExpiry,
			RefreshTokenExpiry: refreshExpiry,
		},
		Session: &session,
		Rotated: true,
	}, nil
}

// Revoke moves a session to REVOKED and invalidates any outstanding refresh
// token. Revoking an already-revoked session is a no-op.
func (e *RotationEngine) Revoke(ctx context.Context, sessionID string, reason models.RevocationReason) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrSessionNotFound
	}

	var session models.Session
	err := e.db.WithContext(ctx).Take(&session, "id = ?", sessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("rotation engine: load session: %w", err)
	}

	if session.State == models.SessionRevoked {
		return nil
	}

	if err := e.revokeFamily(ctx, &session, reason); err != nil {
		return err
	}

	e.events.Record(ctx, audit.Event{
		Kind:      models.EventSessionRevoked,
		Severity:  models.SeverityInfo,
		UserID:    session.UserID,
		SessionID: session.ID,
		DeviceID:  session.DeviceID,
		Context:   map[string]any{"reason": string(reason)},
	})
	return nil
}

// RevokeDeviceSessions revokes every active session bound to a device,
// returning the number revoked.
func (e *RotationEngine) RevokeDeviceSessions(ctx context.Context, deviceID string, reason models.RevocationReason) (int64, error) {
	if strings.TrimSpace(deviceID) == "" {
		return 0, errors.New("rotation engine: device id is required")
	}

	var sessions []models.Session
	if err := e.db.WithContext(ctx).
		Where("device_id = ? AND state != ?", deviceID, models.SessionRevoked).
		Find(&sessions).Error; err != nil {
		return 0, fmt.Errorf("rotation engine: list device sessions: %w", err)
	}

	var revoked int64
	for i := range sessions {
		if err := e.revokeFamily(ctx, &sessions[i], reason); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// SessionsForDevice lists sessions bound to a device, newest first.
func (e *RotationEngine) SessionsForDevice(ctx context.Context, deviceID string) ([]models.Session, error) {
	var sessions []models.Session
	err := e.db.WithContext(ctx).
		Where("device_id = ?", deviceID).
		Order("created_at DESC").
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("rotation engine: list sessions: %w", err)
	}
	return sessions, nil
}

// CleanupExpired removes expired and revoked sessions together with their
// token families, returning the number of sessions deleted.
func (e *RotationEngine) CleanupExpired(ctx context.Context) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	now := e.now()

	var activeExpired int64
	if err := e.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("refresh_token_expiry < ? AND state != ?", now, models.SessionRevoked).
		Count(&activeExpired).Error; err != nil {
		return 0, fmt.Errorf("rotation engine: count expired sessions: %w", err)
	}

	var staleIDs []string
	if err := e.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("refresh_token_expiry < ? OR state = ?", now, models.SessionRevoked).
		Pluck("id", &staleIDs).Error; err != nil {
		return 0, fmt.Errorf("rotation engine: find stale sessions: %w", err)
	}
	if len(staleIDs) == 0 {
		return 0, nil
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id IN ?", staleIDs).Delete(&models.RefreshToken{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id IN ?", staleIDs).Delete(&models.CSRFToken{}).Error; err != nil {
			return err
		}
		return tx.Where("id IN ?", staleIDs).Delete(&models.Session{}).Error
	})
	if err != nil {
		return 0, fmt.Errorf("rotation engine: cleanup sessions: %w", err)
	}

	if activeExpired > 0 {
		metrics.ActiveSessions.Sub(float64(activeExpired))
	}

	return int64(len(staleIDs)), nil
}

func (e *RotationEngine) skipRotation(session *models.Session, presentedToken string) (*RotationResult, error) {
	accessToken, _, err := e.jwt.GenerateAccessToken(AccessTokenInput{
		UserID:    session.UserID,
		SessionID: session.ID,
		DeviceID:  session.DeviceID,
		ExpiresAt: session.AccessTokenExpiry,
	})
	if err != nil {
		return nil, fmt.Errorf("rotation engine: generate access token: %w", err)
	}

	metrics.TokenRotations.WithLabelValues("skipped").Inc()

	return &RotationResult{
		Pair: TokenPair{
			AccessToken:        accessToken,
			RefreshToken:       presentedToken,
			AccessTokenExpiry:  session.AccessTokenExpiry,
			RefreshTokenExpiry: session.RefreshTokenExpiry,
		},
		Session: session,
		Rotated: false,
	}, nil
}

// handleReuse treats redemption of a used token as theft evidence: the whole
// session family is revoked, not just the token.
func (e *RotationEngine) handleReuse(ctx context.Context, session *models.Session, token *models.RefreshToken) error {
	if err := e.revokeFamily(ctx, session, models.RevocationTokenReuse); err != nil {
		return err
	}

	metrics.TokenRotations.WithLabelValues("reuse_detected").Inc()
	e.events.Record(ctx, audit.Event{
		Kind:      models.EventTokenReuseDetected,
		Severity:  models.SeverityCritical,
		UserID:    session.UserID,
		SessionID: session.ID,
		DeviceID:  session.DeviceID,
		Context: map[string]any{
			"token_issued_at": token.IssuedAt,
			"token_used_at":   token.UsedAt,
		},
	})

	return ErrTokenReused
}

func (e *RotationEngine) revokeFamily(ctx context.Context, session *models.Session, reason models.RevocationReason) error {
	now := e.now()

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Session{}).
			Where("id = ? AND state != ?", session.ID, models.SessionRevoked).
			Updates(map[string]any{
				"state":             models.SessionRevoked,
				"revoked_at":        now,
				"revocation_reason": reason,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil // already revoked by a concurrent caller
		}

		metrics.ActiveSessions.Dec()

		return tx.Model(&models.RefreshToken{}).
			Where("session_id = ? AND used_at IS NULL", session.ID).
			Update("expires_at", now).Error
	})
	if err != nil {
		return fmt.Errorf("rotation engine: revoke session: %w", err)
	}

	session.State = models.SessionRevoked
	session.RevokedAt = &now
	session.RevocationReason = &reason
	return nil
}

func (e *RotationEngine) setState(ctx context.Context, sessionID string, state models.SessionState) error {
	return e.db.WithContext(ctx).
		Model(&models.Session{}).
		Where("id = ? AND state != ?", sessionID, models.SessionRevoked).
		Update("state", state).Error
}

func (e *RotationEngine) withinRefreshWindow(accessExpiry, now time.Time) bool {
	threshold := time.Duration(float64(e.jwt.AccessTokenTTL()) * e.window)
	return accessExpiry.Sub(now) <= threshold
}

// withReadRetry retries idempotent reads on transient errors with bounded
// exponential backoff. Mutating operations never pass through here.
func (e *RotationEngine) withReadRetry(ctx context.Context, op func() error) error {
	delay := e.retryBase
	var err error

	for attempt := 0; attempt < e.readRetries; attempt++ {
		err = op()
		if err == nil || errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= retryBackoffFactor
		if delay > e.retryCap {
			delay = e.retryCap
		}
	}

	return err
}
