package security

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/signaldesk/sessiond/internal/audit"
	"github.com/signaldesk/sessiond/internal/database/testutil"
	"github.com/signaldesk/sessiond/internal/models"
	appErrors "github.com/signaldesk/sessiond/pkg/errors"
)

type recordedEvents struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordedEvents) Record(_ context.Context, event audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordedEvents) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]models.EventKind, 0, len(r.events))
	for _, event := range r.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

type guardClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *guardClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *guardClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupGuard(t *testing.T) (*CSRFGuard, *gorm.DB, *guardClock, *recordedEvents) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	clock := &guardClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	events := &recordedEvents{}

	guard, err := NewCSRFGuard(db, events, CSRFConfig{
		TrustedOrigins: []string{"https://dash.example.com"},
		ExemptPaths:    []string{"/api/webhooks/broker"},
		Clock:          clock.Now,
	})
	require.NoError(t, err)

	return guard, db, clock, events
}

func mustSeedSession(t *testing.T, db *gorm.DB) *models.Session {
	t.Helper()

	user := &models.User{Subject: "idp|trader-1", Email: "trader@example.com"}
	require.NoError(t, db.Create(user).Error)

	device := &models.Device{
		UserID:          user.ID,
		FingerprintHash: "fp-" + user.ID,
		TrustState:      models.DeviceTrusted,
	}
	require.NoError(t, db.Create(device).Error)

	session := &models.Session{
		UserID:             user.ID,
		DeviceID:           device.ID,
		State:              models.SessionActive,
		AccessTokenExpiry:  time.Date(2025, 6, 1, 9, 15, 0, 0, time.UTC),
		RefreshTokenExpiry: time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, db.Create(session).Error)
	return session
}

func postRequest(session *models.Session, token string) CSRFRequest {
	return CSRFRequest{
		Method:      "POST",
		Path:        "/api/watchlists",
		Origin:      "https://dash.example.com",
		HeaderToken: token,
		SessionID:   session.ID,
		UserID:      session.UserID,
		IPAddress:   "203.0.113.9",
		UserAgent:   "Mozilla/5.0",
	}
}

func TestValidateAcceptsMatchingTokenAndOrigin(t *testing.T) {
	guard, db, _, _ := setupGuard(t)
	session := mustSeedSession(t, db)

	token, _, err := guard.IssueToken(context.Background(), session.ID)
	require.NoError(t, err)

	require.NoError(t, guard.Validate(context.Background(), postRequest(session, token)))
}

func TestValidateSkipsSafeMethodsAndExemptPaths(t *testing.T) {
	guard, db, _, _ := setupGuard(t)
	session := mustSeedSession(t, db)

	get := postRequest(session, "")
	get.Method = "GET"
	require.NoError(t, guard.Validate(context.Background(), get))

	exempt := postRequest(session, "")
	exempt.Path = "/api/webhooks/broker"
	exempt.Origin = "https://evil.example.net"
	require.NoError(t, guard.Validate(context.Background(), exempt))
}

func TestValidateRejectsForeignOrigin(t *testing.T) {
	guard, db, _, events := setupGuard(t)
	session := mustSeedSession(t, db)

	token, _, err := guard.IssueToken(context.Background(), session.ID)
	require.NoError(t, err)

	req := postRequest(session, token)
	req.Origin = "https://evil.example.net"

	err = guard.Validate(context.Background(), req)
	require.ErrorIs(t, err, appErrors.ErrInvalidOrigin)
	require.Contains(t, events.kinds(), models.EventCSRFAttackDetected)
}

func TestValidateRejectsNullOrigin(t *testing.T) {
	guard, db, _, events := setupGuard(t)
	session := mustSeedSession(t, db)

	token, _, err := guard.IssueToken(context.Background(), session.ID)
	require.NoError(t, err)

	// Sandboxed iframes and data: navigations send the literal "null"; a
	// present Origin that matches nothing is a mismatch, not absence.
	req := postRequest(session, token)
	req.Origin = "null"

	err = guard.Validate(context.Background(), req)
	require.ErrorIs(t, err, appErrors.ErrInvalidOrigin)
	require.Contains(t, events.kinds(), models.EventCSRFAttackDetected)
}

func TestValidateChecksTokenBeforeOrigin(t *testing.T) {
	guard, db, _, _ := setupGuard(t)
	session := mustSeedSession(t, db)

	// A cross-origin forgery carries neither the header token nor a trusted
	// Origin; the missing token is what surfaces.
	req := postRequest(session, "")
	req.Origin = "https://evil.example.net"

	err := guard.Validate(context.Background(), req)
	require.ErrorIs(t, err, appErrors.ErrCSRFInvalid)
}

func TestValidateOriginTakesPrecedenceOverReferer(t *testing.T) {
	guard, db, _, _ := setupGuard(t)
	session := mustSeedSession(t, db)

	token, _, err := guard.IssueToken(context.Background(), session.ID)
	require.NoError(t, err)

	// A stale or cross-navigation Referer is ignored when Origin matches.
	req := postRequest(session, token)
	req.Referer = "https://evil.example.net/launch"
	require.NoError(t, guard.Validate(context.Background(), req))
}

func TestValidateFallsBackToRefererWhenOriginAbsent(t *testing.T) {
	guard, db, _, _ := setupGuard(t)
	session := mustSeedSession(t, db)

	token, _, err := guard.IssueToken(context.Background(), session.ID)
	require.NoError(t, err)

	req := postRequest(session, token)
	req.Origin = ""
	req.Referer = "https://dash.example.com/portfolio"
	require.NoError(t, guard.Validate(context.Background(), req))

	req.Referer = "https://evil.example.net/portfolio"
	err = guard.Validate(context.Background(), req)
	require.ErrorIs(t, err, appErrors.ErrInvalidReferer)
}

func TestValidateRejectsMissingToken(t *testing.T) {
	guard, db, _, events := setupGuard(t)
	session := mustSeedSession(t, db)

	err := guard.Validate(context.Background(), postRequest(session, ""))
	require.ErrorIs(t, err, appErrors.ErrCSRFInvalid)
	require.Contains(t, events.kinds(), models.EventCSRFInvalid)
}

func TestValidateRejectsTokenFromAnotherSession(t *testing.T) {
	guard, db, _, _ := setupGuard(t)
	sessionA := mustSeedSession(t, db)

	sessionB := &models.Session{
		UserID:             sessionA.UserID,
		DeviceID:           sessionA.DeviceID,
		State:              models.SessionActive,
		AccessTokenExpiry:  sessionA.AccessTokenExpiry,
		RefreshTokenExpiry: sessionA.RefreshTokenExpiry,
	}
	require.NoError(t, db.Create(sessionB).Error)

	tokenA, _, err := guard.IssueToken(context.Background(), sessionA.ID)
	require.NoError(t, err)
	_, _, err = guard.IssueToken(context.Background(), sessionB.ID)
	require.NoError(t, err)

	req := postRequest(sessionB, tokenA)
	err = guard.Validate(context.Background(), req)
	require.ErrorIs(t, err, appErrors.ErrCSRFInvalid)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	guard, db, clock, _ := setupGuard(t)
	session := mustSeedSession(t, db)

	token, _, err := guard.IssueToken(context.Background(), session.ID)
	require.NoError(t, err)

	clock.Advance(13 * time.Hour)

	err = guard.Validate(context.Background(), postRequest(session, token))
	require.ErrorIs(t, err, appErrors.ErrCSRFError)
}

func TestIssueTokenReplacesPreviousToken(t *testing.T) {
	guard, db, _, _ := setupGuard(t)
	session := mustSeedSession(t, db)

	oldToken, _, err := guard.IssueToken(context.Background(), session.ID)
	require.NoError(t, err)
	newToken, _, err := guard.IssueToken(context.Background(), session.ID)
	require.NoError(t, err)
	require.NotEqual(t, oldToken, newToken)

	err = guard.Validate(context.Background(), postRequest(session, oldToken))
	require.ErrorIs(t, err, appErrors.ErrCSRFInvalid)

	require.NoError(t, guard.Validate(context.Background(), postRequest(session, newToken)))

	var count int64
	require.NoError(t, db.Model(&models.CSRFToken{}).Where("session_id = ?", session.ID).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestScriptedAgentIsFlaggedButNotBlocked(t *testing.T) {
	guard, db, _, events := setupGuard(t)
	session := mustSeedSession(t, db)

	token, _, err := guard.IssueToken(context.Background(), session.ID)
	require.NoError(t, err)

	req := postRequest(session, token)
	req.UserAgent = "curl/8.5.0"

	require.NoError(t, guard.Validate(context.Background(), req))
	require.Contains(t, events.kinds(), models.EventSuspiciousActivity)
}

func TestNewCSRFGuardRequiresTrustedOrigin(t *testing.T) {
	db := testutil.MustOpenTestDB(t)

	_, err := NewCSRFGuard(db, &recordedEvents{}, CSRFConfig{})
	require.Error(t, err)
}
