package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/signaldesk/sessiond/internal/audit"
	"github.com/signaldesk/sessiond/internal/auth"
	"github.com/signaldesk/sessiond/internal/database/testutil"
	"github.com/signaldesk/sessiond/internal/devices"
	"github.com/signaldesk/sessiond/internal/handlers"
	"github.com/signaldesk/sessiond/internal/security"
)

const (
	testInternalKey   = "internal-handoff-key"
	testTrustedOrigin = "https://dash.example.com"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type nopRecorder struct{}

func (nopRecorder) Record(ctx context.Context, event audit.Event) {}

// cookieJar mirrors the subset of browser behaviour the handlers rely on:
// Set-Cookie replaces by name and a negative Max-Age deletes.
type cookieJar struct {
	cookies map[string]*http.Cookie
}

func newCookieJar() *cookieJar {
	return &cookieJar{cookies: make(map[string]*http.Cookie)}
}

func (j *cookieJar) update(rec *httptest.ResponseRecorder) {
	for _, cookie := range rec.Result().Cookies() {
		if cookie.MaxAge < 0 || cookie.Value == "" {
			delete(j.cookies, cookie.Name)
			continue
		}
		j.cookies[cookie.Name] = cookie
	}
}

func (j *cookieJar) attach(req *http.Request) {
	for _, cookie := range j.cookies {
		req.AddCookie(&http.Cookie{Name: cookie.Name, Value: cookie.Value})
	}
}

func (j *cookieJar) value(name string) string {
	cookie, ok := j.cookies[name]
	if !ok {
		return ""
	}
	return cookie.Value
}

type envelope struct {
	Success bool `json:"success"`
	Data    struct {
		AccessToken               string    `json:"access_token"`
		CSRFToken                 string    `json:"csrf_token"`
		SessionID                 string    `json:"session_id"`
		DeviceID                  string    `json:"device_id"`
		DeviceVerificationPending bool      `json:"device_verification_pending"`
		HasRefreshToken           bool      `json:"has_refresh_token"`
		CanRefresh                bool      `json:"can_refresh"`
		ExpiresAt                 time.Time `json:"expires_at"`
		Revoked                   bool      `json:"revoked"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var body envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

type authFixture struct {
	db     *gorm.DB
	clock  *testClock
	router *gin.Engine
	jar    *cookieJar
}

func setupAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()

	jwtService, err := auth.NewJWTService(auth.JWTConfig{
		Secret:         "test-secret-test-secret-test-1234",
		Issuer:         "sessiond-test",
		AccessTokenTTL: 15 * time.Minute,
		Clock:          clock.Now,
	})
	require.NoError(t, err)

	engine, err := auth.NewRotationEngine(db, jwtService, nopRecorder{}, auth.RotationConfig{
		RefreshTokenTTL: 24 * time.Hour,
		Clock:           clock.Now,
	})
	require.NoError(t, err)

	guard, err := security.NewCSRFGuard(db, nopRecorder{}, security.CSRFConfig{
		TrustedOrigins: []string{testTrustedOrigin},
		Clock:          clock.Now,
	})
	require.NoError(t, err)

	manager, err := devices.NewManager(db, nopRecorder{}, engine, nil, nil, devices.ManagerConfig{
		Clock: clock.Now,
	})
	require.NoError(t, err)

	handler, err := handlers.NewAuthHandler(db, engine, guard, manager, handlers.AuthConfig{
		InternalKey: testInternalKey,
		Clock:       clock.Now,
	})
	require.NoError(t, err)

	router := gin.New()
	authGroup := router.Group("/api/auth")
	{
		authGroup.POST("/session", handler.CreateSession)
		authGroup.GET("/refresh", handler.CheckRefreshStatus)
		authGroup.POST("/refresh", handler.Refresh)
		authGroup.DELETE("/refresh", handler.Logout)
	}

	return &authFixture{db: db, clock: clock, router: router, jar: newCookieJar()}
}

func browserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) Safari/605.1.15")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("X-Forwarded-For", "203.0.113.24")
}

func (f *authFixture) createSession(t *testing.T) envelope {
	t.Helper()

	payload, err := json.Marshal(gin.H{
		"subject": "idp|trader-1",
		"email":   "trader@example.com",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/session", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Key", testInternalKey)
	browserHeaders(req)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	f.jar.update(rec)
	return decodeEnvelope(t, rec)
}

func (f *authFixture) refresh(t *testing.T, body string, csrfToken string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Origin", testTrustedOrigin)
	if csrfToken != "" {
		req.Header.Set("X-CSRF-Token", csrfToken)
	}
	browserHeaders(req)
	f.jar.attach(req)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	f.jar.update(rec)
	return rec
}

func TestCreateSessionRejectsWrongInternalKey(t *testing.T) {
	f := setupAuthFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/session", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Internal-Key", "not-the-key")

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateSessionIssuesTokensAndCookies(t *testing.T) {
	f := setupAuthFixture(t)

	body := f.createSession(t)
	require.NotEmpty(t, body.Data.AccessToken)
	require.NotEmpty(t, body.Data.CSRFToken)
	require.NotEmpty(t, body.Data.SessionID)
	require.NotEmpty(t, body.Data.DeviceID)
	// A brand-new device starts unverified.
	require.True(t, body.Data.DeviceVerificationPending)

	require.NotEmpty(t, f.jar.value(handlers.SessionCookieName))
	require.NotEmpty(t, f.jar.value(handlers.RefreshCookieName))
	require.Equal(t, body.Data.CSRFToken, f.jar.value(security.CSRFCookieName))
}

func TestCreateSessionReusesDeviceOnReturnVisit(t *testing.T) {
	f := setupAuthFixture(t)

	first := f.createSession(t)
	second := f.createSession(t)

	require.Equal(t, first.Data.DeviceID, second.Data.DeviceID)
	require.NotEqual(t, first.Data.SessionID, second.Data.SessionID)
}

func TestCheckRefreshStatusTracksWindow(t *testing.T) {
	f := setupAuthFixture(t)
	f.createSession(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/refresh", nil)
	f.jar.attach(req)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeEnvelope(t, rec)
	require.True(t, body.Data.HasRefreshToken)
	require.False(t, body.Data.CanRefresh)

	// Cross into the final fifth of the access token's lifetime.
	f.clock.Advance(13 * time.Minute)

	req = httptest.NewRequest(http.MethodGet, "/api/auth/refresh", nil)
	f.jar.attach(req)
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeEnvelope(t, rec)
	require.True(t, body.Data.CanRefresh)
}

func TestCheckRefreshStatusWithoutCookies(t *testing.T) {
	f := setupAuthFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/auth/refresh", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRefreshSkipsOutsideWindow(t *testing.T) {
	f := setupAuthFixture(t)
	created := f.createSession(t)
	oldRefresh := f.jar.value(handlers.RefreshCookieName)

	rec := f.refresh(t, "", created.Data.CSRFToken)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeEnvelope(t, rec)
	require.NotEmpty(t, body.Data.AccessToken)
	// No rotation happened, so the cookies and CSRF token stand.
	require.Empty(t, body.Data.CSRFToken)
	require.Equal(t, oldRefresh, f.jar.value(handlers.RefreshCookieName))
}

func TestRefreshRotatesInsideWindow(t *testing.T) {
	f := setupAuthFixture(t)
	created := f.createSession(t)
	oldRefresh := f.jar.value(handlers.RefreshCookieName)

	f.clock.Advance(13 * time.Minute)

	rec := f.refresh(t, "", created.Data.CSRFToken)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeEnvelope(t, rec)
	require.NotEmpty(t, body.Data.AccessToken)
	require.NotEmpty(t, body.Data.CSRFToken)
	require.NotEqual(t, created.Data.CSRFToken, body.Data.CSRFToken)
	require.NotEqual(t, oldRefresh, f.jar.value(handlers.RefreshCookieName))
}

func TestRefreshForceBypassesWindow(t *testing.T) {
	f := setupAuthFixture(t)
	created := f.createSession(t)
	oldRefresh := f.jar.value(handlers.RefreshCookieName)

	rec := f.refresh(t, `{"force":true}`, created.Data.CSRFToken)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeEnvelope(t, rec)
	require.NotEmpty(t, body.Data.CSRFToken)
	require.NotEqual(t, oldRefresh, f.jar.value(handlers.RefreshCookieName))
}

func TestRefreshRequiresCSRFToken(t *testing.T) {
	f := setupAuthFixture(t)
	f.createSession(t)

	rec := f.refresh(t, "", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	body := decodeEnvelope(t, rec)
	require.Equal(t, "CSRF_INVALID", body.Error.Code)
	require.Equal(t, "Security validation failed", body.Error.Message)
}

func TestRefreshRejectsForeignOrigin(t *testing.T) {
	f := setupAuthFixture(t)
	created := f.createSession(t)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", bytes.NewReader(nil))
	req.Header.Set("Origin", "https://evil.example.net")
	req.Header.Set("X-CSRF-Token", created.Data.CSRFToken)
	browserHeaders(req)
	f.jar.attach(req)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeEnvelope(t, rec)
	require.Equal(t, "INVALID_ORIGIN", body.Error.Code)
}

func TestRefreshReuseRevokesFamilyAndClearsCookies(t *testing.T) {
	f := setupAuthFixture(t)
	created := f.createSession(t)
	staleRefresh := f.jar.value(handlers.RefreshCookieName)
	sessionID := f.jar.value(handlers.SessionCookieName)

	rec := f.refresh(t, `{"force":true}`, created.Data.CSRFToken)
	require.Equal(t, http.StatusOK, rec.Code)
	rotated := decodeEnvelope(t, rec)
	currentRefresh := f.jar.value(handlers.RefreshCookieName)
	require.NotEqual(t, staleRefresh, currentRefresh)

	// Replay the superseded refresh token.
	req := httptest.NewRequest(http.MethodPost, "/api/auth/refresh", bytes.NewReader(nil))
	req.Header.Set("Origin", testTrustedOrigin)
	req.Header.Set("X-CSRF-Token", rotated.Data.CSRFToken)
	browserHeaders(req)
	req.AddCookie(&http.Cookie{Name: handlers.SessionCookieName, Value: sessionID})
	req.AddCookie(&http.Cookie{Name: handlers.RefreshCookieName, Value: staleRefresh})
	req.AddCookie(&http.Cookie{Name: security.CSRFCookieName, Value: rotated.Data.CSRFToken})

	replay := httptest.NewRecorder()
	f.router.ServeHTTP(replay, req)

	require.Equal(t, http.StatusUnauthorized, replay.Code)
	body := decodeEnvelope(t, replay)
	require.Equal(t, "SESSION_EXPIRED", body.Error.Code)

	cleared := map[string]bool{}
	for _, cookie := range replay.Result().Cookies() {
		if cookie.MaxAge < 0 {
			cleared[cookie.Name] = true
		}
	}
	require.True(t, cleared[handlers.SessionCookieName])
	require.True(t, cleared[handlers.RefreshCookieName])

	// The whole family is dead: the current token no longer works either.
	f.jar.update(replay)
	f.jar.cookies[handlers.SessionCookieName] = &http.Cookie{Name: handlers.SessionCookieName, Value: sessionID}
	f.jar.cookies[handlers.RefreshCookieName] = &http.Cookie{Name: handlers.RefreshCookieName, Value: currentRefresh}
	rec = f.refresh(t, `{"force":true}`, rotated.Data.CSRFToken)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func (f *authFixture) logout(t *testing.T, origin, csrfToken string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodDelete, "/api/auth/refresh", nil)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	if csrfToken != "" {
		req.Header.Set("X-CSRF-Token", csrfToken)
	}
	browserHeaders(req)
	f.jar.attach(req)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestLogoutRevokesAndClearsCookies(t *testing.T) {
	f := setupAuthFixture(t)
	created := f.createSession(t)

	rec := f.logout(t, testTrustedOrigin, created.Data.CSRFToken)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeEnvelope(t, rec)
	require.True(t, body.Data.Revoked)
	f.jar.update(rec)

	require.Empty(t, f.jar.value(handlers.SessionCookieName))
	require.Empty(t, f.jar.value(handlers.RefreshCookieName))

	// A refresh after logout is unauthenticated.
	refreshed := f.refresh(t, "", created.Data.CSRFToken)
	require.Equal(t, http.StatusUnauthorized, refreshed.Code)
}

func TestLogoutWithoutCookiesIsIdempotent(t *testing.T) {
	f := setupAuthFixture(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/auth/refresh", nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeEnvelope(t, rec)
	require.False(t, body.Data.Revoked)
}

func TestLogoutRejectsForgedCrossSiteRequest(t *testing.T) {
	f := setupAuthFixture(t)
	created := f.createSession(t)

	// A forged DELETE rides on the cookies but cannot present the header
	// token or a trusted Origin.
	rec := f.logout(t, "https://evil.example.net", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	// The session survived; a forced refresh still works.
	refreshed := f.refresh(t, `{"force":true}`, created.Data.CSRFToken)
	require.Equal(t, http.StatusOK, refreshed.Code)
}

func TestLogoutRequiresCSRFToken(t *testing.T) {
	f := setupAuthFixture(t)
	f.createSession(t)

	rec := f.logout(t, testTrustedOrigin, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeEnvelope(t, rec)
	require.Equal(t, "CSRF_INVALID", body.Error.Code)
}

func TestSessionCookieLifetimeTracksRefreshExpiry(t *testing.T) {
	f := setupAuthFixture(t)

	payload, err := json.Marshal(gin.H{
		"subject": "idp|trader-1",
		"email":   "trader@example.com",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/session", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Internal-Key", testInternalKey)
	browserHeaders(req)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	// The fixture clock is frozen, so Max-Age must equal the refresh TTL
	// exactly. A wall-clock computation would drift, or go negative for
	// expiries in the test clock's past.
	checked := 0
	for _, cookie := range rec.Result().Cookies() {
		switch cookie.Name {
		case handlers.SessionCookieName, handlers.RefreshCookieName:
			require.Equal(t, int((24 * time.Hour).Seconds()), cookie.MaxAge, cookie.Name)
			checked++
		}
	}
	require.Equal(t, 2, checked)
}
