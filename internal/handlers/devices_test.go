package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/signaldesk/sessiond/internal/auth"
	"github.com/signaldesk/sessiond/internal/database/testutil"
	"github.com/signaldesk/sessiond/internal/devices"
	"github.com/signaldesk/sessiond/internal/handlers"
	"github.com/signaldesk/sessiond/internal/middleware"
	"github.com/signaldesk/sessiond/internal/models"
	"github.com/signaldesk/sessiond/internal/security"
	"github.com/signaldesk/sessiond/internal/sessions"
	"github.com/signaldesk/sessiond/pkg/mail"
)

type captureMailer struct {
	mu       sync.Mutex
	messages []mail.Message
}

func (m *captureMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *captureMailer) lastCode(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.messages)
	code := regexp.MustCompile(`\b(\d{6})\b`).FindString(m.messages[len(m.messages)-1].Body)
	require.NotEmpty(t, code)
	return code
}

type deviceEnvelope struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func decodeDeviceEnvelope(t *testing.T, rec *httptest.ResponseRecorder) deviceEnvelope {
	t.Helper()
	var body deviceEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

type deviceFixture struct {
	db      *gorm.DB
	clock   *testClock
	router  *gin.Engine
	engine  *auth.RotationEngine
	manager *devices.Manager
	mailer  *captureMailer

	user        *models.User
	device      *models.Device
	session     *models.Session
	accessToken string
	csrfToken   string
}

func deviceRequestInput() devices.FingerprintInput {
	return devices.FingerprintInput{
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) Safari/605.1.15",
		AcceptLanguage: "en-US,en;q=0.9",
		ClientHints:    `"Chromium";v="124"`,
		IPAddress:      "203.0.113.24",
	}
}

func setupDeviceFixture(t *testing.T) *deviceFixture {
	t.Helper()

	gin.SetMode(gin.TestMode)

	db := testutil.MustOpenTestDB(t)
	clock := newTestClock()
	mailer := &captureMailer{}

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

	manager, err := devices.NewManager(db, nopRecorder{}, engine, mailer, nil, devices.ManagerConfig{
		Clock: clock.Now,
	})
	require.NoError(t, err)

	coordinator, err := sessions.NewCoordinator(db, jwtService, guard, manager, nopRecorder{}, clock.Now)
	require.NoError(t, err)

	handler, err := handlers.NewDeviceHandler(db, manager, engine, nil)
	require.NoError(t, err)

	router := gin.New()
	bootstrap := router.Group("/api",
		middleware.Authenticate(coordinator, middleware.AllowUnverifiedDevice()))
	{
		deviceGroup := bootstrap.Group("/sessions/devices")
		deviceGroup.GET("", handler.List)
		deviceGroup.POST("", handler.Register)
		deviceGroup.PUT("", handler.Update)
		deviceGroup.DELETE("", handler.Remove)
	}
	strict := router.Group("/api", middleware.Authenticate(coordinator))
	strict.POST("/orders", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	user := &models.User{Subject: "idp|trader-1", Email: "trader@example.com", IsActive: true}
	require.NoError(t, db.Create(user).Error)

	device, err := manager.RegisterOrTouch(context.Background(), user.ID, deviceRequestInput())
	require.NoError(t, err)

	pair, session, err := engine.CreateSession(context.Background(), user.ID, device.ID, auth.SessionMetadata{
		IPAddress: deviceRequestInput().IPAddress,
		UserAgent: deviceRequestInput().UserAgent,
	})
	require.NoError(t, err)

	csrfToken, _, err := guard.IssueToken(context.Background(), session.ID)
	require.NoError(t, err)

	return &deviceFixture{
		db:          db,
		clock:       clock,
		router:      router,
		engine:      engine,
		manager:     manager,
		mailer:      mailer,
		user:        user,
		device:      device,
		session:     session,
		accessToken: pair.AccessToken,
		csrfToken:   csrfToken,
	}
}

func (f *deviceFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
		req.Header.Set("Content-Type", "application/json")
	}

	input := deviceRequestInput()
	req.Header.Set("Authorization", "Bearer "+f.accessToken)
	req.Header.Set("User-Agent", input.UserAgent)
	req.Header.Set("Accept-Language", input.AcceptLanguage)
	req.Header.Set("Sec-CH-UA", input.ClientHints)
	req.Header.Set("X-Forwarded-For", input.IPAddress)
	if method != http.MethodGet {
		req.Header.Set("Origin", testTrustedOrigin)
		req.Header.Set("X-CSRF-Token", f.csrfToken)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *deviceFixture) verifyDevice(t *testing.T) {
	t.Helper()

	rec := f.do(t, http.MethodPut, "/api/sessions/devices",
		`{"device_id":"`+f.device.ID+`","action":"request_verification"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/sessions/devices",
		`{"device_id":"`+f.device.ID+`","action":"verify","verification_code":"`+f.mailer.lastCode(t)+`"}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterReportsVerificationState(t *testing.T) {
	f := setupDeviceFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sessions/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeDeviceEnvelope(t, rec)
	require.Equal(t, true, body.Data["requires_verification"])
	require.NotContains(t, body.Data, "verification")

	rec = f.do(t, http.MethodPut, "/api/sessions/devices",
		`{"device_id":"`+f.device.ID+`","action":"request_verification"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body = decodeDeviceEnvelope(t, rec)
	descriptor, ok := body.Data["verification"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "email", descriptor["method"])
	// The code travels by mail only, never in this channel.
	require.NotContains(t, descriptor, "code")

	rec = f.do(t, http.MethodPost, "/api/sessions/devices", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeDeviceEnvelope(t, rec)
	require.Contains(t, body.Data, "verification")
}

func TestVerifyActionTrustsDevice(t *testing.T) {
	f := setupDeviceFixture(t)

	f.verifyDevice(t)

	reloaded, err := f.manager.GetDevice(context.Background(), f.user.ID, f.device.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeviceTrusted, reloaded.TrustState)

	rec := f.do(t, http.MethodPost, "/api/sessions/devices", "")
	body := decodeDeviceEnvelope(t, rec)
	require.Equal(t, false, body.Data["requires_verification"])
}

func TestVerifyActionWithoutCodeIsRejected(t *testing.T) {
	f := setupDeviceFixture(t)

	rec := f.do(t, http.MethodPut, "/api/sessions/devices",
		`{"device_id":"`+f.device.ID+`","action":"verify"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnverifiedDeviceBlockedOnStrictSurface(t *testing.T) {
	f := setupDeviceFixture(t)

	rec := f.do(t, http.MethodPost, "/api/orders", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decodeDeviceEnvelope(t, rec)
	require.Equal(t, "DEVICE_VERIFICATION_REQUIRED", body.Error.Code)

	f.verifyDevice(t)

	rec = f.do(t, http.MethodPost, "/api/orders", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestListIncludesSessionsOnRequest(t *testing.T) {
	f := setupDeviceFixture(t)

	rec := f.do(t, http.MethodGet, "/api/sessions/devices?include_sessions=true", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeDeviceEnvelope(t, rec)
	list, ok := body.Data["devices"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)
	entry, ok := list[0].(map[string]any)
	require.True(t, ok)
	sessionsList, ok := entry["sessions"].([]any)
	require.True(t, ok)
	require.Len(t, sessionsList, 1)
}

func TestCrossUserActionRequiresAdmin(t *testing.T) {
	f := setupDeviceFixture(t)

	other := &models.User{Subject: "idp|trader-2", Email: "other@example.com", IsActive: true}
	require.NoError(t, f.db.Create(other).Error)
	foreign := &models.Device{
		UserID:          other.ID,
		FingerprintHash: "fp-foreign",
		TrustState:      models.DeviceUnverified,
		FirstSeenAt:     f.clock.Now(),
		LastSeenAt:      f.clock.Now(),
	}
	require.NoError(t, f.db.Create(foreign).Error)

	rec := f.do(t, http.MethodPut, "/api/sessions/devices",
		`{"device_id":"`+foreign.ID+`","action":"trust"}`)
	require.Equal(t, http.StatusForbidden, rec.Code)

	require.NoError(t, f.db.Model(&models.User{}).
		Where("id = ?", f.user.ID).Update("is_admin", true).Error)

	rec = f.do(t, http.MethodPut, "/api/sessions/devices",
		`{"device_id":"`+foreign.ID+`","action":"trust"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	reloaded, err := f.manager.GetDevice(context.Background(), other.ID, foreign.ID)
	require.NoError(t, err)
	require.Equal(t, models.DeviceTrusted, reloaded.TrustState)
}

func TestRemoveRevokesDevice(t *testing.T) {
	f := setupDeviceFixture(t)
	f.verifyDevice(t)

	rec := f.do(t, http.MethodDelete,
		"/api/sessions/devices?device_id="+f.device.ID+"&invalidate_sessions=true", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeDeviceEnvelope(t, rec)
	require.Equal(t, float64(1), body.Data["sessions_revoked"])

	// The caller's own session was among the invalidated ones.
	rec = f.do(t, http.MethodPost, "/api/sessions/devices", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRemoveWithoutInvalidationKeepsCount(t *testing.T) {
	f := setupDeviceFixture(t)
	f.verifyDevice(t)

	rec := f.do(t, http.MethodDelete,
		"/api/sessions/devices?device_id="+f.device.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeDeviceEnvelope(t, rec)
	require.Equal(t, float64(0), body.Data["sessions_revoked"])

	// Sessions stay alive but the fingerprint is dead; the next touch is rejected.
	rec = f.do(t, http.MethodPost, "/api/sessions/devices", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestDeactivateActionReturnsSessionCount(t *testing.T) {
	f := setupDeviceFixture(t)
	f.verifyDevice(t)

	rec := f.do(t, http.MethodPut, "/api/sessions/devices",
		`{"device_id":"`+f.device.ID+`","action":"deactivate"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeDeviceEnvelope(t, rec)
	require.Equal(t, float64(1), body.Data["sessions_revoked"])
}
