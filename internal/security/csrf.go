package security

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/signaldesk/sessiond/internal/audit"
	"github.com/signaldesk/sessiond/internal/models"
	"github.com/signaldesk/sessiond/pkg/crypto"
	appErrors "github.com/signaldesk/sessiond/pkg/errors"
	"github.com/signaldesk/sessiond/pkg/metrics"
)

const (
	// DefaultCSRFTokenTTL is the fallback lifetime for a session's CSRF token.
	DefaultCSRFTokenTTL = 12 * time.Hour
	// DefaultCSRFTokenLength is the number of random bytes in a CSRF token.
	DefaultCSRFTokenLength = 32
	// CSRFHeaderName is the request header carrying the double-submit token.
	CSRFHeaderName = "X-CSRF-Token"
	// CSRFCookieName is the cookie mirroring the token for browser clients.
	CSRFCookieName = "csrf_token"
)

// scriptedAgentMarkers flags user agents from non-browser tooling. A match
// is logged as a signal, never used to block on its own.
var scriptedAgentMarkers = []string{
	"curl/", "wget/", "python-requests", "go-http-client", "libwww-perl",
	"okhttp", "java/", "httpie",
}

// safeMethods never mutate state and bypass CSRF validation entirely.
var safeMethods = map[string]struct{}{
	"GET": {}, "HEAD": {}, "OPTIONS": {}, "TRACE": {},
}

// CSRFConfig describes the guard's tunable behaviour. TrustedOrigins entries
// are full origins (scheme://host[:port]); comparisons are exact.
type CSRFConfig struct {
	TokenTTL       time.Duration
	TokenLength    int
	TrustedOrigins []string
	ExemptPaths    []string
	Clock          func() time.Time
}

// CSRFRequest carries the request attributes the guard inspects. The caller
// extracts them from the transport so the guard stays framework-agnostic.
type CSRFRequest struct {
	Method      string
	Path        string
	Origin      string
	Referer     string
	HeaderToken string
	SessionID   string
	UserID      string
	IPAddress   string
	UserAgent   string
}

// CSRFGuard layers origin checking over a session-bound double-submit token.
// Both checks must pass for unsafe methods; the server-stored token is the
// source of truth, never the cookie alone.
type CSRFGuard struct {
	db     *gorm.DB
	events audit.Recorder

	ttl      time.Duration
	tokenLen int
	origins  map[string]struct{}
	hosts    map[string]struct{}
	exempt   map[string]struct{}
	now      func() time.Time
}

// NewCSRFGuard constructs the guard. At least one trusted origin is required
// so that a misconfigured deployment fails closed at startup.
func NewCSRFGuard(db *gorm.DB, events audit.Recorder, cfg CSRFConfig) (*CSRFGuard, error) {
	if db == nil {
		return nil, errors.New("csrf guard: db is required")
	}
	if events == nil {
		return nil, errors.New("csrf guard: audit recorder is required")
	}
	if len(cfg.TrustedOrigins) == 0 {
		return nil, errors.New("csrf guard: at least one trusted origin is required")
	}

	origins := make(map[string]struct{}, len(cfg.TrustedOrigins))
	hosts := make(map[string]struct{}, len(cfg.TrustedOrigins))
	for _, raw := range cfg.TrustedOrigins {
		parsed, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("csrf guard: invalid trusted origin %q", raw)
		}
		origins[parsed.Scheme+"://"+parsed.Host] = struct{}{}
		hosts[parsed.Host] = struct{}{}
	}

	exempt := make(map[string]struct{}, len(cfg.ExemptPaths))
	for _, path := range cfg.ExemptPaths {
		exempt[strings.TrimSpace(path)] = struct{}{}
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultCSRFTokenTTL
	}

	length := cfg.TokenLength
	if length <= 0 {
		length = DefaultCSRFTokenLength
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &CSRFGuard{
		db:       db,
		events:   events,
		ttl:      ttl,
		tokenLen: length,
		origins:  origins,
		hosts:    hosts,
		exempt:   exempt,
		now:      clock,
	}, nil
}

// IssueToken mints a fresh CSRF token bound to the session, replacing any
// previous one. Issued on session creation and after every rotation.
func (g *CSRFGuard) IssueToken(ctx context.Context, sessionID string) (string, time.Time, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", time.Time{}, errors.New("csrf guard: session id is required")
	}

	token, err := crypto.GenerateToken(g.tokenLen)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("csrf guard: generate token: %w", err)
	}

	now := g.now()
	expiresAt := now.Add(g.ttl)

	err = g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "session_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"token_value", "issued_at", "expires_at", "updated_at",
		}),
	}).Create(&models.CSRFToken{
		SessionID:  sessionID,
		TokenValue: token,
		IssuedAt:   now,
		ExpiresAt:  expiresAt,
	}).Error
	if err != nil {
		return "", time.Time{}, fmt.Errorf("csrf guard: store token: %w", err)
	}

	return token, expiresAt, nil
}

// DropToken removes the session's stored CSRF token, used when the session
// itself is torn down.
func (g *CSRFGuard) DropToken(ctx context.Context, sessionID string) error {
	return g.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Delete(&models.CSRFToken{}).Error
}

// Validate applies the full defence in depth for one request: the
// double-submit comparison first, then the origin check. Every rejection is
// audited before the error is returned. The scripted-agent heuristic only
// records a signal; it never rejects.
func (g *CSRFGuard) Validate(ctx context.Context, req CSRFRequest) error {
	if _, ok := safeMethods[strings.ToUpper(req.Method)]; ok {
		return nil
	}
	if _, ok := g.exempt[req.Path]; ok {
		return nil
	}

	g.flagScriptedAgent(ctx, req)

	if err := g.checkToken(ctx, req); err != nil {
		return err
	}

	return g.checkOrigin(ctx, req)
}

// checkOrigin prefers the Origin header, which carries the scheme and is
// compared exactly. Referer is consulted only when Origin is absent, and
// only its host is trusted.
func (g *CSRFGuard) checkOrigin(ctx context.Context, req CSRFRequest) error {
	origin := strings.TrimSpace(req.Origin)
	if origin != "" {
		// An opaque "null" Origin (sandboxed iframe, data: navigation) is
		// present but matches no trusted origin, so it is rejected like any
		// other mismatch.
		if _, ok := g.origins[origin]; !ok {
			g.reject(ctx, req, models.EventCSRFAttackDetected, "origin_mismatch", map[string]any{
				"origin": origin,
			})
			return appErrors.ErrInvalidOrigin
		}
		return nil
	}

	referer := strings.TrimSpace(req.Referer)
	if referer == "" {
		// Neither header present; the double-submit token is the remaining line.
		return nil
	}

	parsed, err := url.Parse(referer)
	if err != nil || parsed.Host == "" {
		g.reject(ctx, req, models.EventCSRFAttackDetected, "referer_unparseable", map[string]any{
			"referer": referer,
		})
		return appErrors.ErrInvalidReferer
	}
	if _, ok := g.hosts[parsed.Host]; !ok {
		g.reject(ctx, req, models.EventCSRFAttackDetected, "referer_mismatch", map[string]any{
			"referer_host": parsed.Host,
		})
		return appErrors.ErrInvalidReferer
	}
	return nil
}

func (g *CSRFGuard) checkToken(ctx context.Context, req CSRFRequest) error {
	presented := strings.TrimSpace(req.HeaderToken)
	if presented == "" {
		g.reject(ctx, req, models.EventCSRFInvalid, "token_missing", nil)
		return appErrors.ErrCSRFInvalid
	}

	if strings.TrimSpace(req.SessionID) == "" {
		g.reject(ctx, req, models.EventCSRFInvalid, "no_session", nil)
		return appErrors.ErrCSRFError
	}

	var stored models.CSRFToken
	err := g.db.WithContext(ctx).
		Take(&stored, "session_id = ?", req.SessionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		g.reject(ctx, req, models.EventCSRFInvalid, "token_not_issued", nil)
		return appErrors.ErrCSRFError
	}
	if err != nil {
		return fmt.Errorf("csrf guard: load token: %w", err)
	}

	if stored.ExpiresAt.Before(g.now()) {
		g.reject(ctx, req, models.EventCSRFInvalid, "token_expired", nil)
		return appErrors.ErrCSRFError
	}

	if !crypto.ConstantTimeEqual(presented, stored.TokenValue) {
		g.reject(ctx, req, models.EventCSRFInvalid, "token_mismatch", nil)
		return appErrors.ErrCSRFInvalid
	}

	return nil
}

func (g *CSRFGuard) flagScriptedAgent(ctx context.Context, req CSRFRequest) {
	agent := strings.ToLower(req.UserAgent)
	if agent == "" {
		return
	}
	for _, marker := range scriptedAgentMarkers {
		if strings.Contains(agent, marker) {
			g.events.Record(ctx, audit.Event{
				Kind:      models.EventSuspiciousActivity,
				Severity:  models.SeverityInfo,
				UserID:    req.UserID,
				SessionID: req.SessionID,
				IPAddress: req.IPAddress,
				UserAgent: req.UserAgent,
				Context:   map[string]any{"signal": "scripted_user_agent", "path": req.Path},
			})
			return
		}
	}
}

func (g *CSRFGuard) reject(ctx context.Context, req CSRFRequest, kind models.EventKind, reason string, extra map[string]any) {
	metrics.CSRFRejections.WithLabelValues(reason).Inc()

	payload := map[string]any{
		"reason": reason,
		"method": req.Method,
		"path":   req.Path,
	}
	for k, v := range extra {
		payload[k] = v
	}

	severity := models.SeverityWarning
	if kind == models.EventCSRFAttackDetected {
		severity = models.SeverityCritical
	}

	g.events.Record(ctx, audit.Event{
		Kind:      kind,
		Severity:  severity,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		IPAddress: req.IPAddress,
		UserAgent: req.UserAgent,
		Context:   payload,
	})
}
