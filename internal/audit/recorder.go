package audit

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/signaldesk/sessiond/internal/models"
	"github.com/signaldesk/sessiond/pkg/metrics"
)

// Event captures a single security decision to persist.
type Event struct {
	Kind      models.EventKind
	Severity  models.EventSeverity
	UserID    string
	SessionID string
	DeviceID  string
	IPAddress string
	UserAgent string
	Context   map[string]any
}

// Recorder is the append-only audit sink consumed by every other component.
// Record must never fail the request path that produced the event.
type Recorder interface {
	Record(ctx context.Context, event Event)
}

// Logger persists security events to the database, falling back to the
// supplied zap logger when the write fails. It is constructed explicitly and
// injected into each component; there is no process-wide instance.
type Logger struct {
	db       *gorm.DB
	fallback *zap.Logger
	now      func() time.Time
}

// Option customises the Logger.
type Option func(*Logger)

// WithClock injects a custom time source, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Logger) {
		if clock != nil {
			l.now = clock
		}
	}
}

// NewLogger constructs an audit logger backed by the provided database handle.
func NewLogger(db *gorm.DB, fallback *zap.Logger, opts ...Option) *Logger {
	if fallback == nil {
		fallback = zap.NewNop()
	}

	logger := &Logger{
		db:       db,
		fallback: fallback,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(logger)
	}

	return logger
}

// Record appends a security event. Persistence failures are written to the
// fallback stream and swallowed; the caller's request is never blocked.
func (l *Logger) Record(ctx context.Context, event Event) {
	if ctx == nil {
		ctx = context.Background()
	}

	if event.Kind == "" {
		l.fallback.Warn("audit event dropped: missing kind")
		return
	}
	if event.Severity == "" {
		event.Severity = models.SeverityInfo
	}

	metrics.SecurityEvents.WithLabelValues(string(event.Kind)).Inc()

	var payload datatypes.JSON
	if len(event.Context) > 0 {
		encoded, err := json.Marshal(event.Context)
		if err != nil {
			l.fallback.Warn("audit context not serialisable",
				zap.String("kind", string(event.Kind)),
				zap.Error(err),
			)
		} else {
			payload = datatypes.JSON(encoded)
		}
	}

	record := models.SecurityEvent{
		Kind:      event.Kind,
		Severity:  event.Severity,
		IPAddress: AnonymizeIP(event.IPAddress),
		UserAgent: strings.TrimSpace(event.UserAgent),
		Context:   payload,
		CreatedAt: l.now(),
	}

	if id := strings.TrimSpace(event.UserID); id != "" {
		record.UserID = &id
	}
	if id := strings.TrimSpace(event.SessionID); id != "" {
		record.SessionID = &id
	}
	if id := strings.TrimSpace(event.DeviceID); id != "" {
		record.DeviceID = &id
	}

	if l.db == nil {
		l.logFallback(record)
		return
	}

	if err := l.db.WithContext(ctx).Create(&record).Error; err != nil {
		l.fallback.Error("audit write failed",
			zap.String("kind", string(record.Kind)),
			zap.String("severity", string(record.Severity)),
			zap.Error(err),
		)
		l.logFallback(record)
	}
}

func (l *Logger) logFallback(record models.SecurityEvent) {
	l.fallback.Warn("security event",
		zap.String("kind", string(record.Kind)),
		zap.String("severity", string(record.Severity)),
		zap.Stringp("user_id", record.UserID),
		zap.Stringp("session_id", record.SessionID),
		zap.String("ip", record.IPAddress),
	)
}

// AnonymizeIP strips the host-identifying low bits from an address before it
// is persisted: IPv4 keeps the /24, IPv6 keeps the /48.
func AnonymizeIP(address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}

	ip := net.ParseIP(address)
	if ip == nil {
		return ""
	}

	if v4 := ip.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return ip.Mask(net.CIDRMask(48, 128)).String()
}
