package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TokenRotations records refresh-token rotation attempts by result
	// (rotated|skipped|reuse_detected|conflict|failure).
	TokenRotations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_token_rotations_total",
			Help: "Total number of refresh token rotation attempts",
		},
		[]string{"result"},
	)

	// CSRFRejections counts CSRF validation failures by reason code.
	CSRFRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_csrf_rejections_total",
			Help: "Total number of rejected state-changing requests",
		},
		[]string{"reason"},
	)

	// DeviceVerifications counts device verification outcomes (issued|verified|failed|locked).
	DeviceVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_device_verifications_total",
			Help: "Total number of device verification events",
		},
		[]string{"result"},
	)

	// SecurityEvents counts recorded security events by kind.
	SecurityEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessiond_security_events_total",
			Help: "Total number of recorded security events",
		},
		[]string{"kind"},
	)

	// ActiveSessions tracks active sessions (not expired/revoked).
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessiond_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessiond_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
