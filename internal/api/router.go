package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signaldesk/sessiond/internal/cache"
	"github.com/signaldesk/sessiond/internal/handlers"
	"github.com/signaldesk/sessiond/internal/middleware"
	"github.com/signaldesk/sessiond/internal/sessions"
)

// RateLimits configures the per-surface request budgets.
type RateLimits struct {
	AuthRequests int
	AuthWindow   time.Duration
	APIRequests  int
	APIWindow    time.Duration
}

// Dependencies collects everything the router wires together.
type Dependencies struct {
	Coordinator *sessions.Coordinator
	Auth        *handlers.AuthHandler
	Devices     *handlers.DeviceHandler
	Events      *handlers.EventHandler
	Health      *handlers.HealthHandler
	Store       cache.Store
	Limits      RateLimits
}

// NewRouter assembles the HTTP surface. The auth endpoints sit outside the
// coordinator because the access token may already be expired when they are
// called; everything else goes through the full evaluation.
func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(
		middleware.Recovery(),
		middleware.RequestLogger(),
		middleware.Metrics(),
		middleware.SecurityHeaders(),
	)

	router.GET("/healthz", deps.Health.Live)
	router.GET("/readyz", deps.Health.Ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authLimit := middleware.RateLimit(deps.Store, middleware.RateLimitConfig{
		Requests: deps.Limits.AuthRequests,
		Window:   deps.Limits.AuthWindow,
	})
	apiLimit := middleware.RateLimit(deps.Store, middleware.RateLimitConfig{
		Requests: deps.Limits.APIRequests,
		Window:   deps.Limits.APIWindow,
	})

	authGroup := router.Group("/api/auth", authLimit)
	{
		authGroup.POST("/session", deps.Auth.CreateSession)
		authGroup.GET("/refresh", deps.Auth.CheckRefreshStatus)
		authGroup.POST("/refresh", deps.Auth.Refresh)
		authGroup.DELETE("/refresh", deps.Auth.Logout)
	}

	// Device management and TOTP enrollment must stay reachable while the
	// calling device is still unverified; they are how a device earns trust.
	trustBootstrap := router.Group("/api", apiLimit,
		middleware.Authenticate(deps.Coordinator, middleware.AllowUnverifiedDevice()))
	{
		deviceGroup := trustBootstrap.Group("/sessions/devices")
		{
			deviceGroup.GET("", deps.Devices.List)
			deviceGroup.POST("", deps.Devices.Register)
			deviceGroup.PUT("", deps.Devices.Update)
			deviceGroup.DELETE("", deps.Devices.Remove)
		}

		trustBootstrap.POST("/security/totp", deps.Devices.EnrollTOTP)
		trustBootstrap.POST("/security/totp/confirm", deps.Devices.ConfirmTOTP)
	}

	protected := router.Group("/api", apiLimit, middleware.Authenticate(deps.Coordinator))
	{
		protected.GET("/security/events", middleware.RequireAdmin(), deps.Events.List)
	}

	return router
}
