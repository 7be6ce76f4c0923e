package middleware

import (
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signaldesk/sessiond/internal/cache"
	appErrors "github.com/signaldesk/sessiond/pkg/errors"
	"github.com/signaldesk/sessiond/pkg/logger"
	"github.com/signaldesk/sessiond/pkg/response"
)

// RateLimitConfig bounds request volume per key within a rolling window.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	// KeyFunc derives the counter key; defaults to client IP + path.
	KeyFunc func(c *gin.Context) string
}

// RateLimit throttles requests using the shared cache store so the limit
// holds across instances. The store failing open is deliberate: a cache
// outage must not take the API down with it.
func RateLimit(store cache.Store, cfg RateLimitConfig) gin.HandlerFunc {
	if cfg.Requests <= 0 {
		cfg.Requests = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c *gin.Context) string {
			return fmt.Sprintf("ratelimit:%s:%s", c.ClientIP(), c.FullPath())
		}
	}

	log := logger.WithModule("ratelimit")

	return func(c *gin.Context) {
		count, remaining, err := store.IncrementWithTTL(c.Request.Context(), cfg.KeyFunc(c), cfg.Window)
		if err != nil {
			log.Warn("rate limit store unavailable, allowing request")
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(cfg.Requests))
		left := int64(cfg.Requests) - count
		if left < 0 {
			left = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(left, 10))

		if count > int64(cfg.Requests) {
			c.Header("Retry-After", strconv.Itoa(int(remaining.Seconds())+1))
			response.Error(c, appErrors.ErrRateLimit)
			c.Abort()
			return
		}

		c.Next()
	}
}
