package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/signaldesk/sessiond/internal/cache"
	"github.com/signaldesk/sessiond/internal/middleware"
)

type brokenStore struct{}

func (brokenStore) IncrementWithTTL(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("store down")
}

func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("store down")
}

func (brokenStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("store down")
}

func (brokenStore) Delete(context.Context, ...string) error {
	return errors.New("store down")
}

func rateLimitedRouter(store cache.Store, cfg middleware.RateLimitConfig) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.RateLimit(store, cfg))
	router.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func doPing(router *gin.Engine, ip string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Forwarded-For", ip)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitAllowsWithinBudget(t *testing.T) {
	router := rateLimitedRouter(cache.NewMemoryStore(), middleware.RateLimitConfig{
		Requests: 3,
		Window:   time.Minute,
	})

	for i := 0; i < 3; i++ {
		rec := doPing(router, "203.0.113.5")
		require.Equal(t, http.StatusOK, rec.Code)
		require.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	}
}

func TestRateLimitRejectsOverBudget(t *testing.T) {
	router := rateLimitedRouter(cache.NewMemoryStore(), middleware.RateLimitConfig{
		Requests: 2,
		Window:   time.Minute,
	})

	doPing(router, "203.0.113.5")
	doPing(router, "203.0.113.5")

	rec := doPing(router, "203.0.113.5")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Retry-After"))
	require.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimitTracksClientsSeparately(t *testing.T) {
	router := rateLimitedRouter(cache.NewMemoryStore(), middleware.RateLimitConfig{
		Requests: 1,
		Window:   time.Minute,
	})

	require.Equal(t, http.StatusOK, doPing(router, "203.0.113.5").Code)
	require.Equal(t, http.StatusTooManyRequests, doPing(router, "203.0.113.5").Code)

	// A different client has its own budget.
	require.Equal(t, http.StatusOK, doPing(router, "203.0.113.6").Code)
}

func TestRateLimitWindowResets(t *testing.T) {
	clock := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	store := cache.NewMemoryStore().WithClock(func() time.Time { return clock })

	router := rateLimitedRouter(store, middleware.RateLimitConfig{
		Requests: 1,
		Window:   time.Minute,
	})

	require.Equal(t, http.StatusOK, doPing(router, "203.0.113.5").Code)
	require.Equal(t, http.StatusTooManyRequests, doPing(router, "203.0.113.5").Code)

	clock = clock.Add(2 * time.Minute)
	require.Equal(t, http.StatusOK, doPing(router, "203.0.113.5").Code)
}

func TestRateLimitFailsOpenWhenStoreErrors(t *testing.T) {
	router := rateLimitedRouter(brokenStore{}, middleware.RateLimitConfig{
		Requests: 1,
		Window:   time.Minute,
	})

	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusOK, doPing(router, "203.0.113.5").Code)
	}
}

func TestRateLimitCustomKeyFunc(t *testing.T) {
	router := rateLimitedRouter(cache.NewMemoryStore(), middleware.RateLimitConfig{
		Requests: 1,
		Window:   time.Minute,
		KeyFunc: func(c *gin.Context) string {
			return "global"
		},
	})

	require.Equal(t, http.StatusOK, doPing(router, "203.0.113.5").Code)
	// Shared key means a second client is throttled too.
	require.Equal(t, http.StatusTooManyRequests, doPing(router, "203.0.113.6").Code)
}
