package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/signaldesk/sessiond/internal/audit"
	"github.com/signaldesk/sessiond/internal/auth"
	"github.com/signaldesk/sessiond/internal/cache"
	"github.com/signaldesk/sessiond/internal/devices"
	"github.com/signaldesk/sessiond/pkg/logger"
)

const (
	defaultAuditRetentionDays = 90
	defaultSchedule           = "@every 1h"
)

// Cleaner coordinates the background sweeps: expired session families, spent
// verification challenges, stale audit rows, and dead cache entries. Any nil
// dependency simply skips the corresponding job.
type Cleaner struct {
	sessions      *auth.RotationEngine
	verifications *devices.Manager
	audit         *audit.Logger
	cacheStore    *cache.DatabaseStore

	cron      *cron.Cron
	log       *zap.Logger
	schedule  string
	retention int
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithSchedule overrides the cron expression for all sweeps.
func WithSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.schedule = spec
		}
	}
}

// WithAuditRetentionDays adjusts how long audit rows are retained.
func WithAuditRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults.
func NewCleaner(sessions *auth.RotationEngine, verifications *devices.Manager, auditLogger *audit.Logger, cacheStore *cache.DatabaseStore, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		sessions:      sessions,
		verifications: verifications,
		audit:         auditLogger,
		cacheStore:    cacheStore,
		schedule:      defaultSchedule,
		retention:     defaultAuditRetentionDays,
		log:           logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers the sweep with the scheduler and launches it.
func (c *Cleaner) Start() error {
	if _, err := c.cron.AddFunc(c.schedule, func() {
		if err := c.RunOnce(context.Background()); err != nil {
			c.log.Warn("maintenance sweep finished with errors", zap.Error(err))
		}
	}); err != nil {
		return err
	}

	c.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any running sweep to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes every configured sweep sequentially and aggregates their
// failures so one broken job does not hide the others.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()
	var errs error

	if c.sessions != nil {
		if removed, err := c.sessions.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		} else if removed > 0 {
			c.log.Info("removed stale sessions", zap.Int64("count", removed))
		}
	}

	if c.verifications != nil {
		if removed, err := c.verifications.CleanupVerifications(ctx); err != nil {
			errs = multierr.Append(errs, err)
		} else if removed > 0 {
			c.log.Info("removed spent verifications", zap.Int64("count", removed))
		}
	}

	if c.audit != nil && c.retention > 0 {
		if removed, err := c.audit.CleanupOlderThan(ctx, c.retention); err != nil {
			errs = multierr.Append(errs, err)
		} else if removed > 0 {
			c.log.Info("removed expired audit rows", zap.Int64("count", removed))
		}
	}

	if c.cacheStore != nil {
		if removed, err := c.cacheStore.PurgeExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		} else if removed > 0 {
			c.log.Info("purged expired cache entries", zap.Int64("count", removed))
		}
	}

	c.log.Debug("maintenance sweep complete", zap.Duration("took", time.Since(start)))
	return errs
}
