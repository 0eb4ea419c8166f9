package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/authkit/internal/cache"
	"github.com/charlesng35/authkit/internal/models"
	"github.com/charlesng35/authkit/pkg/logger"
)

const (
	DefaultEmailLogRetentionDays = 90

	defaultEmailLogSpec = "@daily"
	defaultCacheSpec    = "@every 15m"
)

// Cleaner runs email log retention and sweeps expired cache entries for stores that do not
// expire keys on their own. Token rows are never removed.
type Cleaner struct {
	db        *gorm.DB
	purger    cache.Purger
	cron      *cron.Cron
	now       func() time.Time
	log       *zap.Logger
	enabled   bool
	retention int

	emailLogSchedule string
	cacheSchedule    string
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

// WithNow overrides the clock used for cleanup comparisons.
func WithNow(now func() time.Time) Option {
	return func(cleaner *Cleaner) {
		if now != nil {
			cleaner.now = now
		}
	}
}

// WithEmailLogRetentionDays adjusts how long email logs are kept.
func WithEmailLogRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

// WithEmailLogSchedule overrides the cron specification for email log retention.
func WithEmailLogSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.emailLogSchedule = spec
		}
	}
}

// WithCacheSchedule overrides the cron specification for the cache sweep.
func WithCacheSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.cacheSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. A nil db disables the table jobs
// and a nil purger disables the cache sweep.
func NewCleaner(db *gorm.DB, purger cache.Purger, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		db:               db,
		purger:           purger,
		now:              time.Now,
		retention:        DefaultEmailLogRetentionDays,
		emailLogSchedule: defaultEmailLogSpec,
		cacheSchedule:    defaultCacheSpec,
		log:              logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	cleaner.enabled = cleaner.db != nil || cleaner.purger != nil

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it if at least one cleanup is enabled.
func (c *Cleaner) Start() error {
	if !c.enabled {
		return nil
	}

	if c.db != nil {
		if _, err := c.cron.AddFunc(c.emailLogSchedule, func() {
			removed, err := CleanupEmailLogs(context.Background(), c.db, c.now(), c.retention)
			if err != nil {
				c.log.Warn("email log cleanup failed", zap.Error(err))
				return
			}
			c.log.Info("email logs pruned", zap.Int64("removed", removed), zap.Int("retention_days", c.retention))
		}); err != nil {
			return fmt.Errorf("maintenance: schedule email log cleanup: %w", err)
		}
	}

	if c.purger != nil {
		if _, err := c.cron.AddFunc(c.cacheSchedule, func() {
			if _, err := c.purger.PurgeExpired(context.Background()); err != nil {
				c.log.Warn("cache purge failed", zap.Error(err))
			}
		}); err != nil {
			return fmt.Errorf("maintenance: schedule cache purge: %w", err)
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the underlying scheduler, waiting for any running jobs to complete.
func (c *Cleaner) Stop() context.Context {
	if c.cron == nil {
		return context.Background()
	}
	return c.cron.Stop()
}

// RunOnce executes all configured cleanup routines sequentially. Used in tests and during
// graceful shutdown. Every routine runs even when an earlier one fails.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.db != nil {
		if _, err := CleanupEmailLogs(ctx, c.db, c.now(), c.retention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.purger != nil {
		if _, err := c.purger.PurgeExpired(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cleanup cache: %w", err))
		}
	}

	return errs
}

// CleanupEmailLogs deletes email logs created more than retentionDays before now.
func CleanupEmailLogs(ctx context.Context, db *gorm.DB, now time.Time, retentionDays int) (int64, error) {
	if db == nil {
		return 0, errors.New("cleanup email logs: db is required")
	}
	if retentionDays <= 0 {
		retentionDays = DefaultEmailLogRetentionDays
	}

	cutoff := now.AddDate(0, 0, -retentionDays)
	result := db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.EmailLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup email logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
