package maintenance

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	iauth "github.com/charlesng35/netgate/internal/auth"
	"github.com/charlesng35/netgate/internal/cache"
	"github.com/charlesng35/netgate/internal/services"
	"github.com/charlesng35/netgate/pkg/logger"
)

const (
	defaultAuditRetentionDays = 90
	defaultSessionSpec        = "@hourly"
	defaultAuditSpec          = "@daily"
	defaultSweepSpec          = "@every 15m"
)

// DeviceSweeper disconnects devices that have been idle longer than the
// supplied duration. Implemented by the access coordinator.
type DeviceSweeper interface {
	SweepIdle(ctx context.Context, idleFor time.Duration) (int, error)
}

// Cleaner coordinates background maintenance: purging expired sessions,
// pruning stale audit logs, dropping lapsed cache entries, and sweeping
// idle devices off the network.
type Cleaner struct {
	sessions  *iauth.SessionService
	audit     *services.AuditService
	cacheDB   *cache.DatabaseStore
	sweeper   DeviceSweeper
	idleFor   time.Duration
	cron      *cron.Cron
	log       *zap.Logger
	retention int

	sessionSchedule string
	auditSchedule   string
	sweepSchedule   string
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

// WithAuditRetentionDays adjusts how long audit logs are retained before cleanup.
func WithAuditRetentionDays(days int) Option {
	return func(cleaner *Cleaner) {
		if days > 0 {
			cleaner.retention = days
		}
	}
}

// WithCachePurge enables purging of expired database cache entries.
func WithCachePurge(store *cache.DatabaseStore) Option {
	return func(cleaner *Cleaner) {
		cleaner.cacheDB = store
	}
}

// WithIdleSweep enables the idle device sweep with the given inactivity
// threshold. A zero duration disables it.
func WithIdleSweep(sweeper DeviceSweeper, idleFor time.Duration) Option {
	return func(cleaner *Cleaner) {
		if sweeper != nil && idleFor > 0 {
			cleaner.sweeper = sweeper
			cleaner.idleFor = idleFor
		}
	}
}

// WithSessionSchedule overrides the cron specification for session cleanup.
func WithSessionSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sessionSchedule = spec
		}
	}
}

// WithAuditSchedule overrides the cron specification for audit retention enforcement.
func WithAuditSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.auditSchedule = spec
		}
	}
}

// WithSweepSchedule overrides the cron specification for the idle device sweep.
func WithSweepSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sweepSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency
// results in the corresponding job being skipped.
func NewCleaner(sessions *iauth.SessionService, audit *services.AuditService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		sessions:        sessions,
		audit:           audit,
		retention:       defaultAuditRetentionDays,
		sessionSchedule: defaultSessionSpec,
		auditSchedule:   defaultAuditSpec,
		sweepSchedule:   defaultSweepSpec,
		log:             logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New(cron.WithLogger(cron.DiscardLogger))
	}

	return cleaner
}

// Start registers cleanup jobs with the cron scheduler and launches it.
func (c *Cleaner) Start() error {
	if c.sessions != nil {
		if _, err := c.cron.AddFunc(c.sessionSchedule, func() {
			if _, err := c.sessions.CleanupExpired(context.Background()); err != nil {
				c.log.Warn("session cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.audit != nil && c.retention > 0 {
		if _, err := c.cron.AddFunc(c.auditSchedule, func() {
			if _, err := c.audit.CleanupOlderThan(context.Background(), c.retention); err != nil {
				c.log.Warn("audit cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.cacheDB != nil {
		if _, err := c.cron.AddFunc(c.auditSchedule, func() {
			if _, err := c.cacheDB.PurgeExpired(context.Background()); err != nil {
				c.log.Warn("cache purge failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.sweeper != nil {
		if _, err := c.cron.AddFunc(c.sweepSchedule, func() {
			if _, err := c.sweeper.SweepIdle(context.Background(), c.idleFor); err != nil {
				c.log.Warn("idle device sweep failed", zap.Error(err))
			}
		}); err != nil {
			return err
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

// RunOnce executes all configured cleanup routines sequentially. Used in
// tests and during graceful shutdown.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var errs error

	if c.sessions != nil {
		if _, err := c.sessions.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.audit != nil && c.retention > 0 {
		if _, err := c.audit.CleanupOlderThan(ctx, c.retention); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.cacheDB != nil {
		if _, err := c.cacheDB.PurgeExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if c.sweeper != nil {
		if _, err := c.sweeper.SweepIdle(ctx, c.idleFor); err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	return errs
}
