// Package retention schedules the periodic cleanup jobs that keep the
// session and execution stores from growing without bound: expired
// conversation sessions and old completed executions are deleted on a
// cron schedule rather than on every write.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts both standard five-field expressions and the
// optional-seconds/descriptor forms ("@daily", "@every 1h").
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// SessionStore is the subset of sessions.Store the scheduler needs.
type SessionStore interface {
	CleanupExpired(ctx context.Context, ttl time.Duration) (int, error)
}

// ExecutionStore is the subset of eventstore.Store the scheduler needs.
type ExecutionStore interface {
	DeleteOldExecutions(ctx context.Context, cutoff time.Time) (int, error)
}

// Config configures the retention scheduler.
type Config struct {
	// SessionSchedule is the cron expression on which expired sessions are
	// swept. Defaults to "@hourly".
	SessionSchedule string

	// SessionTTL is how long an idle session survives before cleanup
	// deletes it. Defaults to 24h.
	SessionTTL time.Duration

	// ExecutionSchedule is the cron expression on which old executions are
	// swept. Defaults to "@daily".
	ExecutionSchedule string

	// ExecutionTTL is how long a completed execution's record survives
	// before cleanup deletes it. Defaults to 30 * 24h.
	ExecutionTTL time.Duration

	// JobTimeout bounds a single cleanup run. Defaults to 1 minute.
	JobTimeout time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.SessionSchedule == "" {
		c.SessionSchedule = "@hourly"
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 24 * time.Hour
	}
	if c.ExecutionSchedule == "" {
		c.ExecutionSchedule = "@daily"
	}
	if c.ExecutionTTL <= 0 {
		c.ExecutionTTL = 30 * 24 * time.Hour
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "retention")
	}
}

// Scheduler runs session and execution cleanup jobs on independent cron
// schedules using a shared robfig/cron runner.
type Scheduler struct {
	cron   *cron.Cron
	config Config

	sessions   SessionStore
	executions ExecutionStore
}

// NewScheduler builds a retention scheduler. Either store may be nil, in
// which case the corresponding job is never registered.
func NewScheduler(sessions SessionStore, executions ExecutionStore, cfg Config) (*Scheduler, error) {
	cfg.setDefaults()

	s := &Scheduler{
		cron:       cron.New(cron.WithParser(cronParser)),
		config:     cfg,
		sessions:   sessions,
		executions: executions,
	}

	if sessions != nil {
		if _, err := s.cron.AddFunc(cfg.SessionSchedule, s.cleanupSessions); err != nil {
			return nil, fmt.Errorf("retention: invalid session schedule %q: %w", cfg.SessionSchedule, err)
		}
	}
	if executions != nil {
		if _, err := s.cron.AddFunc(cfg.ExecutionSchedule, s.cleanupExecutions); err != nil {
			return nil, fmt.Errorf("retention: invalid execution schedule %q: %w", cfg.ExecutionSchedule, err)
		}
	}

	return s, nil
}

// Start begins running the scheduled jobs in the background. It returns
// immediately; call Stop to shut down.
func (s *Scheduler) Start() {
	s.config.Logger.Info("starting retention scheduler",
		"session_schedule", s.config.SessionSchedule,
		"session_ttl", s.config.SessionTTL,
		"execution_schedule", s.config.ExecutionSchedule,
		"execution_ttl", s.config.ExecutionTTL,
	)
	s.cron.Start()
}

// Stop waits for any in-flight job to finish and stops the scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunSessionCleanupNow runs the session cleanup job immediately,
// independent of its schedule. Useful for CLI-triggered cleanup.
func (s *Scheduler) RunSessionCleanupNow() {
	s.cleanupSessions()
}

// RunExecutionCleanupNow runs the execution cleanup job immediately,
// independent of its schedule.
func (s *Scheduler) RunExecutionCleanupNow() {
	s.cleanupExecutions()
}

func (s *Scheduler) cleanupSessions() {
	if s.sessions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	defer cancel()

	removed, err := s.sessions.CleanupExpired(ctx, s.config.SessionTTL)
	if err != nil {
		s.config.Logger.Error("session cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		s.config.Logger.Info("cleaned up expired sessions", "removed", removed)
	}
}

func (s *Scheduler) cleanupExecutions() {
	if s.executions == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
	defer cancel()

	cutoff := time.Now().Add(-s.config.ExecutionTTL)
	removed, err := s.executions.DeleteOldExecutions(ctx, cutoff)
	if err != nil {
		s.config.Logger.Error("execution cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		s.config.Logger.Info("deleted old executions", "removed", removed, "cutoff", cutoff)
	}
}
