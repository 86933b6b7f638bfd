// Package reconcile periodically re-runs TaskCoordinator.Reconcile so a
// process that outlives a crashed dependency (not just a fresh boot) still
// clears out orphaned in-flight tasks. Scheduling is driven by
// github.com/robfig/cron/v3's "@every" descriptor rather than a hand-rolled
// ticker, the same scheduling engine used elsewhere in this repo for
// time-based work, with schedule lookups replaced by a fixed interval since
// reconciliation runs on a plain period, not a per-task cron expression.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// Coordinator is the subset of coordinator.Coordinator this scheduler drives.
type Coordinator interface {
	Reconcile(ctx context.Context, accountID string, maxAge time.Duration) error
}

// Config holds the dependencies for the Scheduler.
type Config struct {
	Coordinator Coordinator
	AccountIDs  []string
	Interval    time.Duration // sweep interval; defaults to 5 minutes if zero
	MaxAge      time.Duration // passed through to Reconcile; defaults to 24h if zero
	Logger      *slog.Logger
}

// Scheduler periodically invokes Coordinator.Reconcile for every configured account.
type Scheduler struct {
	coordinator Coordinator
	accountIDs  []string
	interval    time.Duration
	maxAge      time.Duration
	logger      *slog.Logger

	cron   *cronlib.Cron
	cancel context.CancelFunc
	mu     sync.Mutex
}

// NewScheduler constructs a Scheduler from cfg, applying defaults.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		coordinator: cfg.Coordinator,
		accountIDs:  cfg.AccountIDs,
		interval:    interval,
		maxAge:      maxAge,
		logger:      logger,
	}
}

// Start begins the scheduler. It fires one sweep immediately, then
// schedules subsequent sweeps via an "@every" cron entry.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.cancel = cancel
	s.cron = cronlib.New()
	s.mu.Unlock()

	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.tick(ctx) }); err != nil {
		s.logger.Error("reconcile: failed to schedule sweep", "spec", spec, "error", err)
		return
	}

	s.tick(ctx)
	s.cron.Start()
	s.logger.Info("reconcile scheduler started", "interval", s.interval, "accounts", len(s.accountIDs))
}

// Stop cancels the scheduler and waits for any running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cron := s.cron
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if cron != nil {
		stopCtx := cron.Stop()
		<-stopCtx.Done()
	}
	s.logger.Info("reconcile scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	for _, accountID := range s.accountIDs {
		if err := s.coordinator.Reconcile(ctx, accountID, s.maxAge); err != nil {
			s.logger.Error("reconcile: sweep failed", "account_id", accountID, "error", err)
		}
	}
}
