// Package cron runs store maintenance on a cron schedule: retention and
// capacity sweeps followed by a flush of any pending debounced write.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) and descriptors such as @hourly or @every 10m.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Maintainer is the store surface the scheduler drives.
type Maintainer interface {
	Sweep() []string
	Flush()
}

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store    Maintainer
	CronExpr string
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
	// OnRun is called after each maintenance run with the evicted ids.
	OnRun func(evicted []string)
}

// Scheduler checks at every tick whether the cron expression is due and
// runs maintenance when it is.
type Scheduler struct {
	store    Maintainer
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
	onRun    func([]string)
	sched    cronlib.Schedule
	expr     string

	mu      sync.Mutex
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the cron expression and builds a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("maintenance scheduler needs a store")
	}
	sched, err := cronParser.Parse(cfg.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse maintenance cron %q: %w", cfg.CronExpr, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:    cfg.Store,
		logger:   logger.With("component", "maintenance"),
		interval: interval,
		now:      now,
		onRun:    cfg.OnRun,
		sched:    sched,
		expr:     cfg.CronExpr,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.nextRun = s.sched.Next(s.now())
	s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "cron_expr", s.expr, "next_run_at", s.NextRun())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

// NextRun reports when maintenance will next run.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Scheduler) tick() {
	now := s.now()
	s.mu.Lock()
	due := !now.Before(s.nextRun)
	if due {
		s.nextRun = s.sched.Next(now)
	}
	next := s.nextRun
	s.mu.Unlock()
	if !due {
		return
	}
	evicted := s.RunOnce()
	s.logger.Info("maintenance run complete", "evicted", len(evicted), "next_run_at", next)
}

// RunOnce sweeps and flushes immediately, independent of the schedule.
func (s *Scheduler) RunOnce() []string {
	evicted := s.store.Sweep()
	s.store.Flush()
	if s.onRun != nil {
		s.onRun(evicted)
	}
	return evicted
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
