package cron_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pi-ohm/pi-ohm-sub001/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type fakeStore struct {
	sweeps  atomic.Int32
	flushes atomic.Int32
}

func (f *fakeStore) Sweep() []string {
	f.sweeps.Add(1)
	return []string{"old"}
}

func (f *fakeStore) Flush() { f.flushes.Add(1) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestScheduler_RunsWhenDue(t *testing.T) {
	store := &fakeStore{}
	clk := &clock{now: time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)}
	var evicted atomic.Int32
	s, err := cron.NewScheduler(cron.Config{
		Store:    store,
		CronExpr: "*/5 * * * *",
		Interval: 5 * time.Millisecond,
		Now:      clk.Now,
		OnRun:    func(ids []string) { evicted.Add(int32(len(ids))) },
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start(context.Background())
	defer s.Stop()

	if want := time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC); !s.NextRun().Equal(want) {
		t.Fatalf("next run = %v, want %v", s.NextRun(), want)
	}

	time.Sleep(30 * time.Millisecond)
	if store.sweeps.Load() != 0 {
		t.Fatal("maintenance ran before it was due")
	}

	clk.Advance(5 * time.Minute)
	waitFor(t, 2*time.Second, func() bool { return store.sweeps.Load() == 1 })
	if store.flushes.Load() != 1 || evicted.Load() != 1 {
		t.Fatalf("flushes = %d, evicted = %d", store.flushes.Load(), evicted.Load())
	}
	if want := time.Date(2026, 3, 1, 10, 10, 0, 0, time.UTC); !s.NextRun().Equal(want) {
		t.Fatalf("next run = %v, want %v", s.NextRun(), want)
	}
}

func TestScheduler_StopEndsLoop(t *testing.T) {
	store := &fakeStore{}
	s, err := cron.NewScheduler(cron.Config{Store: store, CronExpr: "@every 1s", Interval: time.Millisecond})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start(context.Background())
	s.Stop()
	before := store.sweeps.Load()
	time.Sleep(20 * time.Millisecond)
	if store.sweeps.Load() != before {
		t.Fatal("scheduler kept running after Stop")
	}
}

func TestScheduler_RunOnce(t *testing.T) {
	store := &fakeStore{}
	s, err := cron.NewScheduler(cron.Config{Store: store, CronExpr: "@hourly"})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	if got := s.RunOnce(); len(got) != 1 || got[0] != "old" {
		t.Fatalf("RunOnce = %v", got)
	}
	if store.sweeps.Load() != 1 || store.flushes.Load() != 1 {
		t.Fatalf("sweeps = %d, flushes = %d", store.sweeps.Load(), store.flushes.Load())
	}
}

func TestNewScheduler_Invalid(t *testing.T) {
	if _, err := cron.NewScheduler(cron.Config{Store: &fakeStore{}, CronExpr: "not a cron"}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := cron.NewScheduler(cron.Config{CronExpr: "@hourly"}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	next, err := cron.NextRunTime("0 3 * * *", base)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	if want := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
