package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pi-ohm/pi-ohm-sub001/internal/catalog"
	"github.com/pi-ohm/pi-ohm-sub001/internal/persistence"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memPort struct {
	mu      sync.Mutex
	load    persistence.LoadResult
	loadErr error
	saveErr error
	saves   []task.Snapshot
}

func (p *memPort) Load(context.Context) (persistence.LoadResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.load, p.loadErr
}

func (p *memPort) Save(_ context.Context, snap task.Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	p.saves = append(p.saves, snap)
	return nil
}

func (p *memPort) saveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saves)
}

func (p *memPort) lastSave() task.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saves[len(p.saves)-1]
}

var finder = catalog.Definition{ID: "finder", Name: "Finder"}

func newTestStore(t *testing.T, opts Options) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	s := New(context.Background(), opts)
	t.Cleanup(func() { _ = s.Close() })
	return s, clock
}

func mustCreate(t *testing.T, s *Store, id string) task.Entry {
	t.Helper()
	e, err := s.CreateTask(id, finder, "desc "+id, "prompt "+id, "scaffold", task.InvocationTaskRouted)
	if err != nil {
		t.Fatalf("CreateTask(%s): %v", id, err)
	}
	return e
}

func mustRun(t *testing.T, s *Store, id string) {
	t.Helper()
	if _, err := s.MarkRunning(id, "running"); err != nil {
		t.Fatalf("MarkRunning(%s): %v", id, err)
	}
}

func requireCode(t *testing.T, err error, want task.Code) {
	t.Helper()
	if got := task.CodeOf(err); got != want {
		t.Fatalf("error code = %q (%v), want %q", got, err, want)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var errDiskFull = errors.New("disk full")
