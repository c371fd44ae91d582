package store

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// schedulePersistLocked arms the shared debounce timer if it is not
// already pending. Mutations that arrive before it fires share one write.
func (s *Store) schedulePersistLocked() {
	if s.port == nil || s.readOnly || s.closed || s.timer != nil {
		return
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(s.debounce, func() { s.onDebounce(gen) })
}

func (s *Store) onDebounce(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil || gen != s.timerGen {
		return
	}
	s.timer = nil
	s.writeLocked("debounced")
}

// persistNowLocked cancels any pending debounce and writes synchronously.
func (s *Store) persistNowLocked() {
	if s.port == nil || s.readOnly || s.closed {
		return
	}
	s.stopTimerLocked()
	s.writeLocked("immediate")
}

func (s *Store) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.timerGen++
	}
}

func (s *Store) snapshotLocked() task.Snapshot {
	entries := make([]task.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e.Clone())
	}
	return task.Snapshot{
		SchemaVersion:  task.SchemaVersion,
		SavedAtEpochMs: s.nowMs(),
		Entries:        entries,
	}
}

func (s *Store) writeLocked(mode string) {
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	snap := s.snapshotLocked()
	err := s.port.Save(ctx, snap)
	if s.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metrics.PersistenceWrites.Add(ctx, 1, metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("result", result),
		))
	}
	if err != nil {
		s.addDiagnosticLocked(task.CodePersistenceWrite, fmt.Sprintf("%s snapshot write of %d task(s) failed: %v", mode, len(snap.Entries), err))
		return
	}
	s.logger.Debug("task snapshot written", "mode", mode, "entries", len(snap.Entries))
}

// Flush writes a pending debounced snapshot immediately. It is a no-op
// when nothing is pending.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return
	}
	s.persistNowLocked()
}

// Close flushes pending writes and stops further persistence.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if s.timer != nil {
		s.persistNowLocked()
	}
	s.stopTimerLocked()
	s.closed = true
	return nil
}
