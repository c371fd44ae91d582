package store

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

func (s *Store) hydrateLocked(ctx context.Context) {
	if s.port == nil {
		return
	}
	res, err := s.port.Load(ctx)
	if err != nil {
		s.addDiagnosticLocked(task.CodePersistenceRead, fmt.Sprintf("could not read task snapshot, starting empty: %v", err))
		return
	}
	for _, w := range res.Warnings {
		s.addDiagnosticLocked(w.Code, w.Message)
	}
	if res.RecoveredCorruptFilePath != "" {
		s.logger.Warn("recovered corrupt task snapshot", "path", res.RecoveredCorruptFilePath)
	}

	now := s.nowMs()
	var rehydrated []string
	for _, loaded := range res.Entries {
		entry := loaded.Clone()
		if !entry.Record.IsTerminal() && !s.readOnly {
			entry = s.failOrphan(entry, now)
			rehydrated = append(rehydrated, entry.Record.ID)
		}
		s.entries[entry.Record.ID] = &entry
	}

	dirty := len(rehydrated) > 0
	if dirty {
		slices.Sort(rehydrated)
		s.addDiagnosticLocked(task.CodeRehydrated, fmt.Sprintf(
			"marked %d task(s) failed because they were in flight when the previous process exited: %s",
			len(rehydrated), strings.Join(rehydrated, ", ")))
	}
	if evicted := s.sweepLocked(); len(evicted) > 0 {
		dirty = true
	}
	if dirty {
		s.persistNowLocked()
	}
	s.logger.Info("task store hydrated", "entries", len(s.entries), "rehydrated", len(rehydrated), "read_only", s.readOnly)
}

// failOrphan rewrites a restored queued/running entry as failed; its
// execution handles did not survive the restart.
func (s *Store) failOrphan(entry task.Entry, now int64) task.Entry {
	rec := entry.Record
	in := rec.Init()
	ended := max(in.StartedAtEpochMs, now)
	in.State = task.StateFailed
	in.EndedAtEpochMs = &ended
	in.UpdatedAtEpochMs = max(in.UpdatedAtEpochMs, ended)
	in.ActiveToolCalls = 0
	in.LastErrorCode = task.CodeRehydrated
	in.LastErrorMessage = fmt.Sprintf("task was %s when the previous process exited; execution cannot resume across restarts", rec.State)
	entry.Record = mustRecord(in)
	entry.Summary = "Interrupted by restart"
	entry.Events = task.BoundEvents(entry.Events, []task.Event{{
		Type:      task.EventTerminal,
		AtEpochMs: ended,
		Text:      string(task.StateFailed),
		IsError:   true,
	}}, s.maxEvents)
	return entry
}
