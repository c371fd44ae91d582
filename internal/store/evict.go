package store

import (
	"slices"
	"strings"

	"github.com/pi-ohm/pi-ohm-sub001/internal/bus"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// Sweep applies the retention and capacity policies and returns the ids
// it evicted.
func (s *Store) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked()
}

func (s *Store) sweepLocked() []string {
	now := s.nowMs()
	retentionMs := s.retention.Milliseconds()
	var evicted []string

	for id, entry := range s.entries {
		rec := entry.Record
		if rec.IsTerminal() && now-rec.EndedAt() > retentionMs {
			s.evictLocked(id, reasonRetention)
			evicted = append(evicted, id)
		}
	}

	if over := len(s.entries) - s.maxTasks; over > 0 {
		var terminal []*task.Entry
		for _, entry := range s.entries {
			if entry.Record.IsTerminal() {
				terminal = append(terminal, entry)
			}
		}
		slices.SortFunc(terminal, func(a, b *task.Entry) int {
			if a.Record.EndedAt() != b.Record.EndedAt() {
				if a.Record.EndedAt() < b.Record.EndedAt() {
					return -1
				}
				return 1
			}
			return strings.Compare(a.Record.ID, b.Record.ID)
		})
		for _, entry := range terminal {
			if over <= 0 {
				break
			}
			id := entry.Record.ID
			s.evictLocked(id, reasonCapacity)
			evicted = append(evicted, id)
			over--
		}
	}

	if len(evicted) > 0 {
		slices.Sort(evicted)
		s.logger.Info("evicted terminal tasks", "count", len(evicted), "task_ids", evicted)
		s.schedulePersistLocked()
	}
	return evicted
}

func (s *Store) evictLocked(id, reason string) {
	delete(s.entries, id)
	delete(s.aborts, id)
	delete(s.executions, id)
	s.addTombstoneLocked(id, reason)
	s.bus.Publish(bus.TopicTaskEvicted, bus.TaskEvictedEvent{TaskID: id, Reason: reason})
}

func (s *Store) addTombstoneLocked(id, reason string) {
	if _, exists := s.tombstones[id]; !exists {
		s.tombstoneOrder = append(s.tombstoneOrder, id)
	}
	s.tombstones[id] = reason
	for len(s.tombstoneOrder) > s.maxTombstones {
		oldest := s.tombstoneOrder[0]
		s.tombstoneOrder = s.tombstoneOrder[1:]
		delete(s.tombstones, oldest)
	}
}

func (s *Store) forgetTombstoneLocked(id string) {
	if _, ok := s.tombstones[id]; !ok {
		return
	}
	delete(s.tombstones, id)
	s.tombstoneOrder = slices.DeleteFunc(s.tombstoneOrder, func(v string) bool { return v == id })
}
