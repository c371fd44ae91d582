// Package audit appends task outcomes to an append-only JSONL trail at
// <home>/logs/task_audit.jsonl.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pi-ohm/pi-ohm-sub001/internal/bus"
	"github.com/pi-ohm/pi-ohm-sub001/internal/shared"
)

// FileName is the trail's name inside the logs directory.
const FileName = "task_audit.jsonl"

type entry struct {
	Timestamp  string `json:"timestamp"`
	Event      string `json:"event"`
	TaskID     string `json:"task_id"`
	Subagent   string `json:"subagent,omitempty"`
	State      string `json:"state,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Reason     string `json:"reason,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Trail is safe for concurrent use.
type Trail struct {
	mu   sync.Mutex
	file *os.File
	now  func() time.Time

	failed atomic.Int64
}

func Open(homeDir string) (*Trail, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Trail{file: f, now: time.Now}, nil
}

// Close is idempotent.
func (t *Trail) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	return err
}

// FailedCount returns the number of failed tasks recorded since Open.
func (t *Trail) FailedCount() int64 {
	return t.failed.Load()
}

// Record appends one line for terminal, eviction and fallback events.
// Other payloads are ignored.
func (t *Trail) Record(topic string, payload any) {
	var ev entry
	switch p := payload.(type) {
	case bus.TaskTerminalEvent:
		ev = entry{
			TaskID:     p.TaskID,
			Subagent:   p.SubagentType,
			State:      p.State,
			ErrorCode:  p.ErrorCode,
			Reason:     p.ErrorMessage,
			DurationMs: p.DurationMs,
		}
		if topic == bus.TopicTaskFailed {
			t.failed.Add(1)
		}
	case bus.TaskEvictedEvent:
		ev = entry{TaskID: p.TaskID, Reason: p.Reason}
	case bus.TaskFallbackEvent:
		ev = entry{TaskID: p.TaskID, ErrorCode: p.ErrorCode, Reason: p.From + " -> " + p.To}
	default:
		return
	}
	ev.Event = topic
	// Error messages may echo prompts or tool output.
	ev.Reason = shared.Redact(ev.Reason)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return
	}
	ev.Timestamp = t.now().UTC().Format(time.RFC3339Nano)
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = t.file.Write(append(b, '\n'))
	}
}

// Follow records task events from b until stop is called. stop drains
// events already delivered before returning.
func (t *Trail) Follow(b *bus.Bus) (stop func()) {
	sub := b.Subscribe("task.")
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub.Ch() {
			t.Record(ev.Topic, ev.Payload)
		}
	}()
	return func() {
		b.Unsubscribe(sub)
		<-done
	}
}
