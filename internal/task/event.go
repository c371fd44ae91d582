package task

import "strings"

// EventType discriminates execution events.
type EventType string

const (
	EventAssistantText EventType = "assistant_text"
	EventToolStart     EventType = "tool_start"
	EventToolUpdate    EventType = "tool_update"
	EventToolEnd       EventType = "tool_end"
	EventTerminal      EventType = "task_terminal"
)

// DefaultMaxEvents is the per-task event buffer bound.
const DefaultMaxEvents = 120

// Event is one normalized progress event of a running task.
type Event struct {
	Type       EventType `json:"type"`
	AtEpochMs  int64     `json:"atEpochMs"`
	Text       string    `json:"text,omitempty"`
	ToolName   string    `json:"toolName,omitempty"`
	ToolCallID string    `json:"toolCallId,omitempty"`
	IsError    bool      `json:"isError,omitempty"`
}

// NormalizeEvents trims text, drops events that carry nothing, and stamps
// missing timestamps with nowMs.
func NormalizeEvents(events []Event, nowMs int64) []Event {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		ev.Text = strings.TrimRight(ev.Text, " \t\r\n")
		ev.ToolName = strings.TrimSpace(ev.ToolName)
		switch ev.Type {
		case EventAssistantText:
			if strings.TrimSpace(ev.Text) == "" {
				continue
			}
		case EventToolStart, EventToolUpdate, EventToolEnd:
			if ev.ToolName == "" && ev.ToolCallID == "" {
				continue
			}
		case EventTerminal:
		default:
			continue
		}
		if ev.AtEpochMs <= 0 {
			ev.AtEpochMs = nowMs
		}
		out = append(out, ev)
	}
	return out
}

// BoundEvents appends incoming to existing and keeps only the most recent
// max events, in original order. The result never aliases existing.
func BoundEvents(existing, incoming []Event, max int) []Event {
	if max <= 0 {
		max = DefaultMaxEvents
	}
	total := len(existing) + len(incoming)
	skip := 0
	if total > max {
		skip = total - max
	}
	out := make([]Event, 0, total-skip)
	for _, src := range [][]Event{existing, incoming} {
		for _, ev := range src {
			if skip > 0 {
				skip--
				continue
			}
			out = append(out, ev)
		}
	}
	return out
}
