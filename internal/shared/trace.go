// Package shared holds the context keys and redaction helpers used across
// the task engine.
package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type subagentKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTaskID attaches a task_id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSubagent attaches the subagent id running a task.
func WithSubagent(ctx context.Context, subagent string) context.Context {
	return context.WithValue(ctx, subagentKey{}, subagent)
}

// Subagent extracts the subagent id. Returns "" if absent.
func Subagent(ctx context.Context) string {
	if v, ok := ctx.Value(subagentKey{}).(string); ok {
		return v
	}
	return ""
}
