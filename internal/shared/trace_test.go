package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("TraceID = %q, want -", got)
	}
	ctx := WithTraceID(context.Background(), "")
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("empty TraceID = %q, want -", got)
	}
}

func TestContextKeys_RoundTrip(t *testing.T) {
	id := NewTraceID()
	ctx := WithTraceID(context.Background(), id)
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithSubagent(ctx, "oracle")

	if got := TraceID(ctx); got != id {
		t.Fatalf("TraceID = %q, want %q", got, id)
	}
	if got := TaskID(ctx); got != "task-1" {
		t.Fatalf("TaskID = %q", got)
	}
	if got := Subagent(ctx); got != "oracle" {
		t.Fatalf("Subagent = %q", got)
	}
}

func TestTaskID_DefaultEmpty(t *testing.T) {
	if got := TaskID(context.Background()); got != "" {
		t.Fatalf("TaskID = %q, want empty", got)
	}
	if got := Subagent(context.Background()); got != "" {
		t.Fatalf("Subagent = %q, want empty", got)
	}
}
