package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

func entryFor(id string, state task.State, output string) task.Entry {
	return task.Entry{
		Record: task.Record{ID: id, State: state},
		Output: output,
	}
}

func TestExecute_ResultsInSubmissionOrder(t *testing.T) {
	// Earlier items finish last.
	delays := map[string]time.Duration{"a": 60 * time.Millisecond, "b": 30 * time.Millisecond, "c": 0}
	run := func(ctx context.Context, it Item, prompt string) (task.Entry, error) {
		time.Sleep(delays[it.ID])
		return entryFor("task-"+it.ID, task.StateSucceeded, prompt), nil
	}
	b := Batch{Name: "order", Items: []Item{
		{ID: "a", SubagentType: "finder", Prompt: "pa"},
		{ID: "b", SubagentType: "finder", Prompt: "pb"},
		{ID: "c", SubagentType: "finder", Prompt: "pc"},
	}}

	res, err := NewExecutor(run, 3, nil).Execute(context.Background(), b)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var got []string
	for _, o := range res.Outcomes {
		got = append(got, o.ItemID+"="+o.Entry.Output)
	}
	want := []string{"a=pa", "b=pb", "c=pc"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("outcomes mismatch (-want +got):\n%s", diff)
	}
	if res.Failed() != 0 {
		t.Fatalf("Failed = %d, want 0", res.Failed())
	}
}

func TestExecute_BoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	run := func(ctx context.Context, it Item, prompt string) (task.Entry, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return entryFor(it.ID, task.StateSucceeded, ""), nil
	}
	var items []Item
	for i := 0; i < 8; i++ {
		items = append(items, Item{ID: fmt.Sprintf("i%d", i), SubagentType: "task"})
	}

	res, err := NewExecutor(run, 2, nil).Execute(context.Background(), Batch{Items: items})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(res.Outcomes) != 8 {
		t.Fatalf("outcomes = %d, want 8", len(res.Outcomes))
	}
	if peak.Load() > 2 {
		t.Fatalf("peak in-flight = %d, want <= 2", peak.Load())
	}
}

func TestExecute_DependenciesResolveOutput(t *testing.T) {
	var mu sync.Mutex
	var prompts []string
	run := func(ctx context.Context, it Item, prompt string) (task.Entry, error) {
		mu.Lock()
		prompts = append(prompts, prompt)
		mu.Unlock()
		return entryFor(it.ID, task.StateSucceeded, strings.ToUpper(it.ID)+" done"), nil
	}
	b := Batch{Items: []Item{
		{ID: "review", SubagentType: "oracle", Prompt: "review {find.output}", DependsOn: []string{"find"}},
		{ID: "find", SubagentType: "finder", Prompt: "find things"},
	}}

	res, err := NewExecutor(run, 4, nil).Execute(context.Background(), b)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if diff := cmp.Diff([]string{"find things", "review FIND done"}, prompts); diff != "" {
		t.Fatalf("prompts mismatch (-want +got):\n%s", diff)
	}
	if res.Outcomes[0].ItemID != "review" || res.Outcomes[0].Wave != 1 {
		t.Fatalf("outcome[0] = %+v, want review in wave 1", res.Outcomes[0])
	}
}

func TestExecute_SkipsDependentsOfFailedItems(t *testing.T) {
	run := func(ctx context.Context, it Item, prompt string) (task.Entry, error) {
		switch it.ID {
		case "bad":
			return entryFor(it.ID, task.StateFailed, ""), nil
		case "unstartable":
			return task.Entry{}, task.New(task.CodeUnknownSubagent, "nope")
		}
		return entryFor(it.ID, task.StateSucceeded, "ok"), nil
	}
	b := Batch{Items: []Item{
		{ID: "bad", SubagentType: "task"},
		{ID: "unstartable", SubagentType: "task"},
		{ID: "after", SubagentType: "task", DependsOn: []string{"bad"}},
		{ID: "free", SubagentType: "task"},
	}}

	res, err := NewExecutor(run, 2, nil).Execute(context.Background(), b)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Failed() != 3 {
		t.Fatalf("Failed = %d, want 3", res.Failed())
	}
	if task.CodeOf(res.Outcomes[1].Err) != task.CodeUnknownSubagent {
		t.Fatalf("unstartable err = %v", res.Outcomes[1].Err)
	}
	if res.Outcomes[2].Err == nil || !strings.Contains(res.Outcomes[2].Err.Error(), "dependency bad") {
		t.Fatalf("after err = %v, want skipped on bad", res.Outcomes[2].Err)
	}
	if !res.Outcomes[3].Succeeded() {
		t.Fatalf("free outcome = %+v, want succeeded", res.Outcomes[3])
	}
}

func TestExecute_InvalidBatch(t *testing.T) {
	run := func(ctx context.Context, it Item, prompt string) (task.Entry, error) {
		t.Fatal("run called for invalid batch")
		return task.Entry{}, nil
	}
	_, err := NewExecutor(run, 1, nil).Execute(context.Background(), Batch{})
	if err == nil {
		t.Fatal("expected error for empty batch")
	}
}

func TestExecute_CancelledContextSkipsRemainingWaves(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	run := func(_ context.Context, it Item, prompt string) (task.Entry, error) {
		cancel()
		return entryFor(it.ID, task.StateSucceeded, ""), nil
	}
	b := Batch{Items: []Item{
		{ID: "first", SubagentType: "task"},
		{ID: "second", SubagentType: "task", DependsOn: []string{"first"}},
	}}
	res, err := NewExecutor(run, 1, nil).Execute(ctx, b)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !errors.Is(res.Outcomes[1].Err, context.Canceled) {
		t.Fatalf("second err = %v, want context.Canceled", res.Outcomes[1].Err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		items []Item
	}{
		{"empty id", []Item{{SubagentType: "x"}}},
		{"duplicate", []Item{{ID: "a", SubagentType: "x"}, {ID: "a", SubagentType: "x"}}},
		{"missing subagent", []Item{{ID: "a"}}},
		{"unknown dependency", []Item{{ID: "a", SubagentType: "x", DependsOn: []string{"z"}}}},
		{"self dependency", []Item{{ID: "a", SubagentType: "x", DependsOn: []string{"a"}}}},
		{"cycle", []Item{
			{ID: "a", SubagentType: "x", DependsOn: []string{"b"}},
			{ID: "b", SubagentType: "x", DependsOn: []string{"a"}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Batch{Items: tt.items}
			if err := b.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestResolvePrompt(t *testing.T) {
	got := resolvePrompt("Based on: {research.output}", map[string]string{"research": "The sun is a star."})
	if got != "Based on: The sun is a star." {
		t.Fatalf("got %q", got)
	}
	if got := resolvePrompt("No references here", nil); got != "No references here" {
		t.Fatalf("prompt should be unchanged, got %q", got)
	}
}
