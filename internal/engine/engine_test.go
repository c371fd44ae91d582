package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/pi-ohm/pi-ohm-sub001/internal/backend"
	"github.com/pi-ohm/pi-ohm-sub001/internal/catalog"
	"github.com/pi-ohm/pi-ohm-sub001/internal/coordinator"
	"github.com/pi-ohm/pi-ohm-sub001/internal/engine"
	"github.com/pi-ohm/pi-ohm-sub001/internal/store"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// stubBackend runs caller-supplied functions; nil functions succeed.
type stubBackend struct {
	start func(ctx context.Context, in backend.StartInput) (backend.Result, error)
	send  func(ctx context.Context, in backend.SendInput) (backend.Result, error)

	mu     sync.Mutex
	starts []backend.StartInput
}

func (s *stubBackend) Mode() backend.Mode { return backend.ModeShell }

func (s *stubBackend) ExecuteStart(ctx context.Context, in backend.StartInput) (backend.Result, error) {
	s.mu.Lock()
	s.starts = append(s.starts, in)
	s.mu.Unlock()
	if s.start != nil {
		return s.start(ctx, in)
	}
	return backend.Result{Summary: "done", Output: "out:" + in.Prompt, Route: backend.RouteShell}, nil
}

func (s *stubBackend) ExecuteSend(ctx context.Context, in backend.SendInput) (backend.Result, error) {
	if s.send != nil {
		return s.send(ctx, in)
	}
	return backend.Result{Summary: "answered", Output: "re:" + in.Latest()}, nil
}

func (s *stubBackend) lastStart(t *testing.T) backend.StartInput {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.starts) == 0 {
		t.Fatal("backend never started")
	}
	return s.starts[len(s.starts)-1]
}

// blockUntilAborted waits for the task context and reports its abort.
func blockUntilAborted(started chan<- string) func(ctx context.Context, in backend.StartInput) (backend.Result, error) {
	return func(ctx context.Context, in backend.StartInput) (backend.Result, error) {
		if started != nil {
			started <- in.TaskID
		}
		<-ctx.Done()
		cause := context.Cause(ctx)
		var te *task.Error
		if errors.As(cause, &te) {
			return backend.Result{}, te
		}
		return backend.Result{}, task.Errorf(task.CodeAborted, "task %s aborted", in.TaskID)
	}
}

func newEngine(t *testing.T, be backend.Backend, mutate ...func(*engine.Options)) *engine.Engine {
	t.Helper()
	st := store.New(context.Background(), store.Options{})
	opts := engine.Options{
		Store:   st,
		Catalog: catalog.New(catalog.Builtins()...),
		Backend: be,
		Enabled: true,
	}
	for _, m := range mutate {
		m(&opts)
	}
	e := engine.New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
		_ = st.Close()
	})
	return e
}

func requireCode(t *testing.T, err error, want task.Code) {
	t.Helper()
	if got := task.CodeOf(err); got != want {
		t.Fatalf("error code = %q, want %q (err: %v)", got, want, err)
	}
}

func TestEngine_DisabledGate(t *testing.T) {
	e := newEngine(t, &stubBackend{}, func(o *engine.Options) { o.Enabled = false })
	ctx := context.Background()

	_, err := e.Start(ctx, engine.StartRequest{SubagentType: "finder", Prompt: "x"})
	requireCode(t, err, task.CodeSubagentsDisabled)
	_, err = e.Status([]string{"t1"})
	requireCode(t, err, task.CodeSubagentsDisabled)
	_, err = e.Wait(ctx, []string{"t1"}, time.Millisecond)
	requireCode(t, err, task.CodeSubagentsDisabled)
	_, err = e.Send(ctx, "t1", "more")
	requireCode(t, err, task.CodeSubagentsDisabled)
	_, err = e.Cancel("t1")
	requireCode(t, err, task.CodeSubagentsDisabled)
	_, err = e.StartBatch(ctx, coordinator.Batch{}, task.InvocationTaskRouted)
	requireCode(t, err, task.CodeSubagentsDisabled)
}

func TestEngine_UnknownSubagent(t *testing.T) {
	e := newEngine(t, &stubBackend{})
	_, err := e.Start(context.Background(), engine.StartRequest{SubagentType: "wizard"})
	requireCode(t, err, task.CodeUnknownSubagent)
	var te *task.Error
	if !errors.As(err, &te) || !strings.Contains(te.Remediation, "finder") {
		t.Fatalf("remediation should list known subagents, got %+v", te)
	}
	if got := len(e.Store().ListTasks()); got != 0 {
		t.Fatalf("tasks = %d, want 0", got)
	}
}

func TestEngine_StartSyncSucceeds(t *testing.T) {
	be := &stubBackend{}
	e := newEngine(t, be)

	entry, err := e.Start(context.Background(), engine.StartRequest{
		ID:           "t1",
		SubagentType: "finder",
		Description:  "find handlers",
		Prompt:       "where are the handlers",
		Invocation:   task.InvocationPrimaryTool,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if entry.Record.State != task.StateSucceeded {
		t.Fatalf("state = %s, want succeeded", entry.Record.State)
	}
	if entry.Output != "out:where are the handlers" {
		t.Fatalf("output = %q", entry.Output)
	}
	if entry.Backend != string(backend.ModeShell) || entry.Invocation != task.InvocationPrimaryTool {
		t.Fatalf("backend/invocation = %q/%q", entry.Backend, entry.Invocation)
	}
	if entry.Observability.Route != backend.RouteShell {
		t.Fatalf("route = %q, want %q", entry.Observability.Route, backend.RouteShell)
	}
	last := entry.Events[len(entry.Events)-1]
	if last.Type != task.EventTerminal {
		t.Fatalf("last event = %+v, want terminal marker", last)
	}
}

func TestEngine_StartDefaults(t *testing.T) {
	be := &stubBackend{}
	e := newEngine(t, be,
		func(o *engine.Options) {
			o.Models = map[string]string{"oracle": "openai/gpt-5"}
			o.Cwd = "/work"
		})

	entry, err := e.Start(context.Background(), engine.StartRequest{SubagentType: "Oracle"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if entry.Record.ID == "" {
		t.Fatal("expected a generated task id")
	}
	def, _ := catalog.New(catalog.Builtins()...).Find("oracle")
	in := be.lastStart(t)
	if in.Prompt != def.DefaultPrompt {
		t.Fatalf("prompt = %q, want default %q", in.Prompt, def.DefaultPrompt)
	}
	if in.Model != "openai/gpt-5" || in.Cwd != "/work" {
		t.Fatalf("model/cwd = %q/%q", in.Model, in.Cwd)
	}
}

func TestEngine_BackendFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want task.Code
	}{
		{"execution failure", errors.New("exit status 2"), task.CodeBackendFailed},
		{"timeout", task.New(task.CodeBackendTimeout, "took too long"), task.CodeBackendTimeout},
		{"unsupported", task.New(task.CodeUnsupportedBackend, "custom-plugin"), task.CodeUnsupportedBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			be := &stubBackend{start: func(context.Context, backend.StartInput) (backend.Result, error) {
				return backend.Result{}, tt.err
			}}
			e := newEngine(t, be)
			entry, err := e.Start(context.Background(), engine.StartRequest{ID: "t1", SubagentType: "task", Prompt: "go"})
			if err != nil {
				t.Fatalf("Start: %v", err)
			}
			if entry.Record.State != task.StateFailed {
				t.Fatalf("state = %s, want failed", entry.Record.State)
			}
			if entry.Record.Terminal.LastErrorCode != tt.want {
				t.Fatalf("code = %s, want %s", entry.Record.Terminal.LastErrorCode, tt.want)
			}
			if entry.Record.Terminal.LastErrorMessage == "" {
				t.Fatal("failed task must carry a message")
			}
		})
	}
}

func TestEngine_AsyncCancel(t *testing.T) {
	started := make(chan string, 1)
	be := &stubBackend{start: blockUntilAborted(started)}
	e := newEngine(t, be)
	ctx := context.Background()

	entry, err := e.Start(ctx, engine.StartRequest{ID: "t1", SubagentType: "task", Prompt: "long", Async: true})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if entry.Record.State != task.StateRunning {
		t.Fatalf("state = %s, want running", entry.Record.State)
	}
	<-started

	out, err := e.Cancel("t1")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !out.Applied || out.PriorState != task.StateRunning {
		t.Fatalf("cancel outcome = %+v", out)
	}

	res, err := e.Wait(ctx, []string{"t1"}, time.Second)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if res.TimedOut {
		t.Fatal("Wait timed out after cancel")
	}
	rec := res.Lookups[0].Entry.Record
	if rec.State != task.StateCancelled || rec.Terminal.LastErrorCode != task.CodeAborted {
		t.Fatalf("record = %+v, want cancelled with task_aborted", rec)
	}

	again, err := e.Cancel("t1")
	if err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
	if again.Applied || again.Entry.Record.State != task.StateCancelled {
		t.Fatalf("second cancel = %+v, want no-op on cancelled", again)
	}
}

func TestEngine_WaitTimesOut(t *testing.T) {
	be := &stubBackend{start: blockUntilAborted(nil)}
	e := newEngine(t, be)
	ctx := context.Background()

	if _, err := e.Start(ctx, engine.StartRequest{ID: "slow", SubagentType: "task", Prompt: "x", Async: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	res, err := e.Wait(ctx, []string{"slow", "ghost"}, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected TimedOut")
	}
	if !res.Lookups[0].Found || res.Lookups[0].Entry.Record.State != task.StateRunning {
		t.Fatalf("slow lookup = %+v", res.Lookups[0])
	}
	if res.Lookups[1].Found || res.Lookups[1].ErrorCode != task.CodeUnknownTask {
		t.Fatalf("ghost lookup = %+v", res.Lookups[1])
	}
}

func TestEngine_StreamsEventsAndObservability(t *testing.T) {
	release := make(chan struct{})
	reported := make(chan struct{})
	be := &stubBackend{start: func(ctx context.Context, in backend.StartInput) (backend.Result, error) {
		in.OnObservability(task.Observability{Provider: "anthropic", Model: "claude-sonnet-4", PromptProfile: "anthropic"})
		in.OnEvent([]task.Event{
			{Type: task.EventToolStart, ToolName: "grep", ToolCallID: "c1"},
			{Type: task.EventAssistantText, Text: "found it \n"},
		})
		close(reported)
		<-release
		return backend.Result{Summary: "ok", Output: "found it", Route: backend.RouteSDK}, nil
	}}
	e := newEngine(t, be)
	ctx := context.Background()

	if _, err := e.Start(ctx, engine.StartRequest{ID: "t1", SubagentType: "finder", Prompt: "x", Async: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-reported

	lookups, err := e.Status([]string{"t1"})
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	running := lookups[0].Entry
	if running.Observability.Provider != "anthropic" || running.Observability.PromptProfile != "anthropic" {
		t.Fatalf("observability = %+v", running.Observability)
	}
	var texts []string
	for _, ev := range running.Events {
		texts = append(texts, string(ev.Type)+":"+ev.Text)
	}
	if diff := cmp.Diff([]string{"tool_start:", "assistant_text:found it"}, texts); diff != "" {
		t.Fatalf("events mismatch (-want +got):\n%s", diff)
	}

	close(release)
	res, _ := e.Wait(ctx, []string{"t1"}, time.Second)
	final := res.Lookups[0].Entry
	if final.Record.State != task.StateSucceeded {
		t.Fatalf("state = %s", final.Record.State)
	}
	// Attribution reported early survives the final merge.
	if final.Observability.Provider != "anthropic" || final.Observability.Route != backend.RouteSDK {
		t.Fatalf("final observability = %+v", final.Observability)
	}
}

func TestEngine_Send(t *testing.T) {
	var sends []backend.SendInput
	be := &stubBackend{
		start: blockUntilAborted(nil),
		send: func(ctx context.Context, in backend.SendInput) (backend.Result, error) {
			sends = append(sends, in)
			return backend.Result{Summary: "answered", Output: "re:" + in.Latest()}, nil
		},
	}
	e := newEngine(t, be)
	ctx := context.Background()

	if _, err := e.Start(ctx, engine.StartRequest{ID: "t1", SubagentType: "oracle", Prompt: "plan it", Async: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := e.Send(ctx, "t1", "first"); err != nil {
		t.Fatalf("Send first: %v", err)
	}
	entry, err := e.Send(ctx, "t1", "second")
	if err != nil {
		t.Fatalf("Send second: %v", err)
	}

	if entry.Record.State != task.StateRunning {
		t.Fatalf("state = %s, want running", entry.Record.State)
	}
	if entry.Output != "re:second" {
		t.Fatalf("output = %q", entry.Output)
	}
	if diff := cmp.Diff([]string{"first", "second"}, entry.FollowUpPrompts); diff != "" {
		t.Fatalf("follow-ups mismatch (-want +got):\n%s", diff)
	}
	if entry.Record.TotalToolCalls != 3 || entry.Record.ActiveToolCalls != 0 {
		t.Fatalf("counters = %d/%d, want 3/0", entry.Record.TotalToolCalls, entry.Record.ActiveToolCalls)
	}
	if got := sends[1]; got.Prompt != "plan it" || got.PriorOutput != "re:first" {
		t.Fatalf("second send input = %+v", got)
	}

	if _, err := e.Cancel("t1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	_, err = e.Send(ctx, "t1", "third")
	requireCode(t, err, task.CodeNotResumable)
}

func TestEngine_SendFailureKeepsTaskRunning(t *testing.T) {
	be := &stubBackend{
		start: blockUntilAborted(nil),
		send: func(context.Context, backend.SendInput) (backend.Result, error) {
			return backend.Result{}, task.New(task.CodeBackendFailed, "session crashed")
		},
	}
	e := newEngine(t, be)
	ctx := context.Background()
	if _, err := e.Start(ctx, engine.StartRequest{ID: "t1", SubagentType: "task", Prompt: "x", Async: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := e.Send(ctx, "t1", "again")
	requireCode(t, err, task.CodeBackendFailed)

	got, err := e.Store().GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Record.State != task.StateRunning || got.Record.ActiveToolCalls != 0 {
		t.Fatalf("record = %+v, want running with no active interaction", got.Record)
	}
	last := got.Events[len(got.Events)-1]
	if !last.IsError || last.Text != "session crashed" {
		t.Fatalf("last event = %+v, want error event", last)
	}
}

func TestEngine_SendRequiresRunning(t *testing.T) {
	e := newEngine(t, &stubBackend{})
	ctx := context.Background()
	if _, err := e.Start(ctx, engine.StartRequest{ID: "done", SubagentType: "task", Prompt: "x"}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err := e.Send(ctx, "done", "more")
	requireCode(t, err, task.CodeNotResumable)
	_, err = e.Send(ctx, "missing", "more")
	requireCode(t, err, task.CodeUnknownTask)
}

func TestEngine_StartBatch(t *testing.T) {
	be := &stubBackend{start: func(ctx context.Context, in backend.StartInput) (backend.Result, error) {
		if in.Subagent.ID == "oracle" {
			return backend.Result{}, errors.New("boom")
		}
		return backend.Result{Summary: "ok", Output: strings.ToUpper(in.Prompt)}, nil
	}}
	e := newEngine(t, be, func(o *engine.Options) { o.MaxConcurrency = 2 })

	b := coordinator.Batch{Name: "b", Items: []coordinator.Item{
		{ID: "find", SubagentType: "finder", Prompt: "find"},
		{ID: "summarize", SubagentType: "librarian", Prompt: "sum {find.output}", DependsOn: []string{"find"}},
		{ID: "review", SubagentType: "oracle", Prompt: "review"},
	}}
	res, err := e.StartBatch(context.Background(), b, task.InvocationTaskRouted)
	if err != nil {
		t.Fatalf("StartBatch: %v", err)
	}
	var got []string
	for _, o := range res.Outcomes {
		got = append(got, o.ItemID+"="+string(o.Entry.Record.State)+":"+o.Entry.Output)
	}
	want := []string{"find=succeeded:FIND", "summarize=succeeded:SUM FIND", "review=failed:"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("outcomes mismatch (-want +got):\n%s", diff)
	}
}

func TestEngine_StartBatchUnknownSubagent(t *testing.T) {
	e := newEngine(t, &stubBackend{})
	b := coordinator.Batch{Items: []coordinator.Item{{ID: "a", SubagentType: "wizard"}}}
	_, err := e.StartBatch(context.Background(), b, task.InvocationTaskRouted)
	requireCode(t, err, task.CodeUnknownSubagent)
}

func TestEngine_ShutdownAbortsRunningTasks(t *testing.T) {
	started := make(chan string, 1)
	be := &stubBackend{start: blockUntilAborted(started)}
	e := newEngine(t, be)

	if _, err := e.Start(context.Background(), engine.StartRequest{ID: "t1", SubagentType: "task", Prompt: "x", Async: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	got, err := e.Store().GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Record.State != task.StateFailed || got.Record.Terminal.LastErrorCode != task.CodeAborted {
		t.Fatalf("record = %+v, want failed with task_aborted", got.Record)
	}
}

func TestEngine_SendOutlivedByStartIsNotResumable(t *testing.T) {
	release := make(chan struct{})
	sending := make(chan struct{})
	be := &stubBackend{
		start: func(ctx context.Context, in backend.StartInput) (backend.Result, error) {
			<-release
			return backend.Result{Summary: "done", Output: "final", Route: backend.RouteShell}, nil
		},
		send: func(ctx context.Context, in backend.SendInput) (backend.Result, error) {
			close(sending)
			<-ctx.Done()
			return backend.Result{}, context.Cause(ctx)
		},
	}
	e := newEngine(t, be)
	ctx := context.Background()
	if _, err := e.Start(ctx, engine.StartRequest{ID: "t1", SubagentType: "task", Prompt: "x", Async: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := e.Send(ctx, "t1", "more")
		errc <- err
	}()
	<-sending
	close(release)

	select {
	case err := <-errc:
		requireCode(t, err, task.CodeNotResumable)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after the start finished")
	}
	got, err := e.Store().GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Record.State != task.StateSucceeded || got.Output != "final" {
		t.Fatalf("record = %+v output %q, want the start's success to stand", got.Record, got.Output)
	}
}

func TestEngine_SendCancelledTaskIsAborted(t *testing.T) {
	sending := make(chan struct{})
	be := &stubBackend{
		start: blockUntilAborted(nil),
		send: func(ctx context.Context, in backend.SendInput) (backend.Result, error) {
			close(sending)
			<-ctx.Done()
			return backend.Result{}, context.Cause(ctx)
		},
	}
	e := newEngine(t, be)
	ctx := context.Background()
	if _, err := e.Start(ctx, engine.StartRequest{ID: "t1", SubagentType: "task", Prompt: "x", Async: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		_, err := e.Send(ctx, "t1", "more")
		errc <- err
	}()
	<-sending
	if _, err := e.Cancel("t1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case err := <-errc:
		requireCode(t, err, task.CodeAborted)
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after cancel")
	}
}

func TestEngine_SendUsesStartCwd(t *testing.T) {
	var sent backend.SendInput
	be := &stubBackend{
		start: blockUntilAborted(nil),
		send: func(ctx context.Context, in backend.SendInput) (backend.Result, error) {
			sent = in
			return backend.Result{Summary: "answered"}, nil
		},
	}
	e := newEngine(t, be, func(o *engine.Options) { o.Cwd = "/engine" })
	ctx := context.Background()
	if _, err := e.Start(ctx, engine.StartRequest{ID: "t1", SubagentType: "task", Prompt: "x", Cwd: "/repo/sub", Async: true}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := e.Send(ctx, "t1", "more"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := be.lastStart(t).Cwd; got != "/repo/sub" {
		t.Fatalf("start cwd = %q", got)
	}
	if sent.Cwd != "/repo/sub" {
		t.Fatalf("send cwd = %q, want the start's /repo/sub", sent.Cwd)
	}
}
