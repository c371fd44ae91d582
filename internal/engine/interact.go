package engine

import (
	"context"
	"errors"
	"time"

	"github.com/pi-ohm/pi-ohm-sub001/internal/backend"
	"github.com/pi-ohm/pi-ohm-sub001/internal/otel"
	"github.com/pi-ohm/pi-ohm-sub001/internal/store"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// WaitResult is what Wait observed.
type WaitResult struct {
	Lookups  []store.Lookup
	TimedOut bool
}

// Status resolves ids in request order. Missing and evicted ids are
// reported per id rather than failing the call.
func (e *Engine) Status(ids []string) ([]store.Lookup, error) {
	if err := e.checkEnabled(); err != nil {
		return nil, err
	}
	return e.store.GetTasks(ids), nil
}

// List returns every live task.
func (e *Engine) List() ([]task.Entry, error) {
	if err := e.checkEnabled(); err != nil {
		return nil, err
	}
	return e.store.ListTasks(), nil
}

// Wait blocks until every id with a bound execution has finished, the
// timeout elapses, or ctx ends. A zero timeout waits without limit.
func (e *Engine) Wait(ctx context.Context, ids []string, timeout time.Duration) (WaitResult, error) {
	if err := e.checkEnabled(); err != nil {
		return WaitResult{}, err
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	timedOut := false
wait:
	for _, id := range ids {
		exec, ok := e.store.GetExecution(id)
		if !ok {
			continue
		}
		select {
		case <-exec.Done():
		case <-expired:
			timedOut = true
			break wait
		case <-ctx.Done():
			timedOut = true
			break wait
		}
	}
	return WaitResult{Lookups: e.store.GetTasks(ids), TimedOut: timedOut}, nil
}

// Send delivers a follow-up prompt to a running task and waits for the
// backend's answer. The task stays running afterwards.
func (e *Engine) Send(ctx context.Context, id, prompt string) (task.Entry, error) {
	if err := e.checkEnabled(); err != nil {
		return task.Entry{}, err
	}
	cur, err := e.store.GetTask(id)
	if err != nil {
		return task.Entry{}, err
	}
	def, err := e.lookup(cur.Record.SubagentType)
	if err != nil {
		return task.Entry{}, err
	}
	// Taken before the interaction is marked so a start that returns in
	// between still cancels this follow-up.
	h, ok := e.handle(id)
	if !ok {
		h = taskHandle{ctx: e.baseCtx, cwd: e.cwd}
	}
	entry, err := e.store.MarkInteractionRunning(id, "Follow-up for "+displayName(def), prompt)
	if err != nil {
		return task.Entry{}, err
	}

	sendCtx, stop := mergeCancel(h.ctx, ctx)
	defer stop()

	in := backend.SendInput{
		StartInput: backend.StartInput{
			TaskID:      id,
			Subagent:    def,
			Description: entry.Record.Description,
			Prompt:      entry.Record.Prompt,
			Cwd:         h.cwd,
			Model:       e.modelFor(def),
		},
		FollowUps:   entry.FollowUpPrompts,
		PriorOutput: cur.Output,
	}
	e.bindCallbacks(&in.StartInput)

	spanCtx, span := otel.StartSpan(sendCtx, e.tracer, "task.send",
		otel.AttrTaskID.String(id),
		otel.AttrSubagent.String(def.ID),
		otel.AttrBackend.String(string(e.backend.Mode())),
	)
	defer span.End()

	res, err := e.backend.ExecuteSend(spanCtx, in)
	if err != nil {
		te := ToTaskError(sendCtx, id, err)
		if errors.Is(context.Cause(sendCtx), errTaskFinished) {
			te = task.Errorf(task.CodeNotResumable, "task %s finished before the follow-up was answered", id)
			te.TaskID = id
			te.Cause = err
		}
		span.SetAttributes(otel.AttrErrorCode.String(string(te.Code)))
		_ = e.store.AppendEvents(id, []task.Event{{Type: task.EventAssistantText, Text: te.Message, IsError: true}})
		if _, cerr := e.store.MarkInteractionComplete(id, "Follow-up failed: "+string(te.Code), "", nil); cerr != nil {
			e.logger.Debug("follow-up completion dropped", "task_id", id, "error", cerr)
		}
		e.logger.Warn("follow-up failed", "task_id", id, "error_code", string(te.Code), "error", te.Message)
		return task.Entry{}, te
	}
	obs := res.Observability()
	return e.store.MarkInteractionComplete(id, res.Summary, res.Output, &obs)
}

// Cancel stops a queued or running task. Cancelling a terminal task is a
// no-op with Applied=false.
func (e *Engine) Cancel(id string) (store.CancelOutcome, error) {
	if err := e.checkEnabled(); err != nil {
		return store.CancelOutcome{}, err
	}
	out, err := e.store.MarkCancelled(id, "Cancelled")
	if err != nil {
		return out, err
	}
	if out.Applied {
		e.logger.Info("task cancelled", "task_id", id, "prior_state", string(out.PriorState))
	}
	return out, nil
}

// Diagnostics returns the store's persistence warnings.
func (e *Engine) Diagnostics() []store.Diagnostic {
	return e.store.Diagnostics()
}

// mergeCancel returns a context that carries a's values and cause and is
// also cancelled when b ends.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(a)
	stop := context.AfterFunc(b, func() { cancel(context.Cause(b)) })
	return ctx, func() {
		stop()
		cancel(nil)
	}
}
