// Package engine orchestrates subagent tasks: it creates them in the store,
// runs their backend off the caller's goroutine, and drives every lifecycle
// transition from the backend's outcome.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/pi-ohm/pi-ohm-sub001/internal/backend"
	"github.com/pi-ohm/pi-ohm-sub001/internal/catalog"
	"github.com/pi-ohm/pi-ohm-sub001/internal/otel"
	"github.com/pi-ohm/pi-ohm-sub001/internal/shared"
	"github.com/pi-ohm/pi-ohm-sub001/internal/store"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// Options configures an Engine.
type Options struct {
	Store   *store.Store
	Catalog catalog.Finder
	Backend backend.Backend
	// Enabled gates the whole feature; when false every entry point fails
	// with subagents_disabled.
	Enabled bool
	// Models maps subagent ids to "provider/model" overrides.
	Models         map[string]string
	MaxConcurrency int
	Cwd            string

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

// StartRequest asks for a new task.
type StartRequest struct {
	// ID is generated when empty.
	ID           string
	SubagentType string
	Description  string
	Prompt       string
	Cwd          string
	Invocation   task.Invocation
	// Async returns as soon as the task is running; otherwise Start waits
	// for the terminal state.
	Async bool
}

// Engine is safe for concurrent use.
type Engine struct {
	store          *store.Store
	catalog        catalog.Finder
	backend        backend.Backend
	enabled        bool
	models         map[string]string
	maxConcurrency int
	cwd            string

	logger  *slog.Logger
	metrics *otel.Metrics
	tracer  trace.Tracer

	baseCtx  context.Context
	shutdown context.CancelCauseFunc
	wg       sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]taskHandle
}

// taskHandle is what a follow-up needs from the execution it joins.
type taskHandle struct {
	ctx context.Context
	cwd string
}

// errTaskFinished is the cancellation cause of a task context whose start
// execution has returned.
var errTaskFinished = errors.New("task execution finished")

// DefaultMaxConcurrency bounds batch execution when unset.
const DefaultMaxConcurrency = 4

func New(opts Options) *Engine {
	e := &Engine{
		store:          opts.Store,
		catalog:        opts.Catalog,
		backend:        opts.Backend,
		enabled:        opts.Enabled,
		models:         opts.Models,
		maxConcurrency: opts.MaxConcurrency,
		cwd:            opts.Cwd,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		tasks:          make(map[string]taskHandle),
	}
	if e.backend == nil {
		e.backend = &backend.Scaffold{}
	}
	if e.catalog == nil {
		e.catalog = catalog.New(catalog.Builtins()...)
	}
	if e.maxConcurrency <= 0 {
		e.maxConcurrency = DefaultMaxConcurrency
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "engine")
	if e.tracer == nil {
		e.tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	e.baseCtx, e.shutdown = context.WithCancelCause(context.Background())
	return e
}

// Store exposes the task store.
func (e *Engine) Store() *store.Store { return e.store }

// Backend reports the configured backend mode.
func (e *Engine) Backend() backend.Mode { return e.backend.Mode() }

func (e *Engine) checkEnabled() error {
	if e.enabled {
		return nil
	}
	err := task.New(task.CodeSubagentsDisabled, "subagent task orchestration is disabled")
	err.Remediation = "set subagents.enabled: true or OHM_SUBAGENTS_ENABLED=1"
	return err
}

func (e *Engine) lookup(subagent string) (catalog.Definition, error) {
	def, ok := e.catalog.Find(subagent)
	if ok {
		return def, nil
	}
	var known []string
	for _, d := range e.catalog.List() {
		known = append(known, d.ID)
	}
	err := task.Errorf(task.CodeUnknownSubagent, "unknown subagent type %q", subagent)
	if len(known) > 0 {
		err.Remediation = "use one of: " + strings.Join(known, ", ")
	}
	return catalog.Definition{}, err
}

func (e *Engine) modelFor(def catalog.Definition) string {
	if m := strings.TrimSpace(e.models[def.ID]); m != "" {
		return m
	}
	return def.Model
}

// execution is the future bound to a running task.
type execution struct {
	done chan struct{}
}

func (x *execution) Done() <-chan struct{} { return x.done }

// Start creates a task, binds its handles, marks it running and hands it
// to the backend on a new goroutine.
func (e *Engine) Start(ctx context.Context, req StartRequest) (task.Entry, error) {
	if err := e.checkEnabled(); err != nil {
		return task.Entry{}, err
	}
	def, err := e.lookup(req.SubagentType)
	if err != nil {
		return task.Entry{}, err
	}
	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	prompt := req.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = def.DefaultPrompt
	}
	cwd := req.Cwd
	if cwd == "" {
		cwd = e.cwd
	}

	if _, err := e.store.CreateTask(id, def, req.Description, prompt, string(e.backend.Mode()), req.Invocation); err != nil {
		return task.Entry{}, err
	}

	taskCtx, abort := context.WithCancelCause(shared.WithTaskID(e.baseCtx, id))
	exec := &execution{done: make(chan struct{})}
	if err := e.store.SetAbortController(id, abort); err != nil {
		return e.abandonStart(id, abort, exec, err)
	}
	if err := e.store.SetExecution(id, exec); err != nil {
		return e.abandonStart(id, abort, exec, err)
	}
	if _, err := e.store.MarkRunning(id, "Running "+displayName(def)); err != nil {
		return e.abandonStart(id, abort, exec, err)
	}

	e.mu.Lock()
	e.tasks[id] = taskHandle{ctx: taskCtx, cwd: cwd}
	e.mu.Unlock()

	in := backend.StartInput{
		TaskID:      id,
		Subagent:    def,
		Description: req.Description,
		Prompt:      prompt,
		Cwd:         cwd,
		Model:       e.modelFor(def),
	}
	e.bindCallbacks(&in)

	e.logger.Info("task started", "task_id", id, "subagent", def.ID, "backend", string(e.backend.Mode()), "state", string(task.StateRunning))
	if e.metrics != nil {
		attrs := metric.WithAttributes(otel.AttrSubagent.String(def.ID), otel.AttrBackend.String(string(e.backend.Mode())))
		e.metrics.TasksStarted.Add(ctx, 1, attrs)
		e.metrics.ActiveTasks.Add(ctx, 1, attrs)
	}

	e.wg.Add(1)
	go e.execute(taskCtx, abort, exec, in)

	if !req.Async {
		select {
		case <-exec.Done():
		case <-ctx.Done():
		}
	}
	return e.store.GetTask(id)
}

// abandonStart cancels a task whose handles could not be bound after it
// was created, so it never lingers queued. A task that went terminal in
// the meantime keeps its state.
func (e *Engine) abandonStart(id string, abort context.CancelCauseFunc, exec *execution, err error) (task.Entry, error) {
	abort(err)
	close(exec.done)
	if _, cerr := e.store.MarkCancelled(id, "Start abandoned"); cerr != nil {
		e.logger.Debug("abandoned task not cancelled", "task_id", id, "error", cerr)
	}
	e.logger.Warn("task start abandoned", "task_id", id, "error", err)
	return task.Entry{}, err
}

func (e *Engine) bindCallbacks(in *backend.StartInput) {
	id := in.TaskID
	in.OnEvent = func(events []task.Event) {
		if err := e.store.AppendEvents(id, events); err != nil {
			e.logger.Debug("dropped task events", "task_id", id, "error", err)
			return
		}
		if e.metrics != nil {
			e.metrics.EventsAppended.Add(context.Background(), int64(len(events)))
		}
	}
	in.OnObservability = func(obs task.Observability) {
		if err := e.store.UpdateObservability(id, obs); err != nil {
			e.logger.Debug("dropped task observability", "task_id", id, "error", err)
		}
	}
}

func (e *Engine) execute(ctx context.Context, abort context.CancelCauseFunc, exec *execution, in backend.StartInput) {
	defer e.wg.Done()
	defer close(exec.done)
	defer abort(errTaskFinished)
	defer e.forget(in.TaskID)

	mode := string(e.backend.Mode())
	spanCtx, span := otel.StartSpan(ctx, e.tracer, "task.execute",
		otel.AttrTaskID.String(in.TaskID),
		otel.AttrSubagent.String(in.Subagent.ID),
		otel.AttrBackend.String(mode),
	)
	defer span.End()

	start := time.Now()
	res, err := e.backend.ExecuteStart(spanCtx, in)
	elapsed := time.Since(start)

	var final task.Entry
	var markErr error
	if err != nil {
		te := ToTaskError(ctx, in.TaskID, err)
		span.SetStatus(codes.Error, te.Message)
		span.SetAttributes(otel.AttrErrorCode.String(string(te.Code)))
		final, markErr = e.fail(in.TaskID, te)
	} else {
		span.SetAttributes(
			otel.AttrRoute.String(res.Route),
			otel.AttrProvider.String(res.Provider),
			otel.AttrModel.String(res.Model),
		)
		obs := res.Observability()
		final, markErr = e.store.MarkSucceeded(in.TaskID, res.Summary, res.Output, &obs)
	}
	if markErr != nil {
		// Cancelled or evicted while the backend was running; the
		// earlier terminal state stands.
		e.logger.Debug("backend outcome discarded", "task_id", in.TaskID, "error", markErr)
		final, _ = e.store.GetTask(in.TaskID)
	}
	e.recordFinish(in, final, elapsed)
}

func (e *Engine) fail(id string, te *task.Error) (task.Entry, error) {
	cur, err := e.store.GetTask(id)
	if err != nil {
		return task.Entry{}, err
	}
	if cur.Record.IsTerminal() {
		return cur, nil
	}
	msg := te.Message
	if te.Remediation != "" {
		msg += " (" + te.Remediation + ")"
	}
	return e.store.MarkFailed(id, "Failed: "+string(te.Code), te.Code, msg)
}

func (e *Engine) recordFinish(in backend.StartInput, final task.Entry, elapsed time.Duration) {
	rec := final.Record
	code := ""
	if rec.Terminal != nil {
		code = string(rec.Terminal.LastErrorCode)
	}
	level := slog.LevelInfo
	if rec.State == task.StateFailed {
		level = slog.LevelWarn
	}
	e.logger.Log(context.Background(), level, "task finished",
		"task_id", in.TaskID, "subagent", in.Subagent.ID, "backend", string(e.backend.Mode()),
		"state", string(rec.State), "error_code", code, "route", final.Observability.Route,
		"duration_ms", elapsed.Milliseconds())

	if e.metrics == nil {
		return
	}
	ctx := context.Background()
	base := []attribute.KeyValue{otel.AttrSubagent.String(in.Subagent.ID), otel.AttrBackend.String(string(e.backend.Mode()))}
	e.metrics.ActiveTasks.Add(ctx, -1, metric.WithAttributes(base...))
	e.metrics.BackendDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(base...))
	finished := append(base, attribute.String("state", string(rec.State)), otel.AttrErrorCode.String(code))
	e.metrics.TasksFinished.Add(ctx, 1, metric.WithAttributes(finished...))
	if rec.IsTerminal() {
		secs := float64(rec.EndedAt()-rec.StartedAtEpochMs) / 1000
		e.metrics.TaskDuration.Record(ctx, secs, metric.WithAttributes(finished...))
	}
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.tasks, id)
	e.mu.Unlock()
}

func (e *Engine) handle(id string) (taskHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.tasks[id]
	return h, ok
}

// Shutdown aborts every running task and waits for their goroutines, or
// for ctx to end.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.shutdown(task.New(task.CodeAborted, "engine shutting down"))
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func displayName(def catalog.Definition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}
