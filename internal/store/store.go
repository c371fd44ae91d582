// Package store is the authoritative in-memory registry of subagent tasks.
// It guards every mutation with the lifecycle state machine, evicts old
// terminal tasks, and mirrors its contents to a persistence port: at once
// for creation and terminal transitions, through a single debounce timer
// for everything else.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pi-ohm/pi-ohm-sub001/internal/bus"
	"github.com/pi-ohm/pi-ohm-sub001/internal/catalog"
	"github.com/pi-ohm/pi-ohm-sub001/internal/otel"
	"github.com/pi-ohm/pi-ohm-sub001/internal/persistence"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

const (
	DefaultDebounce      = 90 * time.Millisecond
	DefaultMaxTasks      = 200
	DefaultMaxTombstones = 500
	DefaultRetention     = 24 * time.Hour

	saveTimeout = 5 * time.Second

	reasonRetention = "expired by retention policy"
	reasonCapacity  = "evicted by capacity policy"
)

// Options configures a Store. Zero values select the defaults.
type Options struct {
	Port          persistence.Port
	Bus           *bus.Bus
	Logger        *slog.Logger
	Metrics       *otel.Metrics
	Now           func() time.Time
	Debounce      time.Duration
	MaxEvents     int
	MaxTasks      int
	MaxTombstones int
	Retention     time.Duration
	// ReadOnly loads the snapshot as it is and never writes it back:
	// in-flight tasks are not rewritten and every mutation is refused.
	// It serves callers that do not own the snapshot.
	ReadOnly bool
}

// Execution is the in-flight handle of a running backend call.
type Execution interface {
	Done() <-chan struct{}
}

// Diagnostic is a recorded persistence warning.
type Diagnostic struct {
	AtEpochMs int64
	Code      task.Code
	Message   string
}

func (d Diagnostic) String() string {
	return string(d.Code) + ": " + d.Message
}

// Lookup is the per-id result of GetTasks.
type Lookup struct {
	ID           string
	Found        bool
	Entry        task.Entry
	ErrorCode    task.Code
	ErrorMessage string
}

// CancelOutcome reports what MarkCancelled did.
type CancelOutcome struct {
	Entry      task.Entry
	PriorState task.State
	// Applied is false when the task was already terminal.
	Applied bool
}

// Store owns every live task entry. All methods are safe for concurrent
// use; callers still must not race two mutations on the same task id.
type Store struct {
	mu sync.Mutex

	port    persistence.Port
	bus     *bus.Bus
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time

	debounce      time.Duration
	maxEvents     int
	maxTasks      int
	maxTombstones int
	retention     time.Duration
	readOnly      bool

	entries    map[string]*task.Entry
	aborts     map[string]context.CancelCauseFunc
	executions map[string]Execution

	tombstones     map[string]string
	tombstoneOrder []string

	diagnostics []Diagnostic

	timer    *time.Timer
	timerGen uint64
	closed   bool
}

// New builds a Store and hydrates it from opts.Port. Load problems are
// recorded as diagnostics; New never fails.
func New(ctx context.Context, opts Options) *Store {
	s := &Store{
		port:          opts.Port,
		bus:           opts.Bus,
		logger:        opts.Logger,
		metrics:       opts.Metrics,
		now:           opts.Now,
		debounce:      opts.Debounce,
		maxEvents:     opts.MaxEvents,
		maxTasks:      opts.MaxTasks,
		maxTombstones: opts.MaxTombstones,
		retention:     opts.Retention,
		readOnly:      opts.ReadOnly,
		entries:       make(map[string]*task.Entry),
		aborts:        make(map[string]context.CancelCauseFunc),
		executions:    make(map[string]Execution),
		tombstones:    make(map[string]string),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "task_store")
	if s.now == nil {
		s.now = time.Now
	}
	if s.debounce <= 0 {
		s.debounce = DefaultDebounce
	}
	if s.maxEvents <= 0 {
		s.maxEvents = task.DefaultMaxEvents
	}
	if s.maxTasks <= 0 {
		s.maxTasks = DefaultMaxTasks
	}
	if s.maxTombstones <= 0 {
		s.maxTombstones = DefaultMaxTombstones
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.hydrateLocked(ctx)
	return s
}

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

// ReadOnly reports whether the store refuses mutations.
func (s *Store) ReadOnly() bool { return s.readOnly }

func (s *Store) writableLocked(id string) error {
	if !s.readOnly {
		return nil
	}
	e := task.Errorf(task.CodeStoreReadOnly, "task store is read-only; task %s belongs to another process", id)
	e.TaskID = id
	e.Remediation = "run the command again once the owning ohmtask process has exited"
	return e
}

// CreateTask registers a new queued task and persists it immediately.
func (s *Store) CreateTask(id string, def catalog.Definition, description, prompt, backend string, invocation task.Invocation) (task.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(id); err != nil {
		return task.Entry{}, err
	}
	s.sweepLocked()
	if _, exists := s.entries[id]; exists {
		e := task.Errorf(task.CodeDuplicateID, "task %s already exists", id)
		e.TaskID = id
		return task.Entry{}, e
	}
	if invocation == "" {
		invocation = task.InvocationTaskRouted
	}

	now := s.nowMs()
	rec, err := task.NewRecord(task.RecordInit{
		ID:               id,
		SubagentType:     def.ID,
		Description:      description,
		Prompt:           prompt,
		State:            task.StateQueued,
		StartedAtEpochMs: now,
		UpdatedAtEpochMs: now,
	})
	if err != nil {
		return task.Entry{}, err
	}
	name := def.Name
	if name == "" {
		name = def.ID
	}
	entry := &task.Entry{
		Record:     rec,
		Summary:    "Queued " + name,
		Backend:    backend,
		Invocation: invocation,
	}
	s.entries[id] = entry
	s.forgetTombstoneLocked(id)

	s.publishStateLocked(entry, "")
	s.persistNowLocked()
	return entry.Clone(), nil
}

// MarkRunning moves a queued task to running.
func (s *Store) MarkRunning(id, summary string) (task.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, task.StateRunning, func(in *task.RecordInit, e *task.Entry) {
		in.TotalToolCalls = max(in.TotalToolCalls, 1)
		in.ActiveToolCalls = 1
		e.Summary = summary
	})
}

// MarkSucceeded records a successful terminal outcome.
func (s *Store) MarkSucceeded(id, summary, output string, obs *task.Observability) (task.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, task.StateSucceeded, func(_ *task.RecordInit, e *task.Entry) {
		e.Summary = summary
		e.Output = output
		if obs != nil {
			e.Observability = e.Observability.Merge(*obs)
		}
	})
}

// MarkFailed records a failed terminal outcome. An empty message is
// replaced so failed records always explain themselves.
func (s *Store) MarkFailed(id, summary string, code task.Code, message string) (task.Entry, error) {
	if strings.TrimSpace(message) == "" {
		message = fmt.Sprintf("task failed (%s)", code)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(id, task.StateFailed, func(in *task.RecordInit, e *task.Entry) {
		in.LastErrorCode = code
		in.LastErrorMessage = message
		e.Summary = summary
	})
}

// MarkCancelled cancels a queued or running task and signals its abort
// handle. On a terminal task it is a no-op reporting Applied=false.
func (s *Store) MarkCancelled(id, summary string) (CancelOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writableLocked(id); err != nil {
		return CancelOutcome{}, err
	}
	s.sweepLocked()
	entry, err := s.lookupLocked(id)
	if err != nil {
		return CancelOutcome{}, err
	}
	prior := entry.Record.State
	if prior.IsTerminal() {
		return CancelOutcome{Entry: entry.Clone(), PriorState: prior}, nil
	}

	abort := s.aborts[id]
	updated, err := s.transitionLocked(id, task.StateCancelled, func(in *task.RecordInit, e *task.Entry) {
		in.LastErrorCode = task.CodeAborted
		in.LastErrorMessage = "task cancelled"
		e.Summary = summary
	})
	if err != nil {
		return CancelOutcome{}, err
	}
	if abort != nil {
		abort(task.Errorf(task.CodeAborted, "task %s cancelled", id))
	}
	return CancelOutcome{Entry: updated, PriorState: prior, Applied: true}, nil
}

// MarkInteractionRunning records the start of a follow-up interaction on
// a running task.
func (s *Store) MarkInteractionRunning(id, summary, prompt string) (task.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interactLocked(id, func(in *task.RecordInit, e *task.Entry) {
		in.TotalToolCalls++
		in.ActiveToolCalls = 1
		e.FollowUpPrompts = append(e.FollowUpPrompts, prompt)
		e.Summary = summary
	})
}

// MarkInteractionComplete records the end of a follow-up interaction. The
// task stays running.
func (s *Store) MarkInteractionComplete(id, summary, output string, obs *task.Observability) (task.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interactLocked(id, func(in *task.RecordInit, e *task.Entry) {
		in.ActiveToolCalls = 0
		e.Summary = summary
		if output != "" {
			e.Output = output
		}
		if obs != nil {
			e.Observability = e.Observability.Merge(*obs)
		}
	})
}

func (s *Store) interactLocked(id string, mutate func(*task.RecordInit, *task.Entry)) (task.Entry, error) {
	if err := s.writableLocked(id); err != nil {
		return task.Entry{}, err
	}
	s.sweepLocked()
	entry, err := s.lookupLocked(id)
	if err != nil {
		return task.Entry{}, err
	}
	if err := requireRunning(entry); err != nil {
		return task.Entry{}, err
	}
	in := entry.Record.Init()
	in.UpdatedAtEpochMs = max(in.UpdatedAtEpochMs, s.nowMs())
	mutate(&in, entry)
	entry.Record = mustRecord(in)
	s.schedulePersistLocked()
	return entry.Clone(), nil
}

func requireRunning(entry *task.Entry) error {
	rec := entry.Record
	switch {
	case rec.State == task.StateRunning:
		return nil
	case rec.IsTerminal():
		e := task.Errorf(task.CodeNotResumable, "task %s is %s and cannot be resumed", rec.ID, rec.State)
		e.TaskID = rec.ID
		return e
	default:
		e := task.Errorf(task.CodeNotRunning, "task %s is %s, not running", rec.ID, rec.State)
		e.TaskID = rec.ID
		return e
	}
}

// transitionLocked applies one guarded lifecycle edge. mutate may adjust
// the record fields and entry before the record is rebuilt.
func (s *Store) transitionLocked(id string, to task.State, mutate func(*task.RecordInit, *task.Entry)) (task.Entry, error) {
	if err := s.writableLocked(id); err != nil {
		return task.Entry{}, err
	}
	s.sweepLocked()
	entry, err := s.lookupLocked(id)
	if err != nil {
		return task.Entry{}, err
	}
	from := entry.Record.State
	if err := task.CheckTransition(id, from, to); err != nil {
		return task.Entry{}, err
	}

	now := s.nowMs()
	in := entry.Record.Init()
	in.State = to
	in.UpdatedAtEpochMs = max(in.UpdatedAtEpochMs, now)
	if to.IsTerminal() {
		ended := max(in.StartedAtEpochMs, now)
		in.EndedAtEpochMs = &ended
		in.ActiveToolCalls = 0
	}

	next := entry.Clone()
	mutate(&in, &next)
	next.Record = mustRecord(in)
	if to.IsTerminal() {
		next.Events = task.BoundEvents(next.Events, []task.Event{{
			Type:      task.EventTerminal,
			AtEpochMs: now,
			Text:      string(to),
			IsError:   to == task.StateFailed,
		}}, s.maxEvents)
	}
	*entry = next

	s.publishStateLocked(entry, from)
	if to.IsTerminal() {
		delete(s.aborts, id)
		delete(s.executions, id)
		s.publishTerminalLocked(entry)
		s.persistNowLocked()
	} else {
		s.schedulePersistLocked()
	}
	return entry.Clone(), nil
}

// mustRecord rebuilds a record after a guarded mutation. A failure here
// means the store itself broke an invariant.
func mustRecord(in task.RecordInit) task.Record {
	rec, err := task.NewRecord(in)
	if err != nil {
		panic(fmt.Sprintf("task store produced an invalid record: %v", err))
	}
	return rec
}

// UpdateObservability merges backend attribution into a non-terminal task.
func (s *Store) UpdateObservability(id string, obs task.Observability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(id); err != nil {
		return err
	}
	entry, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if entry.Record.IsTerminal() {
		return task.Errorf(task.CodeNotResumable, "task %s is already %s", id, entry.Record.State)
	}
	entry.Observability = entry.Observability.Merge(obs)
	s.schedulePersistLocked()
	return nil
}

// AppendEvents adds normalized events to a non-terminal task, keeping
// only the most recent MaxEvents.
func (s *Store) AppendEvents(id string, events []task.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(id); err != nil {
		return err
	}
	entry, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if entry.Record.IsTerminal() {
		return task.Errorf(task.CodeNotResumable, "task %s is already %s", id, entry.Record.State)
	}
	normalized := task.NormalizeEvents(events, s.nowMs())
	if len(normalized) == 0 {
		return nil
	}
	entry.Events = task.BoundEvents(entry.Events, normalized, s.maxEvents)
	in := entry.Record.Init()
	in.UpdatedAtEpochMs = max(in.UpdatedAtEpochMs, s.nowMs())
	entry.Record = mustRecord(in)
	s.schedulePersistLocked()
	return nil
}

// GetTask returns a copy of one live entry.
func (s *Store) GetTask(id string) (task.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	entry, err := s.lookupLocked(id)
	if err != nil {
		return task.Entry{}, err
	}
	return entry.Clone(), nil
}

// ListTasks returns copies of all live entries ordered by start time.
func (s *Store) ListTasks() []task.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	out := make([]task.Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.Clone())
	}
	slices.SortFunc(out, func(a, b task.Entry) int {
		if a.Record.StartedAtEpochMs != b.Record.StartedAtEpochMs {
			if a.Record.StartedAtEpochMs < b.Record.StartedAtEpochMs {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Record.ID, b.Record.ID)
	})
	return out
}

// GetTasks resolves each id, distinguishing unknown ids from expired ones.
func (s *Store) GetTasks(ids []string) []Lookup {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	out := make([]Lookup, 0, len(ids))
	for _, id := range ids {
		entry, err := s.lookupLocked(id)
		if err != nil {
			out = append(out, Lookup{ID: id, ErrorCode: task.CodeOf(err), ErrorMessage: task.MessageOf(err)})
			continue
		}
		out = append(out, Lookup{ID: id, Found: true, Entry: entry.Clone()})
	}
	return out
}

func (s *Store) lookupLocked(id string) (*task.Entry, error) {
	if entry, ok := s.entries[id]; ok {
		return entry, nil
	}
	if reason, ok := s.tombstones[id]; ok {
		e := task.Errorf(task.CodeExpired, "task %s %s", id, reason)
		e.TaskID = id
		return nil, e
	}
	e := task.Errorf(task.CodeUnknownTask, "unknown task id %s", id)
	e.TaskID = id
	return nil, e
}

// SetAbortController binds the cancellation handle of a non-terminal task.
func (s *Store) SetAbortController(id string, abort context.CancelCauseFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writableLocked(id); err != nil {
		return err
	}
	entry, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if entry.Record.IsTerminal() {
		return task.Errorf(task.CodeNotResumable, "task %s is already %s", id, entry.Record.State)
	}
	s.aborts[id] = abort
	return nil
}

// GetAbortController returns the bound cancellation handle, if any.
func (s *Store) GetAbortController(id string) (context.CancelCauseFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	abort, ok := s.aborts[id]
	return abort, ok
}

// SetExecution binds the in-flight execution handle of a non-terminal task.
func (s *Store) SetExecution(id string, exec Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.lookupLocked(id)
	if err != nil {
		return err
	}
	if entry.Record.IsTerminal() {
		return task.Errorf(task.CodeNotResumable, "task %s is already %s", id, entry.Record.State)
	}
	s.executions[id] = exec
	return nil
}

// GetExecution returns the bound execution handle, if any.
func (s *Store) GetExecution(id string) (Execution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.executions[id]
	return exec, ok
}

// Diagnostics returns a copy of the accumulated persistence warnings.
func (s *Store) Diagnostics() []Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.diagnostics)
}

func (s *Store) addDiagnosticLocked(code task.Code, message string) {
	d := Diagnostic{AtEpochMs: s.nowMs(), Code: code, Message: message}
	s.diagnostics = append(s.diagnostics, d)
	s.logger.Warn("task store diagnostic", "error_code", string(code), "message", message)
	s.bus.Publish(bus.TopicPersistenceWarning, bus.PersistenceWarningEvent{Code: string(code), Message: message})
}

func (s *Store) publishStateLocked(entry *task.Entry, from task.State) {
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:       entry.Record.ID,
		SubagentType: entry.Record.SubagentType,
		OldState:     string(from),
		NewState:     string(entry.Record.State),
	})
}

func (s *Store) publishTerminalLocked(entry *task.Entry) {
	rec := entry.Record
	ev := bus.TaskTerminalEvent{
		TaskID:       rec.ID,
		SubagentType: rec.SubagentType,
		State:        string(rec.State),
		DurationMs:   rec.EndedAt() - rec.StartedAtEpochMs,
	}
	if rec.Terminal != nil {
		ev.ErrorCode = string(rec.Terminal.LastErrorCode)
		ev.ErrorMessage = rec.Terminal.LastErrorMessage
	}
	topic := bus.TopicTaskCompleted
	switch rec.State {
	case task.StateFailed:
		topic = bus.TopicTaskFailed
	case task.StateCancelled:
		topic = bus.TopicTaskCancelled
	}
	s.bus.Publish(topic, ev)
}
