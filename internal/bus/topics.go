package bus

// Task lifecycle topics.
const (
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskCancelled    = "task.cancelled"
	TopicTaskEvicted      = "task.evicted"
	TopicTaskFallback     = "task.fallback"
)

// Persistence topics.
const (
	TopicPersistenceWarning = "persistence.warning"
)

// TaskStateChangedEvent is published on every lifecycle transition,
// including creation (OldState is empty).
type TaskStateChangedEvent struct {
	TaskID       string
	SubagentType string
	OldState     string
	NewState     string
}

// TaskTerminalEvent is published once a task reaches an absorbing state.
type TaskTerminalEvent struct {
	TaskID       string
	SubagentType string
	State        string
	ErrorCode    string
	ErrorMessage string
	DurationMs   int64
}

// TaskEvictedEvent is published when retention or capacity drops a task.
type TaskEvictedEvent struct {
	TaskID string
	Reason string
}

// TaskFallbackEvent is published when an sdk execution is retried through
// the shell backend.
type TaskFallbackEvent struct {
	TaskID    string
	From      string
	To        string
	ErrorCode string
}

// PersistenceWarningEvent mirrors a store diagnostic.
type PersistenceWarningEvent struct {
	Code    string
	Message string
}
