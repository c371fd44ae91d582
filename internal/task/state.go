// Package task holds the durable task record, its lifecycle state machine,
// the execution event shape, and the error codes shared by the store,
// persistence, and backends.
package task

// State is a task lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// allowedTransitions maps each state to the set of states it may move to.
// Terminal states have no outgoing edges.
var allowedTransitions = map[State]map[State]bool{
	StateQueued: {
		StateRunning:   true,
		StateCancelled: true,
	},
	StateRunning: {
		StateSucceeded: true,
		StateFailed:    true,
		StateCancelled: true,
	},
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateSucceeded, StateFailed, StateCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether s is absorbing.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// CheckTransition returns an illegal_task_state_transition error when
// from -> to is not a legal edge.
func CheckTransition(id string, from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return &Error{
		Code:    CodeIllegalTransition,
		Message: "task " + id + ": illegal transition " + string(from) + " -> " + string(to),
		TaskID:  id,
		From:    from,
		To:      to,
	}
}

// AllStates lists every state in lifecycle order.
func AllStates() []State {
	return []State{StateQueued, StateRunning, StateSucceeded, StateFailed, StateCancelled}
}
