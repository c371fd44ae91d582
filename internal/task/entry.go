package task

import "slices"

// Invocation records how the task was requested.
type Invocation string

const (
	InvocationTaskRouted  Invocation = "task-routed"
	InvocationPrimaryTool Invocation = "primary-tool"
)

// Observability is the backend/model attribution reported for a task.
type Observability struct {
	Provider            string `json:"provider,omitempty"`
	Model               string `json:"model,omitempty"`
	Runtime             string `json:"runtime,omitempty"`
	Route               string `json:"route,omitempty"`
	PromptProfile       string `json:"promptProfile,omitempty"`
	PromptProfileSource string `json:"promptProfileSource,omitempty"`
	PromptProfileReason string `json:"promptProfileReason,omitempty"`
}

// Merge overlays the non-empty fields of next onto o.
func (o Observability) Merge(next Observability) Observability {
	pick := func(cur, nv string) string {
		if nv != "" {
			return nv
		}
		return cur
	}
	return Observability{
		Provider:            pick(o.Provider, next.Provider),
		Model:               pick(o.Model, next.Model),
		Runtime:             pick(o.Runtime, next.Runtime),
		Route:               pick(o.Route, next.Route),
		PromptProfile:       pick(o.PromptProfile, next.PromptProfile),
		PromptProfileSource: pick(o.PromptProfileSource, next.PromptProfileSource),
		PromptProfileReason: pick(o.PromptProfileReason, next.PromptProfileReason),
	}
}

// Entry is the store's working unit: a record plus the derived fields
// that travel with it. Cancellation and execution handles are kept by the
// store in separate maps and never appear here.
type Entry struct {
	Record          Record        `json:"record"`
	Summary         string        `json:"summary"`
	Output          string        `json:"output,omitempty"`
	Backend         string        `json:"backend"`
	Invocation      Invocation    `json:"invocation"`
	Observability   Observability `json:"observability"`
	FollowUpPrompts []string      `json:"followUpPrompts,omitempty"`
	Events          []Event       `json:"events,omitempty"`
}

// Clone returns a copy that shares no slices with e.
func (e Entry) Clone() Entry {
	out := e
	out.FollowUpPrompts = slices.Clone(e.FollowUpPrompts)
	out.Events = slices.Clone(e.Events)
	if e.Record.Terminal != nil {
		t := *e.Record.Terminal
		out.Record.Terminal = &t
	}
	return out
}

// SchemaVersion is the version of the persisted snapshot layout.
const SchemaVersion = 1

// Snapshot is the persisted form of every live entry.
type Snapshot struct {
	SchemaVersion  int     `json:"schemaVersion"`
	SavedAtEpochMs int64   `json:"savedAtEpochMs"`
	Entries        []Entry `json:"entries"`
}
