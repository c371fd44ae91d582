package task

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Terminal carries the fields that exist only once a task has reached an
// absorbing state.
type Terminal struct {
	EndedAtEpochMs   int64
	LastErrorCode    Code
	LastErrorMessage string
}

// Record is the validated, durable state of one task. Values are built
// only through NewRecord (or decoded through it) so the active/terminal
// invariants always hold.
type Record struct {
	ID           string
	SubagentType string
	Description  string
	Prompt       string

	State           State
	TotalToolCalls  int
	ActiveToolCalls int

	StartedAtEpochMs int64
	UpdatedAtEpochMs int64

	// Terminal is nil while queued or running.
	Terminal *Terminal
}

// RecordInit is the raw input to NewRecord.
type RecordInit struct {
	ID               string
	SubagentType     string
	Description      string
	Prompt           string
	State            State
	TotalToolCalls   int
	ActiveToolCalls  int
	StartedAtEpochMs int64
	UpdatedAtEpochMs int64
	EndedAtEpochMs   *int64
	LastErrorCode    Code
	LastErrorMessage string
}

// NewRecord validates in and returns the matching active or terminal record.
func NewRecord(in RecordInit) (Record, error) {
	invalid := func(format string, args ...any) (Record, error) {
		e := Errorf(CodeInvalidRecord, format, args...)
		e.TaskID = in.ID
		return Record{}, e
	}

	if strings.TrimSpace(in.ID) == "" {
		return invalid("id is required")
	}
	if strings.TrimSpace(in.SubagentType) == "" {
		return invalid("task %s: subagentType is required", in.ID)
	}
	if !in.State.Valid() {
		return invalid("task %s: unknown state %q", in.ID, in.State)
	}
	if in.TotalToolCalls < 0 || in.ActiveToolCalls < 0 {
		return invalid("task %s: tool call counters must be non-negative", in.ID)
	}
	if in.StartedAtEpochMs < 0 {
		return invalid("task %s: startedAtEpochMs must be non-negative", in.ID)
	}
	if in.UpdatedAtEpochMs < in.StartedAtEpochMs {
		return invalid("task %s: updatedAtEpochMs precedes startedAtEpochMs", in.ID)
	}

	rec := Record{
		ID:               in.ID,
		SubagentType:     in.SubagentType,
		Description:      in.Description,
		Prompt:           in.Prompt,
		State:            in.State,
		TotalToolCalls:   in.TotalToolCalls,
		ActiveToolCalls:  in.ActiveToolCalls,
		StartedAtEpochMs: in.StartedAtEpochMs,
		UpdatedAtEpochMs: in.UpdatedAtEpochMs,
	}

	if !in.State.IsTerminal() {
		if in.EndedAtEpochMs != nil || in.LastErrorCode != "" || in.LastErrorMessage != "" {
			return invalid("task %s: %s record carries terminal fields", in.ID, in.State)
		}
		return rec, nil
	}

	if in.EndedAtEpochMs == nil {
		return invalid("task %s: %s record requires endedAtEpochMs", in.ID, in.State)
	}
	if *in.EndedAtEpochMs < in.StartedAtEpochMs {
		return invalid("task %s: endedAtEpochMs precedes startedAtEpochMs", in.ID)
	}
	if in.ActiveToolCalls != 0 {
		return invalid("task %s: %s record has active tool calls", in.ID, in.State)
	}
	if in.State == StateFailed && strings.TrimSpace(in.LastErrorMessage) == "" {
		return invalid("task %s: failed record requires lastErrorMessage", in.ID)
	}
	rec.Terminal = &Terminal{
		EndedAtEpochMs:   *in.EndedAtEpochMs,
		LastErrorCode:    in.LastErrorCode,
		LastErrorMessage: in.LastErrorMessage,
	}
	return rec, nil
}

// Init returns the raw fields of r, suitable for modifying and passing
// back through NewRecord.
func (r Record) Init() RecordInit {
	in := RecordInit{
		ID:               r.ID,
		SubagentType:     r.SubagentType,
		Description:      r.Description,
		Prompt:           r.Prompt,
		State:            r.State,
		TotalToolCalls:   r.TotalToolCalls,
		ActiveToolCalls:  r.ActiveToolCalls,
		StartedAtEpochMs: r.StartedAtEpochMs,
		UpdatedAtEpochMs: r.UpdatedAtEpochMs,
	}
	if r.Terminal != nil {
		ended := r.Terminal.EndedAtEpochMs
		in.EndedAtEpochMs = &ended
		in.LastErrorCode = r.Terminal.LastErrorCode
		in.LastErrorMessage = r.Terminal.LastErrorMessage
	}
	return in
}

// Validate re-runs the smart constructor over r.
func (r Record) Validate() error {
	_, err := NewRecord(r.Init())
	return err
}

// IsTerminal reports whether the record is in an absorbing state.
func (r Record) IsTerminal() bool { return r.State.IsTerminal() }

// EndedAt returns endedAtEpochMs, or 0 for active records.
func (r Record) EndedAt() int64 {
	if r.Terminal == nil {
		return 0
	}
	return r.Terminal.EndedAtEpochMs
}

type recordJSON struct {
	ID               string `json:"id"`
	SubagentType     string `json:"subagentType"`
	Description      string `json:"description"`
	Prompt           string `json:"prompt"`
	State            State  `json:"state"`
	TotalToolCalls   int    `json:"totalToolCalls"`
	ActiveToolCalls  int    `json:"activeToolCalls"`
	StartedAtEpochMs int64  `json:"startedAtEpochMs"`
	UpdatedAtEpochMs int64  `json:"updatedAtEpochMs"`
	EndedAtEpochMs   *int64 `json:"endedAtEpochMs,omitempty"`
	LastErrorCode    Code   `json:"lastErrorCode,omitempty"`
	LastErrorMessage string `json:"lastErrorMessage,omitempty"`
}

func (r Record) MarshalJSON() ([]byte, error) {
	in := r.Init()
	return json.Marshal(recordJSON{
		ID:               in.ID,
		SubagentType:     in.SubagentType,
		Description:      in.Description,
		Prompt:           in.Prompt,
		State:            in.State,
		TotalToolCalls:   in.TotalToolCalls,
		ActiveToolCalls:  in.ActiveToolCalls,
		StartedAtEpochMs: in.StartedAtEpochMs,
		UpdatedAtEpochMs: in.UpdatedAtEpochMs,
		EndedAtEpochMs:   in.EndedAtEpochMs,
		LastErrorCode:    in.LastErrorCode,
		LastErrorMessage: in.LastErrorMessage,
	})
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw recordJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode task record: %w", err)
	}
	rec, err := NewRecord(RecordInit(raw))
	if err != nil {
		return err
	}
	*r = rec
	return nil
}
