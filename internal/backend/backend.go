// Package backend runs a task's prompt. Each backend turns a start or a
// follow-up send into a Result, reporting failures as *task.Error values
// carrying one of the execution codes.
package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pi-ohm/pi-ohm-sub001/internal/catalog"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// Mode identifies a backend.
type Mode string

const (
	ModeNone     Mode = "none"
	ModeScaffold Mode = "scaffold"
	ModeShell    Mode = "interactive-shell"
	ModeSDK      Mode = "interactive-sdk"
	ModePlugin   Mode = "custom-plugin"
)

// ParseMode normalizes a configured backend name. "none" and the empty
// string select the scaffold backend.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeNone, ModeScaffold:
		return ModeScaffold, nil
	case ModeShell, ModeSDK, ModePlugin:
		return m, nil
	default:
		return "", fmt.Errorf("unknown subagent backend %q", s)
	}
}

// Route strings reported in Result.Route.
const (
	RouteScaffold = "scaffold"
	RouteShell    = "interactive-shell"
	RouteSDK      = "interactive-sdk"
	RouteFallback = "interactive-sdk->interactive-shell"
)

// EventFunc receives progress events while a backend runs.
type EventFunc func([]task.Event)

// ObservabilityFunc receives attribution as soon as a backend knows it.
type ObservabilityFunc func(task.Observability)

// StartInput describes the first execution of a task.
type StartInput struct {
	TaskID      string
	Subagent    catalog.Definition
	Description string
	Prompt      string
	Cwd         string
	// Model is an optional "provider/model" override.
	Model string

	OnEvent         EventFunc
	OnObservability ObservabilityFunc
}

func (in StartInput) emit(events ...task.Event) {
	if in.OnEvent != nil && len(events) > 0 {
		in.OnEvent(events)
	}
}

func (in StartInput) observe(obs task.Observability) {
	if in.OnObservability != nil {
		in.OnObservability(obs)
	}
}

// SendInput describes a follow-up interaction. Prompt is the original task
// prompt; FollowUps holds every follow-up so far, newest last.
type SendInput struct {
	StartInput
	FollowUps []string
	// PriorOutput is the task's latest output, if any.
	PriorOutput string
}

// Latest returns the newest follow-up prompt.
func (in SendInput) Latest() string {
	if len(in.FollowUps) == 0 {
		return ""
	}
	return in.FollowUps[len(in.FollowUps)-1]
}

// Result is what a backend reports for a finished execution.
type Result struct {
	Summary  string
	Output   string
	Provider string
	Model    string
	Runtime  string
	Route    string
	Events   []task.Event
}

// Observability extracts the attribution fields of r.
func (r Result) Observability() task.Observability {
	return task.Observability{
		Provider: r.Provider,
		Model:    r.Model,
		Runtime:  r.Runtime,
		Route:    r.Route,
	}
}

// Backend executes tasks. ctx is the task's abort signal; a backend must
// return promptly once it is done.
type Backend interface {
	Mode() Mode
	ExecuteStart(ctx context.Context, in StartInput) (Result, error)
	ExecuteSend(ctx context.Context, in SendInput) (Result, error)
}

// abortError converts a cancelled task context into a task_aborted error,
// reusing the cancel cause when it already carries one.
func abortError(ctx context.Context, taskID string) *task.Error {
	var te *task.Error
	if cause := context.Cause(ctx); errors.As(cause, &te) && te.Code == task.CodeAborted {
		return te
	}
	e := task.Errorf(task.CodeAborted, "task %s aborted", taskID)
	e.TaskID = taskID
	e.Cause = context.Cause(ctx)
	return e
}

func execFailed(taskID string, cause error, format string, args ...any) *task.Error {
	e := task.Errorf(task.CodeBackendFailed, format, args...)
	e.TaskID = taskID
	e.Cause = cause
	return e
}

// summarize returns the first non-empty line of text, shortened.
func summarize(text, fallback string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 120 {
			line = string(r[:117]) + "..."
		}
		return line
	}
	return fallback
}

func displayName(def catalog.Definition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}
