package backend

import (
	"context"

	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// Plugin stands in for the custom-plugin mode, which this engine does not
// execute. Every call fails with unsupported_subagent_backend.
type Plugin struct{}

func (Plugin) Mode() Mode { return ModePlugin }

func (Plugin) ExecuteStart(_ context.Context, in StartInput) (Result, error) {
	return Result{}, unsupported(in.TaskID)
}

func (Plugin) ExecuteSend(_ context.Context, in SendInput) (Result, error) {
	return Result{}, unsupported(in.TaskID)
}

func unsupported(taskID string) *task.Error {
	e := task.Errorf(task.CodeUnsupportedBackend, "subagent backend %q is not supported by this engine", ModePlugin)
	e.TaskID = taskID
	e.Remediation = "set subagents.backend to interactive-shell, interactive-sdk or none"
	return e
}
