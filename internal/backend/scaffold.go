package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// Scaffold answers deterministically without an external call. It backs
// the "none" mode and tests.
type Scaffold struct {
	Now func() time.Time
}

func (s *Scaffold) Mode() Mode { return ModeScaffold }

func (s *Scaffold) ExecuteStart(ctx context.Context, in StartInput) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, abortError(ctx, in.TaskID)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "subagent: %s\n", in.Subagent.ID)
	fmt.Fprintf(&b, "description: %s\n", strings.TrimSpace(in.Description))
	fmt.Fprintf(&b, "prompt: %s\n", strings.TrimSpace(in.Prompt))
	b.WriteString("\nThe scaffold backend does not run a model. Configure subagents.backend to execute this task.")
	return s.result(in, displayName(in.Subagent)+" scaffold run complete", b.String()), nil
}

func (s *Scaffold) ExecuteSend(ctx context.Context, in SendInput) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, abortError(ctx, in.TaskID)
	}
	out := fmt.Sprintf("follow-up %d for %s: %s", len(in.FollowUps), in.Subagent.ID, strings.TrimSpace(in.Latest()))
	return s.result(in.StartInput, displayName(in.Subagent)+" scaffold follow-up complete", out), nil
}

func (s *Scaffold) result(in StartInput, summary, output string) Result {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	res := Result{
		Summary: summary,
		Output:  output,
		Runtime: string(ModeScaffold),
		Route:   RouteScaffold,
		Events:  []task.Event{{Type: task.EventAssistantText, AtEpochMs: now().UnixMilli(), Text: output}},
	}
	in.observe(res.Observability())
	in.emit(res.Events...)
	return res
}
