package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pi-ohm/pi-ohm-sub001/internal/shared"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// Default shell invocation: the pi CLI in print mode.
var (
	DefaultShellCommand = "pi"
	DefaultShellArgs    = []string{"--print", "{prompt}"}
)

// ShellOptions configures a Shell backend.
type ShellOptions struct {
	Command string
	// Args are templates; {prompt}, {model}, {subagent} and {description}
	// are substituted. An argument that renders empty is dropped.
	Args   []string
	Runner Runner
	Grace  time.Duration
	Env    LookupEnv
	Logger *slog.Logger
	Now    func() time.Time
}

// Shell runs each task as an external process and streams its stdout.
type Shell struct {
	command string
	args    []string
	runner  Runner
	grace   time.Duration
	env     LookupEnv
	logger  *slog.Logger
	now     func() time.Time
}

// NewShell builds a Shell backend. Zero options select the host runner
// and the default pi invocation.
func NewShell(opts ShellOptions) *Shell {
	s := &Shell{
		command: strings.TrimSpace(opts.Command),
		args:    opts.Args,
		runner:  opts.Runner,
		grace:   opts.Grace,
		env:     opts.Env,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if s.command == "" {
		s.command = DefaultShellCommand
		if len(s.args) == 0 {
			s.args = DefaultShellArgs
		}
	}
	if s.runner == nil {
		s.runner = HostRunner{}
	}
	if s.grace <= 0 {
		s.grace = DefaultGrace
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "shell_backend")
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Shell) Mode() Mode { return ModeShell }

func (s *Shell) ExecuteStart(ctx context.Context, in StartInput) (Result, error) {
	return s.run(ctx, in, in.Prompt, displayName(in.Subagent)+" finished")
}

func (s *Shell) ExecuteSend(ctx context.Context, in SendInput) (Result, error) {
	return s.run(ctx, in.StartInput, TranscriptPrompt(in.Prompt, in.FollowUps), displayName(in.Subagent)+" answered follow-up")
}

// TranscriptPrompt renders the original prompt followed by numbered
// follow-ups, so a stateless process sees the whole conversation.
func TranscriptPrompt(original string, followUps []string) string {
	var b strings.Builder
	b.WriteString("Original task:\n")
	b.WriteString(strings.TrimSpace(original))
	for i, f := range followUps {
		fmt.Fprintf(&b, "\n\nFollow-up %d:\n%s", i+1, strings.TrimSpace(f))
	}
	if len(followUps) > 0 {
		b.WriteString("\n\nAnswer the latest follow-up.")
	}
	return b.String()
}

func (s *Shell) argv(in StartInput, prompt string) []string {
	vars := strings.NewReplacer(
		"{prompt}", prompt,
		"{model}", in.Model,
		"{subagent}", in.Subagent.ID,
		"{description}", in.Description,
	)
	argv := []string{s.command}
	for _, a := range s.args {
		if r := vars.Replace(a); r != "" {
			argv = append(argv, r)
		}
	}
	return argv
}

func (s *Shell) run(ctx context.Context, in StartInput, prompt, fallbackSummary string) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, abortError(ctx, in.TaskID)
	}
	timeout := ResolveTimeout(in.Subagent.ID, s.env)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	in.observe(task.Observability{Runtime: string(ModeShell), Route: RouteShell})

	spec := ProcessSpec{
		Argv:  s.argv(in, prompt),
		Dir:   in.Cwd,
		Grace: s.grace,
		Env: []string{
			"OHM_TASK_ID=" + in.TaskID,
			"OHM_SUBAGENT_ID=" + in.Subagent.ID,
			"OHM_SUBAGENT_MODEL=" + in.Model,
		},
	}
	var streamed []task.Event
	onLine := func(line string) {
		if strings.TrimSpace(line) == "" || metaLine.MatchString(line) {
			return
		}
		ev := task.Event{Type: task.EventAssistantText, AtEpochMs: s.now().UnixMilli(), Text: line}
		streamed = append(streamed, ev)
		in.emit(ev)
	}

	start := s.now()
	res, err := s.runner.Run(runCtx, spec, onLine)
	s.logger.Debug("shell backend process finished",
		"task_id", in.TaskID, "exit_code", res.ExitCode, "duration_ms", s.now().Sub(start).Milliseconds(), "error", err)

	switch {
	case ctx.Err() != nil:
		return Result{}, abortError(ctx, in.TaskID)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return Result{}, TimeoutError(in.TaskID, in.Subagent.ID, timeout)
	case err != nil:
		return Result{}, execFailed(in.TaskID, err, "shell backend could not run %s: %s", s.command, shared.Redact(err.Error()))
	case res.ExitCode != 0:
		return Result{}, execFailed(in.TaskID, nil, "shell backend exited with status %d: %s", res.ExitCode, tail(shared.Redact(res.Stderr), 400))
	}

	body, meta := NormalizeOutput(res.Stdout)
	provider, model := meta.Provider, meta.Model
	if provider == "" && model == "" && in.Model != "" {
		if p, m, ok := strings.Cut(in.Model, "/"); ok {
			provider, model = p, m
		} else {
			model = in.Model
		}
	}
	runtime := meta.Runtime
	if runtime == "" {
		runtime = string(ModeShell)
	}
	return Result{
		Summary:  summarize(body, fallbackSummary),
		Output:   body,
		Provider: provider,
		Model:    model,
		Runtime:  runtime,
		Route:    RouteShell,
		Events:   streamed,
	}, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "no stderr output"
	}
	if r := []rune(s); len(r) > n {
		return "..." + string(r[len(r)-n:])
	}
	return s
}
