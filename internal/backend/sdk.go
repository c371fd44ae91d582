package backend

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/pi-ohm/pi-ohm-sub001/internal/profile"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// SessionMessage is one prior turn of a model conversation.
type SessionMessage struct {
	Role string // "user" or "model"
	Text string
}

// SessionRequest is a single streamed model call.
type SessionRequest struct {
	Model    profile.ModelRef
	System   string
	Messages []SessionMessage
	Prompt   string
}

// SessionResult is the final answer of a session call.
type SessionResult struct {
	Text     string
	Provider string
	Model    string
}

// SessionRunner drives a model conversation in process. Implementations
// stream progress through onEvent and stop when ctx ends.
type SessionRunner interface {
	Run(ctx context.Context, req SessionRequest, onEvent func(task.Event)) (SessionResult, error)
}

// SDKOptions configures an SDK backend.
type SDKOptions struct {
	Sessions SessionRunner
	Profiles *profile.Resolver
	// DefaultModel is the active "provider/model" when a task has no
	// override.
	DefaultModel string
	Scoped       []profile.ModelRef
	Env          LookupEnv
	Logger       *slog.Logger
	Now          func() time.Time
}

// SDK runs tasks as in-process model sessions with a provider-tailored
// system prompt.
type SDK struct {
	sessions     SessionRunner
	profiles     *profile.Resolver
	defaultModel string
	scoped       []profile.ModelRef
	env          LookupEnv
	logger       *slog.Logger
	now          func() time.Time
}

func NewSDK(opts SDKOptions) *SDK {
	s := &SDK{
		sessions:     opts.Sessions,
		profiles:     opts.Profiles,
		defaultModel: strings.TrimSpace(opts.DefaultModel),
		scoped:       opts.Scoped,
		env:          opts.Env,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if s.profiles == nil {
		s.profiles = profile.NewResolver()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "sdk_backend")
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *SDK) Mode() Mode { return ModeSDK }

func (s *SDK) ExecuteStart(ctx context.Context, in StartInput) (Result, error) {
	return s.run(ctx, in, nil, in.Prompt, displayName(in.Subagent)+" finished")
}

func (s *SDK) ExecuteSend(ctx context.Context, in SendInput) (Result, error) {
	earlier := in.FollowUps
	if len(earlier) > 0 {
		earlier = earlier[:len(earlier)-1]
	}
	history := []SessionMessage{{Role: "user", Text: TranscriptPrompt(in.Prompt, earlier)}}
	if strings.TrimSpace(in.PriorOutput) != "" {
		history = append(history, SessionMessage{Role: "model", Text: in.PriorOutput})
	}
	return s.run(ctx, in.StartInput, history, in.Latest(), displayName(in.Subagent)+" answered follow-up")
}

// ResolveProfile reports which prompt pack a task would use.
func (s *SDK) ResolveProfile(in StartInput) (profile.ModelRef, profile.Resolution) {
	model := strings.TrimSpace(in.Model)
	if model == "" {
		model = s.defaultModel
	}
	active := profile.ParseModelRef(model)
	res := s.profiles.Resolve(profile.Input{
		Active:          active,
		ExplicitPattern: in.Subagent.Model,
		Scoped:          s.scoped,
	})
	return active, res
}

func (s *SDK) systemPrompt(in StartInput, p profile.Profile) string {
	parts := []string{profile.SystemPrompt(p)}
	if g := strings.TrimSpace(in.Subagent.Guidance); g != "" {
		parts = append(parts, g)
	}
	if in.Cwd != "" {
		parts = append(parts, "Working directory: "+in.Cwd)
	}
	return strings.Join(parts, "\n\n")
}

func (s *SDK) run(ctx context.Context, in StartInput, history []SessionMessage, prompt, fallbackSummary string) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, abortError(ctx, in.TaskID)
	}
	if s.sessions == nil {
		return Result{}, execFailed(in.TaskID, nil, "interactive-sdk backend has no model session configured")
	}
	model, res := s.ResolveProfile(in)
	obs := task.Observability{
		Provider:            model.Provider,
		Model:               model.ID,
		Runtime:             string(ModeSDK),
		Route:               RouteSDK,
		PromptProfile:       string(res.Profile),
		PromptProfileSource: string(res.Source),
		PromptProfileReason: res.Reason,
	}
	in.observe(obs)
	s.logger.Debug("prompt profile resolved", "task_id", in.TaskID, "profile", res.Profile, "source", res.Source, "reason", res.Reason)

	timeout := ResolveTimeout(in.Subagent.ID, s.env)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var streamed []task.Event
	onEvent := func(ev task.Event) {
		if ev.AtEpochMs == 0 {
			ev.AtEpochMs = s.now().UnixMilli()
		}
		streamed = append(streamed, ev)
		in.emit(ev)
	}
	out, err := s.sessions.Run(runCtx, SessionRequest{
		Model:    model,
		System:   s.systemPrompt(in, res.Profile),
		Messages: history,
		Prompt:   prompt,
	}, onEvent)

	switch {
	case ctx.Err() != nil:
		return Result{}, abortError(ctx, in.TaskID)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return Result{}, TimeoutError(in.TaskID, in.Subagent.ID, timeout)
	case err != nil:
		return Result{}, execFailed(in.TaskID, err, "model session failed: %v", err)
	}

	text := strings.TrimSpace(out.Text)
	if out.Provider != "" {
		obs.Provider = out.Provider
	}
	if out.Model != "" {
		obs.Model = out.Model
	}
	return Result{
		Summary:  summarize(text, fallbackSummary),
		Output:   text,
		Provider: obs.Provider,
		Model:    obs.Model,
		Runtime:  obs.Runtime,
		Route:    RouteSDK,
		Events:   streamed,
	}, nil
}
