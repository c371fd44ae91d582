package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// DefaultMoonshotBaseURL is the OpenAI-compatible Moonshot endpoint.
const DefaultMoonshotBaseURL = "https://api.moonshot.ai/v1"

// ProviderCredentials configures one model provider.
type ProviderCredentials struct {
	APIKey  string
	BaseURL string
}

// GenkitSessions runs model sessions through genkit. Only providers with
// an API key are registered.
type GenkitSessions struct {
	g         *genkit.Genkit
	providers map[string]bool
	logger    *slog.Logger
}

// NewGenkitSessions registers a genkit plugin per configured provider:
// anthropic, openai, moonshot (through the OpenAI-compatible plugin) and
// google.
func NewGenkitSessions(ctx context.Context, creds map[string]ProviderCredentials, logger *slog.Logger) *GenkitSessions {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "genkit_sessions")

	enabled := map[string]bool{}
	var plugins []api.Plugin
	for _, name := range sortedKeys(creds) {
		c := creds[name]
		key := strings.TrimSpace(c.APIKey)
		if key == "" {
			continue
		}
		switch name {
		case "anthropic":
			plugins = append(plugins, &anthropic.Anthropic{APIKey: key, BaseURL: c.BaseURL})
		case "openai":
			plugins = append(plugins, &compat_oai.OpenAICompatible{Provider: "openai", APIKey: key, BaseURL: c.BaseURL})
		case "moonshot":
			base := c.BaseURL
			if base == "" {
				base = DefaultMoonshotBaseURL
			}
			plugins = append(plugins, &compat_oai.OpenAICompatible{Provider: "moonshot", APIKey: key, BaseURL: base})
		case "google":
			if os.Getenv("GEMINI_API_KEY") == "" {
				_ = os.Setenv("GEMINI_API_KEY", key)
			}
			plugins = append(plugins, &googlegenai.GoogleAI{})
		default:
			logger.Warn("unsupported model provider ignored", "provider", name)
			continue
		}
		enabled[name] = true
	}

	var g *genkit.Genkit
	if len(plugins) > 0 {
		g = genkit.Init(ctx, genkit.WithPlugins(plugins...))
	} else {
		g = genkit.Init(ctx)
		logger.Warn("no model provider API keys configured; interactive-sdk tasks will fail")
	}
	logger.Info("genkit sessions initialized", "providers", sortedKeys(enabled))
	return &GenkitSessions{g: g, providers: enabled, logger: logger}
}

// Providers lists the providers that have a registered plugin.
func (s *GenkitSessions) Providers() []string {
	return sortedKeys(s.providers)
}

// modelName maps a provider/model pair to its genkit model name.
func modelName(provider, id string) (string, error) {
	provider = normalizeProvider(provider)
	if id == "" {
		return "", fmt.Errorf("no model configured")
	}
	switch provider {
	case "anthropic", "openai", "moonshot":
		return provider + "/" + id, nil
	case "google":
		return "googleai/" + id, nil
	case "":
		return "", fmt.Errorf("model %q has no provider", id)
	default:
		return "", fmt.Errorf("unsupported model provider %q", provider)
	}
}

func (s *GenkitSessions) Run(ctx context.Context, req SessionRequest, onEvent func(task.Event)) (SessionResult, error) {
	provider := normalizeProvider(req.Model.Provider)
	if !s.providers[provider] {
		return SessionResult{}, fmt.Errorf("provider %q is not configured (set its API key)", req.Model.Provider)
	}
	name, err := modelName(req.Model.Provider, req.Model.ID)
	if err != nil {
		return SessionResult{}, err
	}

	// ai.WithSystem formats its argument.
	system := strings.ReplaceAll(req.System, "%", "%%")
	opts := []ai.GenerateOption{
		ai.WithModelName(name),
		ai.WithSystem(system),
		ai.WithPrompt(req.Prompt),
	}
	if msgs := toMessages(req.Messages); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}

	var text strings.Builder
	var doneText string
	for streamVal, err := range genkit.GenerateStream(ctx, s.g, opts...) {
		if err != nil {
			return SessionResult{}, fmt.Errorf("stream error: %w", err)
		}
		if streamVal.Chunk != nil {
			for _, part := range streamVal.Chunk.Content {
				if ev, ok := partEvent(part); ok {
					onEvent(ev)
				}
				if part.Kind == ai.PartText {
					text.WriteString(part.Text)
				}
			}
		}
		if streamVal.Done && streamVal.Response != nil {
			doneText = streamVal.Response.Text()
		}
	}

	out := text.String()
	if strings.TrimSpace(out) == "" {
		out = doneText
	}
	return SessionResult{Text: out, Provider: provider, Model: req.Model.ID}, nil
}

func partEvent(part *ai.Part) (task.Event, bool) {
	switch {
	case part == nil:
		return task.Event{}, false
	case part.Kind == ai.PartText && strings.TrimSpace(part.Text) != "":
		return task.Event{Type: task.EventAssistantText, Text: part.Text}, true
	case part.Kind == ai.PartToolRequest && part.ToolRequest != nil:
		return task.Event{Type: task.EventToolStart, ToolName: part.ToolRequest.Name, ToolCallID: part.ToolRequest.Ref}, true
	case part.Kind == ai.PartToolResponse && part.ToolResponse != nil:
		return task.Event{Type: task.EventToolEnd, ToolName: part.ToolResponse.Name, ToolCallID: part.ToolResponse.Ref}, true
	}
	return task.Event{}, false
}

func toMessages(history []SessionMessage) []*ai.Message {
	out := make([]*ai.Message, 0, len(history))
	for _, m := range history {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		role := ai.RoleUser
		if m.Role == "model" {
			role = ai.RoleModel
		}
		out = append(out, &ai.Message{Role: role, Content: []*ai.Part{ai.NewTextPart(m.Text)}})
	}
	return out
}

func normalizeProvider(p string) string {
	switch p = strings.ToLower(strings.TrimSpace(p)); p {
	case "googleai", "gemini":
		return "google"
	}
	return p
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
