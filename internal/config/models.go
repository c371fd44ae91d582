package config

import (
	"os"

	"github.com/pi-ohm/pi-ohm-sub001/internal/profile"
)

var defaultScopedModels = map[string][]string{
	"google":    {"gemini-2.5-pro", "gemini-2.5-flash"},
	"anthropic": {"claude-sonnet-4-5", "claude-haiku-4-5"},
	"openai":    {"gpt-4o", "gpt-4o-mini"},
	"moonshot":  {"kimi-k2"},
}

// ScopedModels returns the enabled-model catalog for prompt profile
// resolution: enabled_models when configured, otherwise the stock models
// of every provider with a key in the environment or config.
func (c Config) ScopedModels() []profile.ModelRef {
	var out []profile.ModelRef
	if len(c.EnabledModels) > 0 {
		for _, m := range c.EnabledModels {
			if ref := profile.ParseModelRef(m); ref.ID != "" {
				out = append(out, ref)
			}
		}
		return out
	}
	for _, provider := range KnownProviders() {
		if os.Getenv(providerKeyEnv[provider]) == "" && c.Providers[provider].APIKey == "" {
			continue
		}
		for _, id := range defaultScopedModels[provider] {
			out = append(out, profile.ModelRef{Provider: provider, ID: id})
		}
	}
	return out
}
