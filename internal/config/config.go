package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pi-ohm/pi-ohm-sub001/internal/otel"
	"github.com/pi-ohm/pi-ohm-sub001/internal/profile"
)

// ProviderConfig holds per-provider model session settings.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. a proxy)
}

// LLMConfig names the active model used by the interactive-sdk backend.
type LLMConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

type SubagentsConfig struct {
	// Enabled gates task orchestration as a whole.
	Enabled bool `yaml:"enabled"`
	// Backend is one of none, scaffold, interactive-shell, interactive-sdk,
	// custom-plugin.
	Backend string `yaml:"backend"`
	// Models maps subagent ids to "provider/model" overrides.
	Models          map[string]string `yaml:"models"`
	FallbackToShell bool              `yaml:"fallback_to_shell"`
	MaxConcurrency  int               `yaml:"max_concurrency"`
}

type TasksConfig struct {
	// Persistence is "file" (default) or "sqlite".
	Persistence   string `yaml:"persistence"`
	Path          string `yaml:"path"`
	DebounceMs    int    `yaml:"debounce_ms"`
	MaxEvents     int    `yaml:"max_events"`
	MaxTasks      int    `yaml:"max_tasks"`
	MaxTombstones int    `yaml:"max_tombstones"`
	RetentionMs   int64  `yaml:"retention_ms"`
	// MaintenanceCron schedules store sweeps; empty disables them.
	MaintenanceCron string `yaml:"maintenance_cron"`
}

type ShellConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	GraceMs int      `yaml:"grace_ms"`

	Sandbox         bool   `yaml:"sandbox"`
	SandboxImage    string `yaml:"sandbox_image"`
	SandboxMemoryMB int64  `yaml:"sandbox_memory_mb"`
	SandboxNetwork  string `yaml:"sandbox_network"`
}

type PromptProfilesConfig struct {
	// Rules are merged ahead of the built-in rules.
	Rules []profile.Rule `yaml:"rules"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Subagents SubagentsConfig `yaml:"subagents"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Shell     ShellConfig     `yaml:"shell"`
	LLM       LLMConfig       `yaml:"llm"`

	// Providers holds per-provider configuration (API keys, custom endpoints).
	Providers map[string]ProviderConfig `yaml:"providers"`

	// EnabledModels is the scoped model catalog consulted by the prompt
	// profile resolver, as "provider/model" strings.
	EnabledModels  []string             `yaml:"enabled_models"`
	PromptProfiles PromptProfilesConfig `yaml:"prompt_profiles"`

	OTel otel.Config `yaml:"otel"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the settings that change runtime
// behaviour, used to log reloads.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "enabled=%t|backend=%s|fallback=%t|conc=%d|persist=%s|path=%s|debounce=%d|events=%d|tasks=%d|tombs=%d|retention=%d|log=%s|model=%s/%s",
		c.Subagents.Enabled, c.Subagents.Backend, c.Subagents.FallbackToShell, c.Subagents.MaxConcurrency,
		c.Tasks.Persistence, c.Tasks.Path, c.Tasks.DebounceMs, c.Tasks.MaxEvents, c.Tasks.MaxTasks,
		c.Tasks.MaxTombstones, c.Tasks.RetentionMs, c.LogLevel, c.LLM.Provider, c.LLM.Model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Subagents: SubagentsConfig{
			Enabled:        true,
			Backend:        "interactive-shell",
			MaxConcurrency: 4,
		},
		Tasks: TasksConfig{
			Persistence:   "file",
			DebounceMs:    90,
			MaxEvents:     120,
			MaxTasks:      200,
			MaxTombstones: 500,
			RetentionMs:   24 * 60 * 60 * 1000,
		},
		Shell: ShellConfig{
			GraceMs: 3000,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("OHM_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".pi-ohm")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create ohm home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Subagents.Backend = strings.ToLower(strings.TrimSpace(cfg.Subagents.Backend))
	if cfg.Subagents.MaxConcurrency <= 0 {
		cfg.Subagents.MaxConcurrency = 4
	}
	if len(cfg.Subagents.Models) > 0 {
		models := make(map[string]string, len(cfg.Subagents.Models))
		for id, m := range cfg.Subagents.Models {
			models[strings.ToLower(strings.TrimSpace(id))] = strings.TrimSpace(m)
		}
		cfg.Subagents.Models = models
	}

	cfg.Tasks.Persistence = strings.ToLower(strings.TrimSpace(cfg.Tasks.Persistence))
	if cfg.Tasks.Persistence == "" {
		cfg.Tasks.Persistence = "file"
	}
	if cfg.Tasks.Path == "" {
		name := "tasks.json"
		if cfg.Tasks.Persistence == "sqlite" {
			name = "tasks.db"
		}
		cfg.Tasks.Path = filepath.Join(cfg.HomeDir, name)
	}
	if cfg.Shell.GraceMs <= 0 {
		cfg.Shell.GraceMs = 3000
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	// Normalize legacy provider names.
	switch cfg.LLM.Provider {
	case "gemini":
		cfg.LLM.Provider = "google"
	case "kimi":
		cfg.LLM.Provider = "moonshot"
	}
}

func validate(cfg *Config) error {
	switch cfg.Subagents.Backend {
	case "", "none", "scaffold", "interactive-shell", "interactive-sdk", "custom-plugin":
	default:
		return fmt.Errorf("subagents.backend %q is not one of none, scaffold, interactive-shell, interactive-sdk, custom-plugin", cfg.Subagents.Backend)
	}
	switch cfg.Tasks.Persistence {
	case "file", "sqlite":
	default:
		return fmt.Errorf("tasks.persistence %q must be file or sqlite", cfg.Tasks.Persistence)
	}
	for _, n := range []struct {
		name string
		v    int64
	}{
		{"tasks.debounce_ms", int64(cfg.Tasks.DebounceMs)},
		{"tasks.max_events", int64(cfg.Tasks.MaxEvents)},
		{"tasks.max_tasks", int64(cfg.Tasks.MaxTasks)},
		{"tasks.max_tombstones", int64(cfg.Tasks.MaxTombstones)},
		{"tasks.retention_ms", cfg.Tasks.RetentionMs},
	} {
		if n.v < 0 {
			return fmt.Errorf("%s must not be negative (got %d)", n.name, n.v)
		}
	}
	return nil
}

var providerKeyEnv = map[string]string{
	"google":    "GEMINI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"openai":    "OPENAI_API_KEY",
	"moonshot":  "MOONSHOT_API_KEY",
}

// ProviderAPIKey returns the API key for the given provider, checking env overrides first.
func (c Config) ProviderAPIKey(provider string) string {
	if envVar, ok := providerKeyEnv[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// ProviderEnvVar names the environment variable that carries a provider's key.
func ProviderEnvVar(provider string) string {
	return providerKeyEnv[provider]
}

// KnownProviders lists the providers a key can be configured for.
func KnownProviders() []string {
	return []string{"anthropic", "openai", "google", "moonshot"}
}

// ActiveModel returns the configured "provider/model", or "" when no
// model is set.
func (c Config) ActiveModel() string {
	if c.LLM.Model == "" {
		return ""
	}
	if c.LLM.Provider == "" || strings.Contains(c.LLM.Model, "/") {
		return c.LLM.Model
	}
	return c.LLM.Provider + "/" + c.LLM.Model
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("OHM_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("OHM_SUBAGENTS_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Subagents.Enabled = v
		}
	}
	if raw := os.Getenv("OHM_SUBAGENT_BACKEND"); raw != "" {
		cfg.Subagents.Backend = raw
	}
	if raw := os.Getenv("OHM_SUBAGENT_SDK_FALLBACK_TO_SHELL"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Subagents.FallbackToShell = v
		}
	}
	if raw := os.Getenv("OHM_TASK_PERSIST_DEBOUNCE_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Tasks.DebounceMs = v
		}
	}
	if raw := os.Getenv("OHM_TASK_MAX_EVENTS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Tasks.MaxEvents = v
		}
	}
	if raw := os.Getenv("OHM_TASK_MAX_ENTRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Tasks.MaxTasks = v
		}
	}
	if raw := os.Getenv("OHM_TASK_MAX_TOMBSTONES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Tasks.MaxTombstones = v
		}
	}
	if raw := os.Getenv("OHM_TASK_RETENTION_MS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Tasks.RetentionMs = v
		}
	}
	if raw := os.Getenv("OHM_TASK_STORE_PATH"); raw != "" {
		cfg.Tasks.Path = raw
	}
	if raw := os.Getenv("OHM_LLM_PROVIDER"); raw != "" {
		cfg.LLM.Provider = raw
	}
	if raw := os.Getenv("OHM_LLM_MODEL"); raw != "" {
		cfg.LLM.Model = raw
	}
}
