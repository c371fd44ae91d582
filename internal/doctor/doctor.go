package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pi-ohm/pi-ohm-sub001/internal/backend"
	"github.com/pi-ohm/pi-ohm-sub001/internal/config"
	"github.com/pi-ohm/pi-ohm-sub001/internal/persistence"
	"github.com/pi-ohm/pi-ohm-sub001/internal/profile"
	"github.com/pi-ohm/pi-ohm-sub001/internal/shared"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Pinger is satisfied by the docker sandbox runner.
type Pinger interface {
	Ping(ctx context.Context) error
}

// sandboxPinger is swapped in tests.
var sandboxPinger = func(cfg *config.Config) (Pinger, error) {
	return backend.NewDockerRunner(cfg.Shell.SandboxImage, cfg.Shell.SandboxMemoryMB, cfg.Shell.SandboxNetwork, cfg.HomeDir)
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkPersistence,
		checkBackend,
		checkSandbox,
		checkPromptProfile,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if !cfg.Subagents.Enabled {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "Subagents are disabled",
			Detail:  "Set subagents.enabled: true or OHM_SUBAGENTS_ENABLED=1",
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("backend=%s fingerprint=%s", cfg.Subagents.Backend, cfg.Fingerprint()),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkPersistence(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Persistence", Status: StatusSkip, Message: "Config missing"}
	}
	path := cfg.Tasks.Path

	switch cfg.Tasks.Persistence {
	case "sqlite":
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return CheckResult{Name: "Persistence", Status: StatusPass, Message: fmt.Sprintf("No task database yet at %s", path)}
		}
		port, err := persistence.OpenSQLite(path)
		if err != nil {
			return CheckResult{Name: "Persistence", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err)}
		}
		defer port.Close()
		res, err := port.Load(ctx)
		if err != nil {
			return CheckResult{Name: "Persistence", Status: StatusFail, Message: fmt.Sprintf("Load failed: %v", err)}
		}
		if res.RecoveredCorruptFilePath != "" {
			return CheckResult{
				Name:    "Persistence",
				Status:  StatusWarn,
				Message: "Corrupt snapshot was quarantined",
				Detail:  res.RecoveredCorruptFilePath,
			}
		}
		return persistenceResult(path, len(res.Entries), res.Warnings)

	default:
		in, err := persistence.InspectFile(path)
		if err != nil {
			return CheckResult{Name: "Persistence", Status: StatusFail, Message: err.Error()}
		}
		if !in.Exists {
			return CheckResult{Name: "Persistence", Status: StatusPass, Message: fmt.Sprintf("No task snapshot yet at %s", path)}
		}
		if in.Corrupt != nil {
			return CheckResult{
				Name:    "Persistence",
				Status:  StatusWarn,
				Message: "Task snapshot is unreadable and will be quarantined on next start",
				Detail:  in.Corrupt.Error(),
			}
		}
		return persistenceResult(path, in.Entries, in.Warnings)
	}
}

func persistenceResult(path string, entries int, warnings []persistence.Warning) CheckResult {
	r := CheckResult{
		Name:    "Persistence",
		Status:  StatusPass,
		Message: fmt.Sprintf("%d task(s) in %s", entries, path),
	}
	if len(warnings) > 0 {
		r.Status = StatusWarn
		msgs := make([]string, 0, len(warnings))
		for _, w := range warnings {
			msgs = append(msgs, fmt.Sprintf("%s: %s", w.Code, w.Message))
		}
		r.Detail = strings.Join(msgs, "; ")
	}
	return r
}

func checkBackend(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Backend", Status: StatusSkip, Message: "Config missing"}
	}
	mode, err := backend.ParseMode(cfg.Subagents.Backend)
	if err != nil {
		return CheckResult{Name: "Backend", Status: StatusFail, Message: err.Error()}
	}

	switch mode {
	case backend.ModeShell:
		command := strings.TrimSpace(cfg.Shell.Command)
		if command == "" {
			command = backend.DefaultShellCommand
		}
		path, err := exec.LookPath(command)
		if err != nil {
			return CheckResult{
				Name:    "Backend",
				Status:  StatusFail,
				Message: fmt.Sprintf("%s: %q not found on PATH", mode, command),
				Detail:  "Install the CLI or set shell.command",
			}
		}
		return CheckResult{Name: "Backend", Status: StatusPass, Message: fmt.Sprintf("%s: %s", mode, path)}

	case backend.ModeSDK:
		provider := cfg.LLM.Provider
		if provider == "" {
			provider = profile.ParseModelRef(cfg.ActiveModel()).Provider
		}
		if provider == "" {
			return CheckResult{
				Name:    "Backend",
				Status:  StatusWarn,
				Message: fmt.Sprintf("%s: no active model configured", mode),
				Detail:  "Set llm.provider and llm.model",
			}
		}
		envVar := config.ProviderEnvVar(provider)
		if cfg.ProviderAPIKey(provider) == "" {
			r := CheckResult{
				Name:    "Backend",
				Status:  StatusFail,
				Message: fmt.Sprintf("%s: no API key for %s", mode, provider),
			}
			if envVar != "" {
				r.Detail = fmt.Sprintf("Set %s or providers.%s.api_key", envVar, provider)
			}
			return r
		}
		r := CheckResult{Name: "Backend", Status: StatusPass, Message: fmt.Sprintf("%s: %s key configured", mode, provider)}
		if envVar != "" {
			r.Detail = envVar + "=" + shared.RedactEnvValue(envVar, cfg.ProviderAPIKey(provider))
		}
		if cfg.Subagents.FallbackToShell {
			r.Detail = strings.TrimSpace(r.Detail + " fallback_to_shell=true")
		}
		return r

	case backend.ModePlugin:
		return CheckResult{
			Name:    "Backend",
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not supported yet", mode),
			Detail:  "Use interactive-shell or interactive-sdk",
		}

	default:
		return CheckResult{Name: "Backend", Status: StatusPass, Message: fmt.Sprintf("%s: no external dependency", mode)}
	}
}

func checkSandbox(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Shell.Sandbox {
		return CheckResult{Name: "Sandbox", Status: StatusSkip, Message: "Sandbox disabled"}
	}
	p, err := sandboxPinger(cfg)
	if err != nil {
		return CheckResult{Name: "Sandbox", Status: StatusFail, Message: err.Error()}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		return CheckResult{
			Name:    "Sandbox",
			Status:  StatusFail,
			Message: fmt.Sprintf("docker daemon unreachable: %v", err),
			Detail:  "Start docker or set shell.sandbox: false",
		}
	}
	return CheckResult{Name: "Sandbox", Status: StatusPass, Message: "docker daemon reachable"}
}

func checkPromptProfile(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Prompt Profile", Status: StatusSkip, Message: "Config missing"}
	}
	resolver := profile.NewResolver(cfg.PromptProfiles.Rules...)
	res := resolver.Resolve(profile.Input{
		Active: profile.ParseModelRef(cfg.ActiveModel()),
		Scoped: cfg.ScopedModels(),
	})
	r := CheckResult{
		Name:    "Prompt Profile",
		Status:  StatusPass,
		Message: fmt.Sprintf("%s (source=%s)", res.Profile, res.Source),
		Detail:  fmt.Sprintf("reason=%s", res.Reason),
	}
	if res.Source == profile.SourceFallback {
		r.Status = StatusWarn
	}
	return r
}

var providerHosts = map[string]string{
	"google":    "generativelanguage.googleapis.com",
	"anthropic": "api.anthropic.com",
	"openai":    "api.openai.com",
	"moonshot":  "api.moonshot.ai",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "Config missing"}
	}
	if mode, _ := backend.ParseMode(cfg.Subagents.Backend); mode != backend.ModeSDK {
		return CheckResult{Name: "Network", Status: StatusSkip, Message: "No model provider in use"}
	}

	provider := strings.ToLower(cfg.LLM.Provider)
	host, ok := providerHosts[provider]
	if !ok {
		host = providerHosts["anthropic"]
	}
	if p, ok := cfg.Providers[provider]; ok && p.BaseURL != "" {
		if h := hostOf(p.BaseURL); h != "" {
			host = h
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  StatusPass,
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}

func hostOf(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
