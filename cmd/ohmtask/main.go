package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pi-ohm/pi-ohm-sub001/internal/audit"
	"github.com/pi-ohm/pi-ohm-sub001/internal/backend"
	"github.com/pi-ohm/pi-ohm-sub001/internal/bus"
	"github.com/pi-ohm/pi-ohm-sub001/internal/catalog"
	"github.com/pi-ohm/pi-ohm-sub001/internal/config"
	"github.com/pi-ohm/pi-ohm-sub001/internal/engine"
	otelPkg "github.com/pi-ohm/pi-ohm-sub001/internal/otel"
	"github.com/pi-ohm/pi-ohm-sub001/internal/persistence"
	"github.com/pi-ohm/pi-ohm-sub001/internal/profile"
	"github.com/pi-ohm/pi-ohm-sub001/internal/store"
	"github.com/pi-ohm/pi-ohm-sub001/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

var verbose bool

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUBCOMMANDS:
  run [flags] <prompt>        Run one subagent task to completion
                              Flags: -subagent, -description, -json
  session [flags]             Start a task and send follow-ups read from stdin
  batch [-json] <file.yaml>   Run a batch of tasks with dependencies
  status <id>...              Show tasks by id
  list                        List live tasks
  cancel <id>                 Cancel a queued or running task
  diagnostics                 Show persistence diagnostics
  profile [-model p/m]        Resolve the prompt profile for a model
  catalog                     List subagent definitions
  maintain [-once]            Run scheduled store maintenance
  doctor [-json]              Run diagnostic checks

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
	fmt.Fprint(os.Stderr, `
ENVIRONMENT VARIABLES:
  OHM_HOME                      Data directory (default: ~/.pi-ohm)
  OHM_SUBAGENT_BACKEND          none, interactive-shell, interactive-sdk, custom-plugin
  OHM_SUBAGENT_TIMEOUT_MS       Default task timeout
  OHM_SUBAGENT_<ID>_TIMEOUT_MS  Per-subagent task timeout
  ANTHROPIC_API_KEY, OPENAI_API_KEY, GEMINI_API_KEY, MOONSHOT_API_KEY
`)
}

func main() {
	flag.BoolVar(&verbose, "verbose", false, "also write JSON logs to stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	os.Exit(dispatch(ctx, args, os.Stdin, os.Stdout))
}

func dispatch(ctx context.Context, args []string, in io.Reader, out io.Writer) int {
	rest := args[1:]
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		return 0
	case "run":
		return runRunCommand(ctx, rest, out)
	case "session":
		return runSessionCommand(ctx, rest, in, out)
	case "batch":
		return runBatchCommand(ctx, rest, out)
	case "status":
		return runStatusCommand(ctx, rest, out)
	case "list":
		return runListCommand(ctx, rest, out)
	case "cancel":
		return runCancelCommand(ctx, rest, out)
	case "diagnostics":
		return runDiagnosticsCommand(ctx, rest, out)
	case "profile":
		return runProfileCommand(ctx, rest, out)
	case "catalog":
		return runCatalogCommand(ctx, rest, out)
	case "maintain":
		return runMaintainCommand(ctx, rest, out)
	case "doctor":
		return runDoctorCommand(ctx, rest, out)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		return 2
	}
}

// storeAccess says how a command may use the shared task snapshot.
type storeAccess int

const (
	// accessOwner requires the exclusive claim; mutating commands fail
	// while another process owns the store.
	accessOwner storeAccess = iota
	// accessRead takes the claim when it is free and otherwise opens a
	// read-only view of the snapshot.
	accessRead
	// accessNone opens no store.
	accessNone
)

// runtime is the wired task engine for one CLI invocation.
type runtime struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	catalog *catalog.Catalog
	store   *store.Store
	engine  *engine.Engine
	metrics *otelPkg.Metrics

	closers []func(context.Context) error
}

func openRuntime(ctx context.Context, access storeAccess) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	// Logs stay in the log file unless asked for, so stdout carries results.
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, !verbose)
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	rt := &runtime{cfg: cfg, logger: logger}
	rt.closers = append(rt.closers, func(context.Context) error { return logCloser.Close() })

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("otel init: %w", err)
	}
	rt.closers = append(rt.closers, otelProvider.Shutdown)
	rt.metrics, err = otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("otel metrics: %w", err)
	}

	rt.bus = bus.New()
	trail, err := audit.Open(cfg.HomeDir)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("audit init: %w", err)
	}
	stopTrail := trail.Follow(rt.bus)
	rt.closers = append(rt.closers, func(context.Context) error {
		stopTrail()
		return trail.Close()
	})

	rt.catalog, err = catalog.Load(cfg.HomeDir)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	if access == accessNone {
		return rt, nil
	}

	readOnly := false
	lock, err := persistence.AcquireOwner(cfg.Tasks.Path)
	switch {
	case err == nil:
		rt.closers = append(rt.closers, func(context.Context) error { return lock.Release() })
	case errors.Is(err, persistence.ErrOwned) && access == accessRead:
		readOnly = true
		logger.Info("task store owned by another process; opening read-only", "path", cfg.Tasks.Path)
	case errors.Is(err, persistence.ErrOwned):
		rt.Close(ctx)
		return nil, fmt.Errorf("%w; wait for it to exit, or use its session to cancel", err)
	default:
		rt.Close(ctx)
		return nil, err
	}

	rt.store, err = rt.openStore(ctx, readOnly)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	cwd, _ := os.Getwd()
	be, err := rt.buildBackend(ctx, cwd)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	rt.engine = engine.New(engine.Options{
		Store:          rt.store,
		Catalog:        rt.catalog,
		Backend:        be,
		Enabled:        cfg.Subagents.Enabled,
		Models:         cfg.Subagents.Models,
		MaxConcurrency: cfg.Subagents.MaxConcurrency,
		Cwd:            cwd,
		Logger:         logger,
		Metrics:        rt.metrics,
		Tracer:         otelProvider.Tracer,
	})
	// Runs first: running tasks must be failed before the store flushes.
	rt.closers = append(rt.closers, rt.engine.Shutdown)

	logger.Info("task engine ready",
		"backend", string(be.Mode()),
		"persistence", cfg.Tasks.Persistence,
		"read_only", readOnly,
		"config_fingerprint", cfg.Fingerprint(),
	)
	return rt, nil
}

// openStore opens the configured port and hydrates a store from it. The
// caller must already own the snapshot unless readOnly is set.
func (rt *runtime) openStore(ctx context.Context, readOnly bool) (*store.Store, error) {
	cfg := rt.cfg
	port, err := openPort(cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := port.(io.Closer); ok {
		rt.closers = append(rt.closers, func(context.Context) error { return c.Close() })
	}
	st := store.New(ctx, store.Options{
		Port:          port,
		Bus:           rt.bus,
		Logger:        rt.logger,
		Metrics:       rt.metrics,
		Debounce:      millis(int64(cfg.Tasks.DebounceMs)),
		MaxEvents:     cfg.Tasks.MaxEvents,
		MaxTasks:      cfg.Tasks.MaxTasks,
		MaxTombstones: cfg.Tasks.MaxTombstones,
		Retention:     millis(cfg.Tasks.RetentionMs),
		ReadOnly:      readOnly,
	})
	rt.closers = append(rt.closers, func(context.Context) error { return st.Close() })
	return st, nil
}

func openPort(cfg config.Config) (persistence.Port, error) {
	switch cfg.Tasks.Persistence {
	case "sqlite":
		p, err := persistence.OpenSQLite(cfg.Tasks.Path)
		if err != nil {
			return nil, fmt.Errorf("open task database: %w", err)
		}
		return p, nil
	default:
		return persistence.NewFilePort(cfg.Tasks.Path), nil
	}
}

func (rt *runtime) buildBackend(ctx context.Context, cwd string) (backend.Backend, error) {
	cfg := rt.cfg
	mode, err := backend.ParseMode(cfg.Subagents.Backend)
	if err != nil {
		return nil, err
	}

	newShell := func() (*backend.Shell, error) {
		opts := backend.ShellOptions{
			Command: cfg.Shell.Command,
			Args:    cfg.Shell.Args,
			Grace:   millis(int64(cfg.Shell.GraceMs)),
			Env:     os.LookupEnv,
			Logger:  rt.logger,
		}
		if cfg.Shell.Sandbox {
			dr, err := backend.NewDockerRunner(cfg.Shell.SandboxImage, cfg.Shell.SandboxMemoryMB, cfg.Shell.SandboxNetwork, cwd)
			if err != nil {
				return nil, err
			}
			rt.closers = append(rt.closers, func(context.Context) error { return dr.Close() })
			opts.Runner = dr
		}
		return backend.NewShell(opts), nil
	}

	var primary, fallback backend.Backend
	switch mode {
	case backend.ModeShell:
		if primary, err = newShell(); err != nil {
			return nil, err
		}
	case backend.ModeSDK:
		creds := make(map[string]backend.ProviderCredentials)
		for _, p := range config.KnownProviders() {
			creds[p] = backend.ProviderCredentials{APIKey: cfg.ProviderAPIKey(p), BaseURL: cfg.Providers[p].BaseURL}
		}
		primary = backend.NewSDK(backend.SDKOptions{
			Sessions:     backend.NewGenkitSessions(ctx, creds, rt.logger),
			Profiles:     profile.NewResolver(cfg.PromptProfiles.Rules...),
			DefaultModel: cfg.ActiveModel(),
			Scoped:       cfg.ScopedModels(),
			Env:          os.LookupEnv,
			Logger:       rt.logger,
		})
		if cfg.Subagents.FallbackToShell {
			if fallback, err = newShell(); err != nil {
				return nil, err
			}
		}
	case backend.ModePlugin:
		primary = backend.Plugin{}
	default:
		primary = &backend.Scaffold{}
	}

	return backend.NewRouter(backend.RouterOptions{
		Primary:         primary,
		Fallback:        fallback,
		FallbackToShell: cfg.Subagents.FallbackToShell,
		Bus:             rt.bus,
		Metrics:         rt.metrics,
		Logger:          rt.logger,
	}), nil
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close(ctx context.Context) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](closeCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil && rt.logger != nil {
		rt.logger.Warn("shutdown incomplete", "error", err)
	}
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// fail reports err on stderr and returns the exit code.
func fail(err error) int {
	fmt.Fprintln(os.Stderr, "error:", err)
	return 1
}
