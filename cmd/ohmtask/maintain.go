package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/pi-ohm/pi-ohm-sub001/internal/catalog"
	"github.com/pi-ohm/pi-ohm-sub001/internal/config"
	"github.com/pi-ohm/pi-ohm-sub001/internal/cron"
	"github.com/pi-ohm/pi-ohm-sub001/internal/persistence"
)

const defaultMaintenanceCron = "@every 10m"

// runMaintainCommand sweeps expired and over-capacity tasks on a cron
// schedule and hot-reloads the subagent catalog until interrupted. The
// store is claimed only for the length of each sweep, so other commands
// can run in between.
func runMaintainCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("ohmtask maintain", flag.ContinueOnError)
	once := fs.Bool("once", false, "sweep and flush once, then exit")
	expr := fs.String("cron", "", "maintenance schedule (default: tasks.maintenance_cron or "+defaultMaintenanceCron+")")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rt, err := openRuntime(ctx, accessNone)
	if err != nil {
		return fail(err)
	}
	defer rt.Close(ctx)

	schedule := strings.TrimSpace(*expr)
	if schedule == "" {
		schedule = rt.cfg.Tasks.MaintenanceCron
	}
	if schedule == "" {
		schedule = defaultMaintenanceCron
	}

	sched, err := cron.NewScheduler(cron.Config{
		Store:    &claimedSweeper{ctx: ctx, rt: rt},
		CronExpr: schedule,
		Logger:   rt.logger,
		OnRun: func(evicted []string) {
			fmt.Fprintf(out, "maintenance: %d task(s) evicted\n", len(evicted))
		},
	})
	if err != nil {
		return fail(err)
	}

	if *once {
		sched.RunOnce()
		return 0
	}

	watcher := config.NewWatcher(rt.cfg.HomeDir, rt.logger)
	if err := watcher.Start(ctx); err != nil {
		rt.logger.Warn("config watcher unavailable", "error", err)
	}

	sched.Start(ctx)
	defer sched.Stop()
	fmt.Fprintf(out, "maintenance scheduled (%s), next run %s\n", schedule, sched.NextRun().Format("15:04:05"))

	fingerprint := rt.cfg.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return 0
		case ev := <-watcher.Events():
			switch ev.Name() {
			case config.SubagentFile:
				cat, err := catalog.Load(rt.cfg.HomeDir)
				if err != nil {
					rt.logger.Warn("subagent catalog reload failed", "error", err)
					continue
				}
				rt.catalog.Replace(cat)
				rt.logger.Info("subagent catalog reloaded", "subagents", len(cat.IDs()))
			case config.ConfigFile:
				next, err := config.Load()
				if err != nil {
					rt.logger.Warn("config reload failed", "error", err)
					continue
				}
				if fp := next.Fingerprint(); fp != fingerprint {
					rt.logger.Info("config changed; restart to apply", "old_fingerprint", fingerprint, "new_fingerprint", fp)
					fingerprint = fp
				}
			}
		}
	}
}

// claimedSweeper runs one maintenance pass per Sweep against a store it
// owns for just that pass. A pass is skipped while another process owns
// the snapshot; the owner sweeps on its own writes.
type claimedSweeper struct {
	ctx context.Context
	rt  *runtime
}

func (c *claimedSweeper) Sweep() []string {
	lock, err := persistence.AcquireOwner(c.rt.cfg.Tasks.Path)
	if errors.Is(err, persistence.ErrOwned) {
		c.rt.logger.Info("maintenance skipped; task store owned by another process", "path", c.rt.cfg.Tasks.Path)
		return nil
	}
	if err != nil {
		c.rt.logger.Warn("maintenance could not claim the task store", "error", err)
		return nil
	}
	defer lock.Release()

	pass := &runtime{cfg: c.rt.cfg, logger: c.rt.logger, bus: c.rt.bus, metrics: c.rt.metrics}
	defer pass.Close(c.ctx)
	st, err := pass.openStore(c.ctx, false)
	if err != nil {
		c.rt.logger.Warn("maintenance could not open the task store", "error", err)
		return nil
	}
	return st.Sweep()
}

// Flush is a no-op: each pass closes its store, which writes pending changes.
func (c *claimedSweeper) Flush() {}
