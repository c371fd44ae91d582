package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
)

func runStatusCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("ohmtask status", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print tasks as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: ohmtask status [-json] <id>...")
		return 2
	}

	rt, err := openRuntime(ctx, accessRead)
	if err != nil {
		return fail(err)
	}
	defer rt.Close(ctx)

	lookups, err := rt.engine.Status(fs.Args())
	if err != nil {
		return fail(err)
	}
	newPrinter(out, *asJSON).lookups(lookups)
	for _, l := range lookups {
		if !l.Found {
			return 1
		}
	}
	return 0
}

func runListCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("ohmtask list", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print tasks as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	rt, err := openRuntime(ctx, accessRead)
	if err != nil {
		return fail(err)
	}
	defer rt.Close(ctx)

	entries, err := rt.engine.List()
	if err != nil {
		return fail(err)
	}
	p := newPrinter(out, *asJSON)
	if p.json {
		_ = p.encode(entries)
		return 0
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "no tasks")
		return 0
	}
	for _, e := range entries {
		p.row(e)
	}
	return 0
}

func runCancelCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: ohmtask cancel <id>")
		return 2
	}

	rt, err := openRuntime(ctx, accessOwner)
	if err != nil {
		return fail(err)
	}
	defer rt.Close(ctx)

	outcome, err := rt.engine.Cancel(args[0])
	if err != nil {
		return fail(err)
	}
	p := newPrinter(out, false)
	if !outcome.Applied {
		fmt.Fprintf(out, "%s already %s\n", args[0], p.state(outcome.PriorState))
		return 0
	}
	fmt.Fprintf(out, "%s %s -> %s\n", args[0], p.state(outcome.PriorState), p.state(outcome.Entry.Record.State))
	return 0
}

func runDiagnosticsCommand(ctx context.Context, args []string, out io.Writer) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: ohmtask diagnostics")
		return 2
	}

	rt, err := openRuntime(ctx, accessRead)
	if err != nil {
		return fail(err)
	}
	defer rt.Close(ctx)

	diags := rt.engine.Diagnostics()
	mode := "owner"
	if rt.store.ReadOnly() {
		mode = "read-only, owned by another process"
	}
	fmt.Fprintf(out, "store: %s (%s, %s)\n", rt.cfg.Tasks.Path, rt.cfg.Tasks.Persistence, mode)
	if len(diags) == 0 {
		fmt.Fprintln(out, "no diagnostics")
		return 0
	}
	for _, d := range diags {
		fmt.Fprintf(out, "%d  %s\n", d.AtEpochMs, d)
	}
	return 0
}
