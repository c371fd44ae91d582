package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/pi-ohm/pi-ohm-sub001/internal/coordinator"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

func runBatchCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("ohmtask batch", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print outcomes as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: ohmtask batch [-json] <file.yaml>")
		return 2
	}

	rt, err := openRuntime(ctx, accessOwner)
	if err != nil {
		return fail(err)
	}
	defer rt.Close(ctx)

	b, err := coordinator.LoadFile(fs.Arg(0), rt.catalog.IDs())
	if err != nil {
		return fail(err)
	}
	res, err := rt.engine.StartBatch(ctx, b, task.InvocationTaskRouted)
	if err != nil {
		return fail(err)
	}
	newPrinter(out, *asJSON).batch(res)
	if res.Failed() > 0 {
		return 1
	}
	return 0
}
