package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pi-ohm/pi-ohm-sub001/internal/config"
	"github.com/pi-ohm/pi-ohm-sub001/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("ohmtask doctor", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		// An invalid config is itself the diagnosis.
	} else {
		cfgPtr = &cfg
	}

	diag := doctor.Run(ctx, cfgPtr, Version)

	p := newPrinter(out, *asJSON)
	if p.json {
		if err := p.encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	fmt.Fprintf(out, "ohmtask doctor (%s)\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(out, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
	fmt.Fprintln(out, "---")

	for _, res := range diag.Results {
		fmt.Fprintf(out, "%s %-15s: %s\n", p.status(res.Status), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(out, "    %s\n", p.render(dimStyle, res.Detail))
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
