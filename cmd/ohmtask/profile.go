package main

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/pi-ohm/pi-ohm-sub001/internal/catalog"
	"github.com/pi-ohm/pi-ohm-sub001/internal/config"
	"github.com/pi-ohm/pi-ohm-sub001/internal/profile"
)

func runProfileCommand(_ context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("ohmtask profile", flag.ContinueOnError)
	model := fs.String("model", "", `active "provider/model" (default: llm.provider/llm.model)`)
	pattern := fs.String("pattern", "", "explicit model pattern")
	rules := fs.Bool("rules", false, "print the effective rule set")
	asJSON := fs.Bool("json", false, "print the resolution as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(err)
	}
	active := *model
	if active == "" {
		active = cfg.ActiveModel()
	}

	resolver := profile.NewResolver(cfg.PromptProfiles.Rules...)
	res := resolver.Resolve(profile.Input{
		Active:          profile.ParseModelRef(active),
		ExplicitPattern: *pattern,
		Scoped:          cfg.ScopedModels(),
	})

	p := newPrinter(out, *asJSON)
	if p.json {
		v := map[string]any{"resolution": res}
		if *rules {
			v["rules"] = resolver.Rules()
		}
		_ = p.encode(v)
		return 0
	}
	fmt.Fprintf(out, "%s  source=%s reason=%s\n", p.render(boldStyle, string(res.Profile)), res.Source, res.Reason)
	if *rules {
		for _, r := range resolver.Rules() {
			fmt.Fprintf(out, "  %-9s priority=%d providers=%v models=%v\n", r.Profile, r.Priority, r.Providers, r.Models)
		}
	}
	return 0
}

func runCatalogCommand(_ context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("ohmtask catalog", flag.ContinueOnError)
	asJSON := fs.Bool("json", false, "print definitions as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fail(err)
	}
	cat, err := catalog.Load(cfg.HomeDir)
	if err != nil {
		return fail(err)
	}

	p := newPrinter(out, *asJSON)
	if p.json {
		_ = p.encode(cat.List())
		return 0
	}
	for _, d := range cat.List() {
		line := fmt.Sprintf("%-10s  %s", p.render(boldStyle, d.ID), d.Summary)
		if model := cfg.Subagents.Models[d.ID]; model != "" {
			line += p.render(dimStyle, "  model="+model)
		} else if d.Model != "" {
			line += p.render(dimStyle, "  model="+d.Model)
		}
		fmt.Fprintln(out, line)
	}
	return 0
}
