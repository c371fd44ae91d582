package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/pi-ohm/pi-ohm-sub001/internal/coordinator"
	"github.com/pi-ohm/pi-ohm-sub001/internal/doctor"
	"github.com/pi-ohm/pi-ohm-sub001/internal/store"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

var stateColors = map[task.State]lipgloss.Color{
	task.StateQueued:    lipgloss.Color("244"),
	task.StateRunning:   lipgloss.Color("33"),
	task.StateSucceeded: lipgloss.Color("42"),
	task.StateFailed:    lipgloss.Color("196"),
	task.StateCancelled: lipgloss.Color("214"),
}

var (
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	boldStyle = lipgloss.NewStyle().Bold(true)
)

type printer struct {
	w     io.Writer
	color bool
	json  bool
}

// newPrinter colors output only when w is a terminal.
func newPrinter(w io.Writer, asJSON bool) *printer {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) && os.Getenv("NO_COLOR") == ""
	}
	return &printer{w: w, color: color, json: asJSON}
}

func (p *printer) render(s lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return s.Render(text)
}

func (p *printer) state(s task.State) string {
	return p.render(lipgloss.NewStyle().Foreground(stateColors[s]).Bold(true), string(s))
}

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// entry prints one task in full.
func (p *printer) entry(e task.Entry) {
	if p.json {
		_ = p.encode(e)
		return
	}
	r := e.Record
	fmt.Fprintf(p.w, "%s %s  %s\n", p.render(boldStyle, r.ID), p.state(r.State), r.SubagentType)
	if r.Description != "" {
		fmt.Fprintf(p.w, "  %s\n", r.Description)
	}
	fmt.Fprintf(p.w, "  summary: %s\n", e.Summary)
	obs := e.Observability
	fmt.Fprintln(p.w, p.render(dimStyle, fmt.Sprintf("  backend=%s route=%s model=%s tools=%d/%d",
		e.Backend, orDash(obs.Route), orDash(joinModel(obs.Provider, obs.Model)), r.ActiveToolCalls, r.TotalToolCalls)))
	if obs.PromptProfile != "" {
		fmt.Fprintln(p.w, p.render(dimStyle, fmt.Sprintf("  profile=%s source=%s reason=%s",
			obs.PromptProfile, obs.PromptProfileSource, obs.PromptProfileReason)))
	}
	if t := r.Terminal; t != nil && t.LastErrorCode != "" {
		fmt.Fprintf(p.w, "  error: %s: %s\n", t.LastErrorCode, t.LastErrorMessage)
	}
	if e.Output != "" {
		fmt.Fprintf(p.w, "\n%s\n", e.Output)
	}
}

// row prints one task as a single table line.
func (p *printer) row(e task.Entry) {
	r := e.Record
	updated := time.UnixMilli(r.UpdatedAtEpochMs).Format(time.DateTime)
	fmt.Fprintf(p.w, "%-36s  %-9s  %-10s  %s  %s\n",
		r.ID, p.state(r.State), r.SubagentType, p.render(dimStyle, updated), firstLine(e.Summary))
}

func (p *printer) lookups(lookups []store.Lookup) {
	if p.json {
		_ = p.encode(lookups)
		return
	}
	for _, l := range lookups {
		if !l.Found {
			fmt.Fprintf(p.w, "%-36s  %s: %s\n", l.ID, l.ErrorCode, l.ErrorMessage)
			continue
		}
		p.row(l.Entry)
	}
}

func (p *printer) batch(res coordinator.Result) {
	if p.json {
		type outcome struct {
			Item  string      `json:"item"`
			Wave  int         `json:"wave"`
			Error string      `json:"error,omitempty"`
			Task  *task.Entry `json:"task,omitempty"`
		}
		out := make([]outcome, 0, len(res.Outcomes))
		for _, o := range res.Outcomes {
			oc := outcome{Item: o.ItemID, Wave: o.Wave}
			if o.Err != nil {
				oc.Error = o.Err.Error()
			} else {
				entry := o.Entry
				oc.Task = &entry
			}
			out = append(out, oc)
		}
		_ = p.encode(map[string]any{"name": res.Name, "failed": res.Failed(), "outcomes": out})
		return
	}
	fmt.Fprintf(p.w, "%s: %d item(s), %d failed\n", p.render(boldStyle, res.Name), len(res.Outcomes), res.Failed())
	for _, o := range res.Outcomes {
		if o.Err != nil {
			fmt.Fprintf(p.w, "  [%d] %-12s  %s\n", o.Wave, o.ItemID, p.render(dimStyle, o.Err.Error()))
			continue
		}
		fmt.Fprintf(p.w, "  [%d] %-12s  %s  %s  %s\n", o.Wave, o.ItemID, p.state(o.Entry.Record.State), o.Entry.Record.ID, firstLine(o.Entry.Summary))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func joinModel(provider, model string) string {
	if provider == "" {
		return model
	}
	if model == "" {
		return provider
	}
	return provider + "/" + model
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

var statusColors = map[string]lipgloss.Color{
	doctor.StatusPass: lipgloss.Color("42"),
	doctor.StatusWarn: lipgloss.Color("214"),
	doctor.StatusFail: lipgloss.Color("196"),
	doctor.StatusSkip: lipgloss.Color("244"),
}

func (p *printer) status(s string) string {
	return p.render(lipgloss.NewStyle().Foreground(statusColors[s]).Bold(true), fmt.Sprintf("%-4s", s))
}
