package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/pi-ohm/pi-ohm-sub001/internal/bus"
	"github.com/pi-ohm/pi-ohm-sub001/internal/engine"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

func runRunCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := flag.NewFlagSet("ohmtask run", flag.ContinueOnError)
	subagent := fs.String("subagent", "task", "subagent id")
	description := fs.String("description", "", "short task description")
	id := fs.String("id", "", "task id (generated when empty)")
	asJSON := fs.Bool("json", false, "print the task as JSON")
	follow := fs.Bool("follow", false, "print lifecycle changes while the task runs")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))

	rt, err := openRuntime(ctx, accessOwner)
	if err != nil {
		return fail(err)
	}
	defer rt.Close(ctx)

	p := newPrinter(out, *asJSON)
	stopFollow := func() {}
	if *follow && !*asJSON {
		stopFollow = p.follow(rt.bus)
	}

	entry, err := rt.engine.Start(ctx, engine.StartRequest{
		ID:           *id,
		SubagentType: *subagent,
		Description:  *description,
		Prompt:       prompt,
		Invocation:   task.InvocationPrimaryTool,
	})
	stopFollow()
	if err != nil {
		return fail(err)
	}
	p.entry(entry)
	if entry.Record.State != task.StateSucceeded {
		return 1
	}
	return 0
}

// runSessionCommand starts a task in the background and forwards every
// stdin line to it as a follow-up. "/status" prints the task and "/cancel"
// stops it. At end of input the task is awaited.
func runSessionCommand(ctx context.Context, args []string, in io.Reader, out io.Writer) int {
	fs := flag.NewFlagSet("ohmtask session", flag.ContinueOnError)
	subagent := fs.String("subagent", "task", "subagent id")
	description := fs.String("description", "", "short task description")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	lines := bufio.NewScanner(in)
	prompt := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if prompt == "" && lines.Scan() {
		prompt = strings.TrimSpace(lines.Text())
	}

	rt, err := openRuntime(ctx, accessOwner)
	if err != nil {
		return fail(err)
	}
	defer rt.Close(ctx)

	p := newPrinter(out, false)
	entry, err := rt.engine.Start(ctx, engine.StartRequest{
		SubagentType: *subagent,
		Description:  *description,
		Prompt:       prompt,
		Invocation:   task.InvocationPrimaryTool,
		Async:        true,
	})
	if err != nil {
		return fail(err)
	}
	id := entry.Record.ID
	fmt.Fprintf(out, "started %s (%s)\n", id, p.state(entry.Record.State))

	for lines.Scan() {
		line := strings.TrimSpace(lines.Text())
		switch line {
		case "":
			continue
		case "/status":
			if cur, err := rt.store.GetTask(id); err == nil {
				p.entry(cur)
			}
			continue
		case "/cancel":
			outcome, err := rt.engine.Cancel(id)
			if err != nil {
				return fail(err)
			}
			p.entry(outcome.Entry)
			return 1
		}

		reply, err := rt.engine.Send(ctx, id, line)
		if err != nil {
			fmt.Fprintf(out, "follow-up failed: %v\n", err)
			if task.CodeOf(err) == task.CodeNotResumable {
				break
			}
			continue
		}
		fmt.Fprintln(out, reply.Output)
	}

	res, err := rt.engine.Wait(ctx, []string{id}, 0)
	if err != nil {
		return fail(err)
	}
	for _, l := range res.Lookups {
		if l.Found {
			p.entry(l.Entry)
			if l.Entry.Record.State == task.StateSucceeded {
				return 0
			}
		}
	}
	return 1
}

// follow prints task lifecycle events until the returned stop is called.
func (p *printer) follow(b *bus.Bus) (stop func()) {
	sub := b.Subscribe("task.")
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range sub.Ch() {
			switch payload := ev.Payload.(type) {
			case bus.TaskStateChangedEvent:
				from := payload.OldState
				if from == "" {
					from = "new"
				}
				fmt.Fprintln(p.w, p.render(dimStyle, fmt.Sprintf("%s %s -> %s", payload.TaskID, from, payload.NewState)))
			case bus.TaskFallbackEvent:
				fmt.Fprintln(p.w, p.render(dimStyle, fmt.Sprintf("%s fallback %s -> %s (%s)", payload.TaskID, payload.From, payload.To, payload.ErrorCode)))
			}
		}
	}()
	return func() {
		b.Unsubscribe(sub)
		wg.Wait()
	}
}
