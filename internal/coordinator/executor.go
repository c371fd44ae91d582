package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// RunFunc runs one item to a terminal state. The prompt has its output
// references already resolved.
type RunFunc func(ctx context.Context, item Item, prompt string) (task.Entry, error)

// Outcome is the result of one item.
type Outcome struct {
	ItemID string
	Wave   int
	Entry  task.Entry
	// Err is set when the task could not be started, or the item was
	// skipped because a dependency did not succeed.
	Err error
}

// Succeeded reports whether the item's task ended in succeeded.
func (o Outcome) Succeeded() bool {
	return o.Err == nil && o.Entry.Record.State == task.StateSucceeded
}

// Result holds outcomes in submission order.
type Result struct {
	Name     string
	Outcomes []Outcome
}

// Failed counts outcomes that did not succeed.
func (r Result) Failed() int {
	n := 0
	for _, o := range r.Outcomes {
		if !o.Succeeded() {
			n++
		}
	}
	return n
}

// Executor runs batches with at most MaxConcurrency items in flight.
type Executor struct {
	run            RunFunc
	maxConcurrency int
	logger         *slog.Logger
}

func NewExecutor(run RunFunc, maxConcurrency int, logger *slog.Logger) *Executor {
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		run:            run,
		maxConcurrency: maxConcurrency,
		logger:         logger.With("component", "coordinator"),
	}
}

// Execute runs every item of b. Item failures are reported in the result,
// never as the returned error; that is reserved for an invalid batch.
func (e *Executor) Execute(ctx context.Context, b Batch) (Result, error) {
	if err := b.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid batch: %w", err)
	}
	order, err := waves(b.Items)
	if err != nil {
		return Result{}, fmt.Errorf("invalid batch: %w", err)
	}

	outcomes := make([]Outcome, len(b.Items))
	var mu sync.Mutex
	outputs := make(map[string]string)
	succeeded := make(map[string]bool)

	for waveNum, wave := range order {
		var g errgroup.Group
		g.SetLimit(e.maxConcurrency)

		mu.Lock()
		prompts := make(map[int]string, len(wave))
		for _, i := range wave {
			prompts[i] = resolvePrompt(b.Items[i].Prompt, outputs)
		}
		mu.Unlock()

		for _, i := range wave {
			item := b.Items[i]
			if dep, ok := failedDependency(item, succeeded); ok {
				outcomes[i] = Outcome{
					ItemID: item.ID,
					Wave:   waveNum,
					Err:    fmt.Errorf("skipped: dependency %s did not succeed", dep),
				}
				continue
			}
			if ctx.Err() != nil {
				outcomes[i] = Outcome{ItemID: item.ID, Wave: waveNum, Err: ctx.Err()}
				continue
			}
			prompt := prompts[i]
			g.Go(func() error {
				entry, err := e.run(ctx, item, prompt)
				outcomes[i] = Outcome{ItemID: item.ID, Wave: waveNum, Entry: entry, Err: err}
				if err != nil {
					e.logger.Warn("batch item not started", "batch", b.Name, "item", item.ID, "error_code", string(task.CodeOf(err)), "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()

		mu.Lock()
		for _, i := range wave {
			o := outcomes[i]
			if o.Succeeded() {
				succeeded[o.ItemID] = true
				outputs[o.ItemID] = o.Entry.Output
			}
		}
		mu.Unlock()
		e.logger.Debug("batch wave finished", "batch", b.Name, "wave", waveNum, "items", len(wave))
	}

	return Result{Name: b.Name, Outcomes: outcomes}, nil
}

func failedDependency(item Item, succeeded map[string]bool) (string, bool) {
	for _, dep := range item.DependsOn {
		if !succeeded[dep] {
			return dep, true
		}
	}
	return "", false
}
