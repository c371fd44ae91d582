package engine

import (
	"context"

	"github.com/pi-ohm/pi-ohm-sub001/internal/coordinator"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// StartBatch runs every item of b to a terminal state with at most
// MaxConcurrency tasks in flight and returns outcomes in submission order.
func (e *Engine) StartBatch(ctx context.Context, b coordinator.Batch, invocation task.Invocation) (coordinator.Result, error) {
	if err := e.checkEnabled(); err != nil {
		return coordinator.Result{}, err
	}
	for _, it := range b.Items {
		if _, err := e.lookup(it.SubagentType); err != nil {
			return coordinator.Result{}, err
		}
	}
	run := func(ctx context.Context, it coordinator.Item, prompt string) (task.Entry, error) {
		return e.Start(ctx, StartRequest{
			SubagentType: it.SubagentType,
			Description:  it.Description,
			Prompt:       prompt,
			Invocation:   invocation,
		})
	}
	return coordinator.NewExecutor(run, e.maxConcurrency, e.logger).Execute(ctx, b)
}
