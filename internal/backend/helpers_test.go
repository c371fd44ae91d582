package backend

import (
	"context"
	"sync"
	"testing"

	"github.com/pi-ohm/pi-ohm-sub001/internal/catalog"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

func envMap(m map[string]string) LookupEnv {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

type recorder struct {
	mu     sync.Mutex
	events []task.Event
	obs    []task.Observability
}

func (r *recorder) input(id string, def catalog.Definition, prompt string) StartInput {
	return StartInput{
		TaskID:      id,
		Subagent:    def,
		Description: "desc",
		Prompt:      prompt,
		OnEvent: func(evs []task.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, evs...)
		},
		OnObservability: func(o task.Observability) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.obs = append(r.obs, o)
		},
	}
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		if ev.Type == task.EventAssistantText {
			out = append(out, ev.Text)
		}
	}
	return out
}

func (r *recorder) lastObs() task.Observability {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.obs) == 0 {
		return task.Observability{}
	}
	return r.obs[len(r.obs)-1]
}

var finderDef = catalog.Definition{ID: "finder", Name: "Finder"}

func requireCode(t *testing.T, err error, want task.Code) *task.Error {
	t.Helper()
	if got := task.CodeOf(err); got != want {
		t.Fatalf("error code = %q (%v), want %q", got, err, want)
	}
	te, _ := err.(*task.Error)
	return te
}

func abortedCtx() context.Context {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(task.Errorf(task.CodeAborted, "task t1 cancelled"))
	return ctx
}
