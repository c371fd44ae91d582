package backend

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/metric"

	"github.com/pi-ohm/pi-ohm-sub001/internal/bus"
	"github.com/pi-ohm/pi-ohm-sub001/internal/otel"
	"github.com/pi-ohm/pi-ohm-sub001/internal/task"
)

// RouterOptions configures a Router.
type RouterOptions struct {
	Primary Backend
	// Fallback is tried when an sdk execution fails and FallbackToShell is
	// set. It is normally the shell backend.
	Fallback        Backend
	FallbackToShell bool
	Bus             *bus.Bus
	Metrics         *otel.Metrics
	Logger          *slog.Logger
}

// Router wraps the configured backend with the sdk->shell fallback policy.
// Only task_backend_execution_failed is retried; timeouts and aborts are
// returned as they are.
type Router struct {
	primary  Backend
	fallback Backend
	enabled  bool
	bus      *bus.Bus
	metrics  *otel.Metrics
	logger   *slog.Logger
}

func NewRouter(opts RouterOptions) *Router {
	r := &Router{
		primary:  opts.Primary,
		fallback: opts.Fallback,
		enabled:  opts.FallbackToShell,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	if r.primary == nil {
		r.primary = &Scaffold{}
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "backend_router")
	return r
}

func (r *Router) Mode() Mode { return r.primary.Mode() }

func (r *Router) ExecuteStart(ctx context.Context, in StartInput) (Result, error) {
	res, err := r.primary.ExecuteStart(ctx, in)
	if err == nil || !r.shouldFallback(ctx, err) {
		return res, err
	}
	r.noteFallback(ctx, in.TaskID, err)
	in.OnObservability = rerouted(in.OnObservability)
	res, err = r.fallback.ExecuteStart(ctx, in)
	if err != nil {
		return res, err
	}
	res.Route = RouteFallback
	return res, nil
}

func (r *Router) ExecuteSend(ctx context.Context, in SendInput) (Result, error) {
	res, err := r.primary.ExecuteSend(ctx, in)
	if err == nil || !r.shouldFallback(ctx, err) {
		return res, err
	}
	r.noteFallback(ctx, in.TaskID, err)
	in.OnObservability = rerouted(in.OnObservability)
	res, err = r.fallback.ExecuteSend(ctx, in)
	if err != nil {
		return res, err
	}
	res.Route = RouteFallback
	return res, nil
}

func (r *Router) shouldFallback(ctx context.Context, err error) bool {
	return r.enabled &&
		r.fallback != nil &&
		r.primary.Mode() == ModeSDK &&
		ctx.Err() == nil &&
		task.CodeOf(err) == task.CodeBackendFailed
}

func (r *Router) noteFallback(ctx context.Context, taskID string, err error) {
	r.logger.Warn("sdk backend failed; retrying through shell backend",
		"task_id", taskID, "error_code", string(task.CodeOf(err)), "error", err)
	r.bus.Publish(bus.TopicTaskFallback, bus.TaskFallbackEvent{
		TaskID:    taskID,
		From:      string(r.primary.Mode()),
		To:        string(r.fallback.Mode()),
		ErrorCode: string(task.CodeOf(err)),
	})
	if r.metrics != nil {
		r.metrics.BackendFallbacks.Add(ctx, 1, metric.WithAttributes(
			otel.AttrErrorCode.String(string(task.CodeOf(err))),
		))
	}
}

func rerouted(next ObservabilityFunc) ObservabilityFunc {
	if next == nil {
		return nil
	}
	return func(obs task.Observability) {
		obs.Route = RouteFallback
		next(obs)
	}
}
