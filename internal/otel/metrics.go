package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the task engine instruments.
type Metrics struct {
	TaskDuration      metric.Float64Histogram
	TasksStarted      metric.Int64Counter
	TasksFinished     metric.Int64Counter
	ActiveTasks       metric.Int64UpDownCounter
	BackendDuration   metric.Float64Histogram
	BackendFallbacks  metric.Int64Counter
	EventsAppended    metric.Int64Counter
	PersistenceWrites metric.Int64Counter
}

// NewMetrics creates all instruments from meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("ohm.task.duration",
		metric.WithDescription("Wall-clock time from task creation to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksStarted, err = meter.Int64Counter("ohm.task.started",
		metric.WithDescription("Tasks handed to a backend"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFinished, err = meter.Int64Counter("ohm.task.finished",
		metric.WithDescription("Tasks reaching a terminal state, by state and error code"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveTasks, err = meter.Int64UpDownCounter("ohm.task.active",
		metric.WithDescription("Tasks currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendDuration, err = meter.Float64Histogram("ohm.backend.duration",
		metric.WithDescription("Backend start/send call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BackendFallbacks, err = meter.Int64Counter("ohm.backend.fallbacks",
		metric.WithDescription("sdk executions retried through the shell backend"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsAppended, err = meter.Int64Counter("ohm.task.events",
		metric.WithDescription("Execution events appended to tasks"),
	)
	if err != nil {
		return nil, err
	}

	m.PersistenceWrites, err = meter.Int64Counter("ohm.persistence.writes",
		metric.WithDescription("Task snapshot writes, by mode and result"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
