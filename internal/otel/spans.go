package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrTaskID    = attribute.Key("ohm.task.id")
	AttrSubagent  = attribute.Key("ohm.task.subagent")
	AttrBackend   = attribute.Key("ohm.backend")
	AttrRoute     = attribute.Key("ohm.backend.route")
	AttrProvider  = attribute.Key("ohm.llm.provider")
	AttrModel     = attribute.Key("ohm.llm.model")
	AttrErrorCode = attribute.Key("ohm.error.code")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (model API, subprocess).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
