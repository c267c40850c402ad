package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for steward spans and metrics.
var (
	AttrTaskID     = attribute.Key("steward.task.id")
	AttrSource     = attribute.Key("steward.task.source")
	AttrState      = attribute.Key("steward.task.state")
	AttrRisk       = attribute.Key("steward.plan.risk")
	AttrModel      = attribute.Key("steward.ai.model")
	AttrErrorClass = attribute.Key("steward.ai.error_class")
	AttrSessionID  = attribute.Key("steward.worker.session")
	AttrIteration  = attribute.Key("steward.worker.iteration")
	AttrWatcher    = attribute.Key("steward.watcher")
	AttrKind       = attribute.Key("steward.escalation.kind")
	AttrVerdict    = attribute.Key("steward.approval.verdict")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound status request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound AI or chat API call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// Tracer returns t, or a no-op tracer when t is nil.
func Tracer(t trace.Tracer) trace.Tracer {
	if t != nil {
		return t
	}
	return noopTracer
}
