package shared

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type traceKey struct{}
type taskIDKey struct{}

// WithTraceID pins a trace id on ctx, overriding any active span.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID is the id journal rows, audit entries and log lines carry: a pinned
// id, else the active span's trace id, else "-".
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return "-"
}

// WithTaskID attaches the task being processed to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}
