package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the steward instruments. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	AICallDuration    metric.Float64Histogram
	AICallErrors      metric.Int64Counter
	TasksCreated      metric.Int64Counter
	TasksRouted       metric.Int64Counter
	ParseFailures     metric.Int64Counter
	Escalations       metric.Int64Counter
	ApprovalDecisions metric.Int64Counter
	WorkerIterations  metric.Int64Counter
	ActiveWorkers     metric.Int64UpDownCounter
	WatcherPolls      metric.Int64Counter
	WatcherFailures   metric.Int64Counter
	RequestDuration   metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.AICallDuration, err = meter.Float64Histogram("steward.ai.duration",
		metric.WithDescription("AI capability call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AICallErrors, err = meter.Int64Counter("steward.ai.errors",
		metric.WithDescription("AI capability failures by class"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCreated, err = meter.Int64Counter("steward.tasks.created",
		metric.WithDescription("Tasks created by source"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRouted, err = meter.Int64Counter("steward.tasks.routed",
		metric.WithDescription("Plans applied, by destination state"),
	)
	if err != nil {
		return nil, err
	}

	m.ParseFailures, err = meter.Int64Counter("steward.plan.parse_failures",
		metric.WithDescription("AI responses that could not be parsed into a plan"),
	)
	if err != nil {
		return nil, err
	}

	m.Escalations, err = meter.Int64Counter("steward.escalations",
		metric.WithDescription("Escalation tasks created, by kind"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalDecisions, err = meter.Int64Counter("steward.approvals",
		metric.WithDescription("Human approval decisions, by verdict"),
	)
	if err != nil {
		return nil, err
	}

	m.WorkerIterations, err = meter.Int64Counter("steward.worker.iterations",
		metric.WithDescription("Worker loop iterations executed"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWorkers, err = meter.Int64UpDownCounter("steward.worker.active",
		metric.WithDescription("Number of running worker sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.WatcherPolls, err = meter.Int64Counter("steward.watcher.polls",
		metric.WithDescription("Watcher poll cycles, by watcher"),
	)
	if err != nil {
		return nil, err
	}

	m.WatcherFailures, err = meter.Int64Counter("steward.watcher.failures",
		metric.WithDescription("Failed watcher poll cycles, by watcher"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("steward.request.duration",
		metric.WithDescription("Status gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Inc adds one to counter with the given attributes when m is non-nil.
func (m *Metrics) Inc(ctx context.Context, pick func(*Metrics) metric.Int64Counter, attrs ...attribute.KeyValue) {
	if m == nil {
		return
	}
	pick(m).Add(ctx, 1, metric.WithAttributes(attrs...))
}

// ObserveAI records one AI call.
func (m *Metrics) ObserveAI(ctx context.Context, seconds float64, class string) {
	if m == nil {
		return
	}
	m.AICallDuration.Record(ctx, seconds, metric.WithAttributes(AttrErrorClass.String(class)))
	if class != "" && class != "ok" {
		m.AICallErrors.Add(ctx, 1, metric.WithAttributes(AttrErrorClass.String(class)))
	}
}
