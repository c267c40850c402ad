package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	instruments := map[string]any{
		"AICallDuration":    m.AICallDuration,
		"AICallErrors":      m.AICallErrors,
		"TasksCreated":      m.TasksCreated,
		"TasksRouted":       m.TasksRouted,
		"ParseFailures":     m.ParseFailures,
		"Escalations":       m.Escalations,
		"ApprovalDecisions": m.ApprovalDecisions,
		"WorkerIterations":  m.WorkerIterations,
		"ActiveWorkers":     m.ActiveWorkers,
		"WatcherPolls":      m.WatcherPolls,
		"WatcherFailures":   m.WatcherFailures,
		"RequestDuration":   m.RequestDuration,
	}
	for name, inst := range instruments {
		if inst == nil {
			t.Errorf("%s is nil", name)
		}
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	m.Inc(context.Background(), func(m *Metrics) metric.Int64Counter { return m.Escalations }, AttrKind.String("parse_failure"))
	m.ObserveAI(context.Background(), 0.25, "transient")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Inc(context.Background(), func(m *Metrics) metric.Int64Counter { return m.TasksCreated })
	m.ObserveAI(context.Background(), 1, "ok")
}
