package gateway

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/basket/steward/internal/bus"
	"github.com/basket/steward/internal/persistence"
)

const namespace = "steward"

// promMetrics owns a private registry so several servers (and tests) can
// coexist in one process.
type promMetrics struct {
	registry    *prometheus.Registry
	transitions *prometheus.CounterVec
	created     *prometheus.CounterVec
	escalations *prometheus.CounterVec
	requests    *prometheus.CounterVec
}

func newPromMetrics(store Store, events *bus.Bus, logger *slog.Logger) *promMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	m := &promMetrics{
		registry: reg,
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Committed task moves by source and destination state.",
		}, []string{"from", "to"}),
		created: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Tasks created by source.",
		}, []string{"source"}),
		escalations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation tasks created by kind.",
		}, []string{"kind"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Gateway requests by route and status code.",
		}, []string{"route", "code"}),
	}
	reg.MustRegister(&depthCollector{store: store, logger: logger})
	if events != nil {
		factory.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_total",
			Help:      "Event deliveries discarded because a subscriber fell behind.",
		}, func() float64 { return float64(events.Dropped()) })
	}
	return m
}

func (m *promMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// observe folds one bus event into the counters.
func (m *promMetrics) observe(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case bus.TaskStateChangedEvent:
		from := p.OldStatus
		if from == "" {
			from = "none"
		}
		m.transitions.WithLabelValues(from, p.NewStatus).Inc()
	case bus.TaskCreatedEvent:
		m.created.WithLabelValues(p.Source).Inc()
	case bus.EscalationEvent:
		m.escalations.WithLabelValues(p.Kind).Inc()
	}
}

var depthDesc = prometheus.NewDesc(
	prometheus.BuildFQName(namespace, "", "queue_depth"),
	"Tasks currently held in each partition.",
	[]string{"state"}, nil,
)

// depthCollector reads partition sizes from the queue at scrape time.
type depthCollector struct {
	store  Store
	logger *slog.Logger
}

func (c *depthCollector) Describe(ch chan<- *prometheus.Desc) { ch <- depthDesc }

func (c *depthCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.store.Counts(context.Background())
	if err != nil {
		c.logger.Warn("gateway: queue depth unavailable", "error", err)
		return
	}
	for _, st := range persistence.States {
		ch <- prometheus.MustNewConstMetric(depthDesc, prometheus.GaugeValue, float64(counts[st]), string(st))
	}
}
