// Package intake turns raw watcher events into queue tasks. It owns the
// exactly-once guarantee: the dedup ledger entry and the task are written in
// one transaction, and a replayed event reports ErrDuplicate.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/steward/internal/audit"
	"github.com/basket/steward/internal/bus"
	"github.com/basket/steward/internal/otel"
	"github.com/basket/steward/internal/persistence"
	"go.opentelemetry.io/otel/metric"
)

// ErrDuplicate reports that (source, origin_ref) already produced a task.
// Watchers absorb it.
var ErrDuplicate = persistence.ErrDuplicate

// Event is a raw item observed by a watcher or submitted by an operator.
type Event struct {
	Source    persistence.Source
	OriginRef string
	Content   string
	Sender    string
	Subject   string
	// Priority, when set, skips classification.
	Priority persistence.Priority
}

// TaskCreator is the slice of the queue the normalizer writes to.
type TaskCreator interface {
	CreateTask(ctx context.Context, in persistence.NewTask) (*persistence.Task, error)
}

type Normalizer struct {
	store   TaskCreator
	rules   Rules
	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
}

// Option configures a Normalizer.
type Option func(*Normalizer)

func WithBus(b *bus.Bus) Option { return func(n *Normalizer) { n.bus = b } }

func WithMetrics(m *otel.Metrics) Option { return func(n *Normalizer) { n.metrics = m } }

func WithLogger(logger *slog.Logger) Option { return func(n *Normalizer) { n.logger = logger } }

func New(store TaskCreator, rules Rules, opts ...Option) *Normalizer {
	if rules.Defaults == nil {
		rules.Defaults = DefaultPriorities()
	}
	n := &Normalizer{store: store, rules: rules, logger: slog.Default()}
	for _, opt := range opts {
		opt(n)
	}
	n.logger = n.logger.With("component", "intake")
	return n
}

// Normalize creates exactly one NEEDS_ACTION task for a new event. A replay
// returns ErrDuplicate and writes nothing.
func (n *Normalizer) Normalize(ctx context.Context, ev Event) (*persistence.Task, error) {
	ev.OriginRef = strings.TrimSpace(ev.OriginRef)
	if ev.OriginRef == "" {
		return nil, fmt.Errorf("normalize %s event: empty origin_ref", ev.Source)
	}
	if _, ok := persistence.ParseSource(string(ev.Source)); !ok {
		return nil, fmt.Errorf("normalize event: unknown source %q", ev.Source)
	}

	priority := n.rules.Classify(ev)
	task, err := n.store.CreateTask(ctx, persistence.NewTask{
		Source:    ev.Source,
		OriginRef: ev.OriginRef,
		Priority:  priority,
		Payload:   renderPayload(ev),
	})
	if errors.Is(err, persistence.ErrDuplicate) {
		n.logger.Debug("duplicate event absorbed", "source", ev.Source, "origin_ref", ev.OriginRef)
		return nil, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("normalize %s/%s: %w", ev.Source, ev.OriginRef, err)
	}

	n.metrics.Inc(ctx, func(m *otel.Metrics) metric.Int64Counter { return m.TasksCreated }, otel.AttrSource.String(string(ev.Source)))
	n.logger.Info("task created",
		"task_id", task.ID,
		"source", task.Source,
		"origin_ref", task.OriginRef,
		"priority", task.Priority,
	)
	return task, nil
}

func renderPayload(ev Event) string {
	var b strings.Builder
	if ev.Sender != "" {
		fmt.Fprintf(&b, "From: %s\n", ev.Sender)
	}
	if ev.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\n", ev.Subject)
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString(strings.TrimSpace(ev.Content))
	return b.String()
}

// Escalation kinds. The origin_ref of an escalation task is "<kind>/<ref>",
// so one failure never escalates twice.
const (
	KindParseFailure    = "parse_failure"
	KindReplanBound     = "replan_bound"
	KindWorkerExhausted = "worker_exhausted"
	KindAuthExpired     = "auth_expired"
	KindWatcherPaused   = "watcher_paused"
)

// Escalate creates a SYSTEM task asking a human to look at a failure. It
// reports false, without error, when the same escalation already exists.
func (n *Normalizer) Escalate(ctx context.Context, kind, ref, detail string) (bool, error) {
	originRef := kind + "/" + ref
	task, err := n.Normalize(ctx, Event{
		Source:    persistence.SourceSystem,
		OriginRef: originRef,
		Subject:   "Escalation: " + strings.ReplaceAll(kind, "_", " "),
		Content:   detail,
	})
	if errors.Is(err, ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("escalate %s: %w", originRef, err)
	}

	audit.RecordContext(ctx, "escalate", kind, detail, "", originRef)
	n.metrics.Inc(ctx, func(m *otel.Metrics) metric.Int64Counter { return m.Escalations }, otel.AttrKind.String(kind))
	n.bus.Publish(bus.TopicEscalation, bus.EscalationEvent{TaskID: task.ID, Kind: kind, Ref: ref})
	n.logger.Warn("escalation created", "task_id", task.ID, "kind", kind, "ref", ref)
	return true, nil
}
