// Package approval applies human decisions to PENDING_APPROVAL tasks.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/basket/steward/internal/audit"
	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/intake"
	"github.com/basket/steward/internal/otel"
	"github.com/basket/steward/internal/persistence"
	"go.opentelemetry.io/otel/metric"
)

type Verdict string

const (
	Approve Verdict = "approve"
	Reject  Verdict = "reject"
)

// ErrUnknownRef is returned when a task id or list index matches nothing
// awaiting approval.
var ErrUnknownRef = errors.New("approval: no pending task matches")

// Pending is one entry of the approval listing. Index is 1-based and stable
// for a given queue snapshot (created_at, then id).
type Pending struct {
	Index   int              `json:"index"`
	Task    persistence.Task `json:"task"`
	Plan    persistence.Plan `json:"plan"`
	Age     time.Duration    `json:"age"`
	Expired bool             `json:"expired"`
}

// Outcome reports what one decision did.
type Outcome struct {
	TaskID      string            `json:"task_id"`
	Verdict     Verdict           `json:"verdict"`
	State       persistence.State `json:"state,omitempty"`
	ReplanCount int               `json:"replan_count,omitempty"`
	Escalated   bool              `json:"escalated,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Summary is the per-item result of DecideAll.
type Summary struct {
	Outcomes  []Outcome `json:"outcomes"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
}

type Escalator interface {
	Escalate(ctx context.Context, kind, ref, detail string) (bool, error)
}

type Manager struct {
	store      *persistence.Store
	escalator  Escalator
	maxReplans int
	expiry     time.Duration
	logger     *slog.Logger
	metrics    *otel.Metrics
	now        func() time.Time
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option { return func(m *Manager) { m.logger = logger } }

func WithMetrics(metrics *otel.Metrics) Option { return func(m *Manager) { m.metrics = metrics } }

func New(store *persistence.Store, escalator Escalator, cfg config.ApprovalConfig, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		escalator:  escalator,
		maxReplans: cfg.MaxReplans,
		expiry:     cfg.Expiry(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	if m.maxReplans < 0 {
		m.maxReplans = 0
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "approval")
	return m
}

// ListPending returns the tasks awaiting a decision, oldest first. Entries
// older than the expiry are flagged but stay decidable.
func (m *Manager) ListPending(ctx context.Context) ([]Pending, error) {
	items, err := m.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]Pending, 0, len(items))
	for i, item := range items {
		age := now.Sub(item.Task.UpdatedAt)
		out = append(out, Pending{
			Index:   i + 1,
			Task:    item.Task,
			Plan:    item.Plan,
			Age:     age,
			Expired: m.expiry > 0 && age > m.expiry,
		})
	}
	return out, nil
}

// Resolve turns a task id or a 1-based listing index into a task id.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrUnknownRef)
	}
	pending, err := m.ListPending(ctx)
	if err != nil {
		return "", err
	}
	if idx, err := strconv.Atoi(ref); err == nil {
		if idx < 1 || idx > len(pending) {
			return "", fmt.Errorf("%w: index %d (have %d)", ErrUnknownRef, idx, len(pending))
		}
		return pending[idx-1].Task.ID, nil
	}
	for _, p := range pending {
		if p.Task.ID == ref {
			return ref, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownRef, ref)
}

// Decide applies one verdict. Approve moves the task to DONE. Reject sends
// it back to NEEDS_ACTION for a new plan, or to FAILED with an escalation
// once it has been rejected more than the re-plan bound.
func (m *Manager) Decide(ctx context.Context, taskID string, verdict Verdict, reason string) (Outcome, error) {
	out := Outcome{TaskID: taskID, Verdict: verdict}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "operator " + string(verdict)
	}

	switch verdict {
	case Approve:
		if err := m.store.Approve(ctx, taskID, reason); err != nil {
			return out, fmt.Errorf("approve %s: %w", taskID, err)
		}
		out.State = persistence.StateDone
	case Reject:
		res, err := m.store.Reject(ctx, taskID, reason, m.maxReplans)
		if err != nil {
			return out, fmt.Errorf("reject %s: %w", taskID, err)
		}
		out.State = res.State
		out.ReplanCount = res.ReplanCount
		if res.State == persistence.StateFailed {
			detail := fmt.Sprintf("Task %s was rejected %d times (bound %d) and has been marked FAILED. Last reason: %s",
				taskID, res.ReplanCount, m.maxReplans, reason)
			created, err := m.escalator.Escalate(ctx, intake.KindReplanBound, taskID, detail)
			if err != nil {
				m.logger.Error("replan bound escalation failed", "task_id", taskID, "error", err)
			}
			out.Escalated = created
		}
	default:
		return out, fmt.Errorf("unknown verdict %q", verdict)
	}

	audit.RecordContext(ctx, string(verdict), "approval", reason, "", taskID)
	m.metrics.Inc(ctx, func(mt *otel.Metrics) metric.Int64Counter { return mt.ApprovalDecisions },
		otel.AttrVerdict.String(string(verdict)),
		otel.AttrState.String(string(out.State)),
	)
	m.logger.Info("approval decision",
		"task_id", taskID,
		"verdict", verdict,
		"state", out.State,
		"replan_count", out.ReplanCount,
	)
	return out, nil
}

// DecideAll applies verdict to every pending task. Each decision commits on
// its own; a failure is reported in the summary and does not undo earlier
// items.
func (m *Manager) DecideAll(ctx context.Context, verdict Verdict, reason string) (Summary, error) {
	pending, err := m.ListPending(ctx)
	if err != nil {
		return Summary{}, err
	}
	var sum Summary
	for _, p := range pending {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		out, err := m.Decide(ctx, p.Task.ID, verdict, reason)
		if err != nil {
			out.Error = err.Error()
			sum.Failed++
			m.logger.Warn("batch decision failed", "task_id", p.Task.ID, "error", err)
		} else {
			sum.Succeeded++
		}
		sum.Outcomes = append(sum.Outcomes, out)
	}
	return sum, nil
}
