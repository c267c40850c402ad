// Package worker runs the persist-until-done loop: it keeps asking the AI
// capability to continue a task, carrying the whole conversation, until a
// completion predicate holds or the iteration budget is spent.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/steward/internal/brain"
	"github.com/basket/steward/internal/bus"
	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/intake"
	"github.com/basket/steward/internal/otel"
	"github.com/basket/steward/internal/shared"
	"github.com/basket/steward/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusExhausted Status = "EXHAUSTED"
	StatusFailed    Status = "FAILED"
)

// DefaultRateLimitWait is used when the provider throttles without a hint.
const DefaultRateLimitWait = 5 * time.Second

// Session describes one run. It lives only as long as Run.
type Session struct {
	ID          string
	Description string
	// MaxIterations overrides the loop default when positive.
	MaxIterations int
	// Predicate defaults to ContainsMarker with the configured marker.
	Predicate Predicate
}

// Result is the terminal state of a session.
type Result struct {
	SessionID     string       `json:"session_id"`
	Status        Status       `json:"status"`
	Iterations    int          `json:"iterations"`
	MaxIterations int          `json:"max_iterations"`
	Calls         int          `json:"calls"`
	Response      string       `json:"response,omitempty"`
	History       []brain.Turn `json:"history,omitempty"`
	Escalated     bool         `json:"escalated,omitempty"`
	Error         string       `json:"error,omitempty"`
}

type Escalator interface {
	Escalate(ctx context.Context, kind, ref, detail string) (bool, error)
}

type Loop struct {
	ai            brain.Capability
	escalator     Escalator
	marker        string
	maxIterations int
	maxRateWait   time.Duration

	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	tracer  trace.Tracer
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Loop)

func WithLogger(logger *slog.Logger) Option { return func(l *Loop) { l.logger = logger } }

func WithBus(b *bus.Bus) Option { return func(l *Loop) { l.bus = b } }

func WithMetrics(m *otel.Metrics) Option { return func(l *Loop) { l.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(l *Loop) { l.tracer = t } }

func New(ai brain.Capability, escalator Escalator, cfg config.WorkerConfig, opts ...Option) *Loop {
	l := &Loop{
		ai:            ai,
		escalator:     escalator,
		marker:        cfg.Marker,
		maxIterations: cfg.MaxIterations,
		maxRateWait:   cfg.MaxRateLimitWait(),
		logger:        slog.Default(),
		sleep:         sleepContext,
	}
	if l.marker == "" {
		l.marker = "<TASK_COMPLETE>"
	}
	if l.maxIterations <= 0 {
		l.maxIterations = 10
	}
	if l.maxRateWait <= 0 {
		l.maxRateWait = 2 * time.Minute
	}
	for _, opt := range opts {
		opt(l)
	}
	l.tracer = otel.Tracer(l.tracer)
	l.logger = l.logger.With("component", "worker")
	return l
}

// Marker is the completion marker the default predicate looks for.
func (l *Loop) Marker() string { return l.marker }

// Run drives the session to SUCCEEDED, EXHAUSTED or FAILED. Iterations are
// numbered from 0; iteration MaxIterations is the last, so the capability is
// called at most MaxIterations+1 times. AI errors spend their iteration. Only
// auth expiry and cancellation end the loop early, with a non-nil error.
func (l *Loop) Run(ctx context.Context, s Session) (Result, error) {
	if strings.TrimSpace(s.Description) == "" {
		return Result{Status: StatusFailed, Error: "empty task description"}, errors.New("worker: empty task description")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	maxIter := s.MaxIterations
	if maxIter <= 0 {
		maxIter = l.maxIterations
	}
	pred := s.Predicate
	if pred == nil {
		pred = ContainsMarker(l.marker)
	}

	ctx, span := otel.StartSpan(ctx, l.tracer, "worker.run", otel.AttrSessionID.String(s.ID))
	defer span.End()
	logger := telemetry.WithContext(ctx, l.logger).With("session_id", s.ID)

	res := Result{SessionID: s.ID, Status: StatusRunning, MaxIterations: maxIter}
	l.bus.Publish(bus.TopicWorkerStarted, bus.WorkerEvent{SessionID: s.ID, MaxIterations: maxIter, Status: string(StatusRunning)})
	if l.metrics != nil {
		l.metrics.ActiveWorkers.Add(ctx, 1)
		defer l.metrics.ActiveWorkers.Add(context.WithoutCancel(ctx), -1)
	}
	logger.Info("worker session started", "max_iterations", maxIter)

	var history []brain.Turn
	var lastErr error
	for i := 0; i <= maxIter; i++ {
		if err := ctx.Err(); err != nil {
			return l.fail(ctx, res, history, err, logger)
		}
		res.Iterations = i + 1
		prompt := l.promptFor(s.Description, history, i, maxIter)

		resp, err := l.ai.Complete(ctx, prompt, history)
		res.Calls++
		l.metrics.Inc(ctx, func(m *otel.Metrics) metric.Int64Counter { return m.WorkerIterations })
		l.bus.Publish(bus.TopicWorkerIteration, bus.WorkerEvent{SessionID: s.ID, Iteration: i, MaxIterations: maxIter})

		if err != nil {
			err = brain.Normalize(err)
			lastErr = err
			if ctx.Err() != nil {
				return l.fail(ctx, res, history, ctx.Err(), logger)
			}
			if errors.Is(err, brain.ErrAuthExpired) {
				detail := fmt.Sprintf("Worker session %s stopped at iteration %d: the AI provider rejected our credentials (%v).\n\nTask:\n%s", s.ID, i, err, s.Description)
				if _, escErr := l.escalator.Escalate(context.WithoutCancel(ctx), intake.KindAuthExpired, "worker/"+s.ID, detail); escErr != nil {
					logger.Error("auth escalation failed", "error", escErr)
				}
				return l.fail(ctx, res, history, err, logger)
			}
			logger.Warn("iteration failed", "iteration", i, "class", brain.Class(err), "error", err)
			if i < maxIter {
				if wait, ok := brain.RetryAfter(err); ok {
					if wait <= 0 {
						wait = DefaultRateLimitWait
					}
					if wait > l.maxRateWait {
						wait = l.maxRateWait
					}
					if err := l.sleep(ctx, wait); err != nil {
						return l.fail(ctx, res, history, err, logger)
					}
				}
			}
			continue
		}

		history = append(history,
			brain.Turn{Role: brain.RoleUser, Text: prompt},
			brain.Turn{Role: brain.RoleModel, Text: resp},
		)
		res.Response = resp
		done, perr := pred.Satisfied(ctx, Check{Iteration: i, Response: resp, History: history})
		if perr != nil {
			logger.Warn("completion predicate failed", "iteration", i, "error", perr)
		}
		if done {
			res.Status = StatusSucceeded
			res.History = history
			l.finish(ctx, res, logger)
			return res, nil
		}
	}

	res.Status = StatusExhausted
	res.History = history
	if lastErr != nil {
		res.Error = lastErr.Error()
	}
	detail := fmt.Sprintf("Worker session %s ran %d iterations (max %d) without meeting its completion condition.\n\nTask:\n%s\n\nLast response:\n%s",
		s.ID, res.Iterations, maxIter, s.Description, shared.Redact(truncate(res.Response, 2000)))
	created, err := l.escalator.Escalate(context.WithoutCancel(ctx), intake.KindWorkerExhausted, s.ID, detail)
	if err != nil {
		logger.Error("exhaustion escalation failed", "error", err)
	}
	res.Escalated = created
	l.finish(ctx, res, logger)
	return res, nil
}

const systemRules = `You are an autonomous worker. Complete the task fully.
Work step by step and make real progress in every reply.
State blockers plainly if you hit one.
When the task is 100%% complete, end your reply with %s. Do not write %s before then.

Task:
%s`

func (l *Loop) promptFor(description string, history []brain.Turn, i, maxIter int) string {
	if len(history) == 0 {
		return fmt.Sprintf(systemRules, l.marker, l.marker, strings.TrimSpace(description))
	}
	return fmt.Sprintf("Continue working on the task. You have not finished yet. You have %d iteration(s) remaining. Review your previous work above and keep making progress. When the task is 100%% complete, end with %s.",
		maxIter-i+1, l.marker)
}

func (l *Loop) fail(ctx context.Context, res Result, history []brain.Turn, err error, logger *slog.Logger) (Result, error) {
	res.Status = StatusFailed
	res.History = history
	res.Error = err.Error()
	l.finish(ctx, res, logger)
	return res, fmt.Errorf("worker session %s: %w", res.SessionID, err)
}

func (l *Loop) finish(ctx context.Context, res Result, logger *slog.Logger) {
	l.bus.Publish(bus.TopicWorkerFinished, bus.WorkerEvent{
		SessionID:     res.SessionID,
		Iteration:     res.Iterations,
		MaxIterations: res.MaxIterations,
		Status:        string(res.Status),
	})
	trace.SpanFromContext(ctx).SetAttributes(otel.AttrIteration.Int(res.Iterations))
	logger.Info("worker session finished",
		"status", res.Status,
		"iterations", res.Iterations,
		"calls", res.Calls,
		"escalated", res.Escalated,
	)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
