// Package orchestrator analyzes NEEDS_ACTION tasks: it asks the AI capability
// for a plan, runs the plan through the risk gate, and routes the task to DONE
// or PENDING_APPROVAL in one queue transaction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/steward/internal/audit"
	"github.com/basket/steward/internal/brain"
	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/intake"
	"github.com/basket/steward/internal/otel"
	"github.com/basket/steward/internal/persistence"
	"github.com/basket/steward/internal/policy"
	"github.com/basket/steward/internal/safety"
	"github.com/basket/steward/internal/shared"
	"github.com/basket/steward/internal/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Escalator creates SYSTEM tasks for failures a human must look at.
type Escalator interface {
	Escalate(ctx context.Context, kind, ref, detail string) (bool, error)
}

type Config struct {
	Interval         time.Duration
	MaxAttempts      int
	BaseDelay        time.Duration
	MaxRetryWait     time.Duration
	MaxParseFailures int
	Lease            time.Duration
	BatchSize        int
	// Provider names the AI backend in auth-expiry escalations.
	Provider string
}

func ConfigFrom(cfg config.OrchestratorConfig, provider string) Config {
	return Config{
		Interval:         cfg.Interval(),
		MaxAttempts:      cfg.MaxAttempts,
		BaseDelay:        cfg.BaseDelay(),
		MaxRetryWait:     cfg.MaxRetryWait(),
		MaxParseFailures: cfg.MaxParseFailures,
		Lease:            cfg.Lease(),
		BatchSize:        cfg.BatchSize,
		Provider:         provider,
	}
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.MaxRetryWait <= 0 {
		c.MaxRetryWait = 2 * time.Minute
	}
	if c.MaxParseFailures <= 0 {
		c.MaxParseFailures = 3
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.Provider == "" {
		c.Provider = "ai"
	}
}

// TickReport summarizes one pass over NEEDS_ACTION.
type TickReport struct {
	Listed          int  `json:"listed"`
	AutoApproved    int  `json:"auto_approved"`
	PendingApproval int  `json:"pending_approval"`
	Deferred        int  `json:"deferred"`
	ParseFailures   int  `json:"parse_failures"`
	Failed          int  `json:"failed"`
	Skipped         int  `json:"skipped"`
	AuthExpired     bool `json:"auth_expired,omitempty"`
}

type Orchestrator struct {
	store     *persistence.Store
	ai        brain.Capability
	gate      policy.Gate
	escalator Escalator
	parser    *PlanParser
	cfg       Config
	owner     string

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *otel.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option { return func(o *Orchestrator) { o.logger = logger } }

func WithTracer(t trace.Tracer) Option { return func(o *Orchestrator) { o.tracer = t } }

func WithMetrics(m *otel.Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

func New(store *persistence.Store, ai brain.Capability, gate policy.Gate, escalator Escalator, cfg Config, opts ...Option) (*Orchestrator, error) {
	if store == nil || ai == nil || gate == nil || escalator == nil {
		return nil, errors.New("orchestrator: store, capability, gate and escalator are required")
	}
	parser, err := NewPlanParser()
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	o := &Orchestrator{
		store:     store,
		ai:        ai,
		gate:      gate,
		escalator: escalator,
		parser:    parser,
		cfg:       cfg,
		owner:     "orchestrator-" + uuid.NewString()[:8],
		logger:    slog.Default(),
		now:       time.Now,
		sleep:     sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.tracer = otel.Tracer(o.tracer)
	o.logger = o.logger.With("component", "orchestrator", "owner", o.owner)
	return o, nil
}

// Run ticks immediately and then every Interval until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("orchestrator started", "interval", o.cfg.Interval)
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := o.Tick(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error("orchestrator tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			o.logger.Info("orchestrator stopped")
			return nil
		case <-ticker.C:
		}
	}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeAutoApproved
	outcomePendingApproval
	outcomeDeferred
	outcomeParseFailure
	outcomeFailed
	outcomeAuthExpired
)

// Tick processes the current NEEDS_ACTION partition once. Each task is
// handled independently; only auth expiry ends the tick early.
func (o *Orchestrator) Tick(ctx context.Context) (TickReport, error) {
	ctx, span := otel.StartSpan(ctx, o.tracer, "orchestrator.tick")
	defer span.End()

	var report TickReport
	tasks, err := o.store.ListByState(ctx, persistence.StateNeedsAction, o.cfg.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list needs_action: %w", err)
	}
	report.Listed = len(tasks)

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		switch o.process(ctx, task) {
		case outcomeAutoApproved:
			report.AutoApproved++
		case outcomePendingApproval:
			report.PendingApproval++
		case outcomeDeferred:
			report.Deferred++
		case outcomeParseFailure:
			report.ParseFailures++
		case outcomeFailed:
			report.ParseFailures++
			report.Failed++
		case outcomeAuthExpired:
			report.AuthExpired = true
		default:
			report.Skipped++
		}
		if report.AuthExpired {
			break
		}
	}
	if report.Listed > 0 {
		o.logger.Info("orchestrator tick",
			"listed", report.Listed,
			"auto_approved", report.AutoApproved,
			"pending_approval", report.PendingApproval,
			"deferred", report.Deferred,
			"parse_failures", report.ParseFailures,
			"failed", report.Failed,
			"auth_expired", report.AuthExpired,
		)
	}
	return report, nil
}

func (o *Orchestrator) process(ctx context.Context, task persistence.Task) outcome {
	ctx, span := otel.StartSpan(ctx, o.tracer, "orchestrator.process",
		otel.AttrTaskID.String(task.ID),
		otel.AttrSource.String(string(task.Source)),
	)
	defer span.End()
	ctx = shared.WithTaskID(ctx, task.ID)
	logger := telemetry.WithContext(ctx, o.logger)

	claimed, err := o.store.Claim(ctx, task.ID, o.owner, o.cfg.Lease)
	if err != nil {
		logger.Error("claim failed", "error", err)
		return outcomeSkipped
	}
	if !claimed {
		logger.Debug("task leased elsewhere")
		return outcomeSkipped
	}
	// Queue writes below must land even if shutdown starts mid-task.
	writeCtx := context.WithoutCancel(ctx)
	defer func() { _ = o.store.Release(writeCtx, task.ID, o.owner) }()

	response, err := o.complete(ctx, buildPrompt(task))
	if err != nil {
		return o.handleAIError(ctx, writeCtx, task, err, logger)
	}

	parsed, err := o.parser.Parse(response)
	if err != nil {
		return o.handleParseFailure(writeCtx, task, err, logger)
	}

	decision := o.gate.Decide(parsed.RiskLevel, parsed.Objective)
	decision = screen(decision, task, response, logger)
	plan, state, err := o.store.ApplyPlan(writeCtx, task.ID, persistence.Plan{
		Objective:        parsed.Objective,
		Steps:            parsed.Steps,
		RiskLevel:        parsed.RiskLevel,
		RequiresApproval: decision.Verdict == policy.RequiresApproval,
		Raw:              response,
	})
	if errors.Is(err, persistence.ErrStateConflict) || errors.Is(err, persistence.ErrNotFound) {
		logger.Info("task changed during analysis; plan discarded", "error", err)
		return outcomeSkipped
	}
	if err != nil {
		logger.Error("apply plan failed", "error", err)
		return outcomeSkipped
	}

	audit.RecordContext(ctx, "route", string(decision.Verdict), decision.Reason, o.gate.PolicyVersion(), task.ID)
	o.metrics.Inc(ctx, func(m *otel.Metrics) metric.Int64Counter { return m.TasksRouted },
		otel.AttrState.String(string(state)),
		otel.AttrRisk.String(string(plan.RiskLevel)),
	)
	logger.Info("plan applied",
		"plan_id", plan.ID,
		"risk_level", plan.RiskLevel,
		"verdict", decision.Verdict,
		"state", state,
	)
	if state == persistence.StatePendingApproval {
		return outcomePendingApproval
	}
	return outcomeAutoApproved
}

// complete calls the capability up to MaxAttempts times. Auth expiry and
// cancellation are returned at once; transient failures back off
// exponentially, or by the provider's retry hint, capped at MaxRetryWait.
func (o *Orchestrator) complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxAttempts; attempt++ {
		out, err := o.ai.Complete(ctx, prompt, nil)
		if err == nil {
			return out, nil
		}
		err = brain.Normalize(err)
		lastErr = err
		if errors.Is(err, brain.ErrAuthExpired) || ctx.Err() != nil {
			return "", err
		}
		if attempt == o.cfg.MaxAttempts-1 {
			break
		}
		wait := o.backoff(attempt, err)
		o.logger.Warn("ai call failed; retrying",
			"attempt", attempt+1,
			"max_attempts", o.cfg.MaxAttempts,
			"class", brain.Class(err),
			"wait", wait,
			"error", err,
		)
		if err := o.sleep(ctx, wait); err != nil {
			return "", err
		}
	}
	return "", lastErr
}

func (o *Orchestrator) backoff(attempt int, err error) time.Duration {
	wait := o.cfg.BaseDelay << attempt
	if hint, ok := brain.RetryAfter(err); ok && hint > 0 {
		wait = hint
	}
	if wait > o.cfg.MaxRetryWait {
		wait = o.cfg.MaxRetryWait
	}
	return wait
}

func (o *Orchestrator) handleAIError(ctx, writeCtx context.Context, task persistence.Task, err error, logger *slog.Logger) outcome {
	if ctx.Err() != nil {
		return outcomeSkipped
	}
	if errors.Is(err, brain.ErrAuthExpired) {
		_ = o.store.Annotate(writeCtx, task.ID, "deferred: AI provider credentials expired")
		ref := o.cfg.Provider + "/" + o.now().UTC().Format("2006-01-02")
		detail := fmt.Sprintf("The %s provider rejected our credentials while analyzing task %s: %v\n\nRenew the API key; analysis resumes on the next tick.", o.cfg.Provider, task.ID, err)
		if _, escErr := o.escalator.Escalate(writeCtx, intake.KindAuthExpired, ref, detail); escErr != nil {
			logger.Error("auth escalation failed", "error", escErr)
		}
		logger.Error("ai credentials expired; skipping the rest of this tick", "provider", o.cfg.Provider)
		return outcomeAuthExpired
	}
	note := fmt.Sprintf("deferred after %d attempts (%s): %v", o.cfg.MaxAttempts, brain.Class(err), err)
	if annErr := o.store.Annotate(writeCtx, task.ID, note); annErr != nil {
		logger.Error("annotate failed", "error", annErr)
	}
	logger.Warn("analysis deferred", "error", err)
	return outcomeDeferred
}

func (o *Orchestrator) handleParseFailure(writeCtx context.Context, task persistence.Task, parseErr error, logger *slog.Logger) outcome {
	o.metrics.Inc(writeCtx, func(m *otel.Metrics) metric.Int64Counter { return m.ParseFailures })
	res, err := o.store.RecordParseFailure(writeCtx, task.ID, "unparseable plan: "+parseErr.Error(), o.cfg.MaxParseFailures)
	if err != nil {
		logger.Error("record parse failure failed", "error", err)
		return outcomeSkipped
	}
	logger.Warn("plan response could not be parsed", "count", res.Count, "bound", o.cfg.MaxParseFailures, "error", parseErr)
	if !res.Failed {
		return outcomeParseFailure
	}
	detail := fmt.Sprintf("Task %s failed after %d unparseable AI responses. Last error: %v\n\nOriginal payload:\n%s",
		task.ID, res.Count, parseErr, task.Payload)
	if _, err := o.escalator.Escalate(writeCtx, intake.KindParseFailure, task.ID, detail); err != nil {
		logger.Error("parse failure escalation failed", "error", err)
	}
	return outcomeFailed
}

const promptTemplate = `Analyze the task below and reply with exactly one JSON object:
{"objective": "<one sentence>", "steps": ["<step>", "..."], "risk_level": "LOW|MEDIUM|HIGH"}
Use HIGH for anything that moves money, emails unknown contacts, posts publicly or deletes data.

Source: %s
Priority: %s
Task:
%s
`

// screen forces approval for escalations, for payloads that try to steer
// the planner and for plans that echo a credential.
func screen(d policy.Decision, task persistence.Task, response string, logger *slog.Logger) policy.Decision {
	finding := safety.ScreenPayload(task.Payload)
	if finding.Severity == safety.Suspicious {
		logger.Warn("payload looks suspicious", "reason", finding.Reason)
	}
	if d.Verdict == policy.RequiresApproval {
		return d
	}
	// An escalation is closed by a human, never by its own plan.
	if task.Source == persistence.SourceSystem {
		return policy.Decision{Verdict: policy.RequiresApproval, Reason: "escalation"}
	}
	if finding.Severity == safety.Injection {
		logger.Warn("payload screening forced approval", "reason", finding.Reason)
		return policy.Decision{Verdict: policy.RequiresApproval, Reason: "payload " + finding.Reason}
	}
	if secrets := safety.FindSecrets(response); len(secrets) > 0 {
		logger.Warn("plan contains a credential", "kind", secrets[0].Kind, "sample", secrets[0].Sample)
		return policy.Decision{Verdict: policy.RequiresApproval, Reason: "plan contains a " + secrets[0].Kind}
	}
	return d
}

func buildPrompt(task persistence.Task) string {
	return fmt.Sprintf(promptTemplate, task.Source, task.Priority, strings.TrimSpace(task.Payload))
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
