// Package brain is the AI capability: submit a prompt with history, receive
// text. Every implementation reports failures through the taxonomy in
// errors.go so the orchestrator and the worker loop can decide whether to
// retry, wait, or escalate.
package brain

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/steward/internal/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one prior message in a conversation.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Capability is the AI completion provider.
type Capability interface {
	Complete(ctx context.Context, prompt string, history []Turn) (string, error)
}

// CapabilityFunc adapts a function to Capability.
type CapabilityFunc func(ctx context.Context, prompt string, history []Turn) (string, error)

func (f CapabilityFunc) Complete(ctx context.Context, prompt string, history []Turn) (string, error) {
	return f(ctx, prompt, history)
}

type timeoutCapability struct {
	inner   Capability
	timeout time.Duration
}

// WithTimeout bounds every call to d. A call that runs out of time fails with
// ErrUnavailable; cancellation of the caller's context is passed through.
func WithTimeout(c Capability, d time.Duration) Capability {
	if d <= 0 {
		return c
	}
	return &timeoutCapability{inner: c, timeout: d}
}

func (t *timeoutCapability) Complete(ctx context.Context, prompt string, history []Turn) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	out, err := t.inner.Complete(callCtx, prompt, history)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if callCtx.Err() != nil {
		return "", fmt.Errorf("%w: call exceeded %s", ErrUnavailable, t.timeout)
	}
	return "", Normalize(err)
}

type tracedCapability struct {
	inner   Capability
	tracer  trace.Tracer
	metrics *otel.Metrics
	model   string
}

// Traced wraps c with a client span and the steward.ai.* metrics.
func Traced(c Capability, tracer trace.Tracer, metrics *otel.Metrics, model string) Capability {
	return &tracedCapability{inner: c, tracer: otel.Tracer(tracer), metrics: metrics, model: model}
}

func (t *tracedCapability) Complete(ctx context.Context, prompt string, history []Turn) (string, error) {
	ctx, span := otel.StartClientSpan(ctx, t.tracer, "brain.complete", otel.AttrModel.String(t.model))
	defer span.End()

	start := time.Now()
	out, err := t.inner.Complete(ctx, prompt, history)
	err = Normalize(err)
	class := Class(err)
	t.metrics.ObserveAI(ctx, time.Since(start).Seconds(), class)
	span.SetAttributes(otel.AttrErrorClass.String(class))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, class)
	}
	return out, err
}
