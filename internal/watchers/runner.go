// Package watchers runs independent polling loops that turn external items
// into tasks. Each Runner owns one Source and never waits on another.
package watchers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/steward/internal/bus"
	"github.com/basket/steward/internal/intake"
	"github.com/basket/steward/internal/otel"
	"github.com/basket/steward/internal/persistence"
	"go.opentelemetry.io/otel/metric"
)

// Source yields the items currently visible at an external source. Returning
// an item twice is fine; the dedup ledger absorbs it.
type Source interface {
	Name() string
	Poll(ctx context.Context) ([]intake.Event, error)
}

// Committer is implemented by sources that keep a cursor. Commit is called
// once every event from the last Poll has been stored.
type Committer interface {
	Commit(ctx context.Context) error
}

// Notifier is implemented by event-driven sources. A receive on the channel
// triggers an extra poll between ticks.
type Notifier interface {
	Notify(ctx context.Context) (<-chan struct{}, error)
}

// Normalizer is the intake surface a runner writes through.
type Normalizer interface {
	Normalize(ctx context.Context, ev intake.Event) (*persistence.Task, error)
	Escalate(ctx context.Context, kind, ref, detail string) (bool, error)
}

type RunnerConfig struct {
	Interval time.Duration
	// FailureThreshold consecutive failed polls pause the watcher for Pause.
	FailureThreshold int
	Pause            time.Duration
}

// PollReport describes one poll cycle.
type PollReport struct {
	Events     int
	Created    int
	Duplicates int
}

// ErrPaused is returned by PollOnce while the watcher is self-paused.
var ErrPaused = errors.New("watcher paused")

type Runner struct {
	src  Source
	norm Normalizer
	cfg  RunnerConfig

	logger  *slog.Logger
	bus     *bus.Bus
	metrics *otel.Metrics
	now     func() time.Time

	failures    int
	pausedUntil time.Time
}

type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option { return func(r *Runner) { r.logger = logger } }

func WithBus(b *bus.Bus) Option { return func(r *Runner) { r.bus = b } }

func WithMetrics(m *otel.Metrics) Option { return func(r *Runner) { r.metrics = m } }

func NewRunner(src Source, norm Normalizer, cfg RunnerConfig, opts ...Option) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Pause <= 0 {
		cfg.Pause = 5 * time.Minute
	}
	r := &Runner{src: src, norm: norm, cfg: cfg, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "watcher", "watcher", src.Name())
	return r
}

func (r *Runner) Name() string { return r.src.Name() }

// Run polls at once, then on every tick and notification, until ctx ends.
func (r *Runner) Run(ctx context.Context) error {
	var notify <-chan struct{}
	if n, ok := r.src.(Notifier); ok {
		ch, err := n.Notify(ctx)
		if err != nil {
			r.logger.Warn("event notifications unavailable; polling only", "error", err)
		} else {
			notify = ch
		}
	}

	r.logger.Info("watcher started", "interval", r.cfg.Interval)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := r.PollOnce(ctx); err != nil && !errors.Is(err, ErrPaused) && ctx.Err() == nil {
			r.logger.Warn("poll failed", "error", err, "consecutive_failures", r.failures)
		}
		select {
		case <-ctx.Done():
			r.logger.Info("watcher stopped")
			return nil
		case <-ticker.C:
		case _, ok := <-notify:
			if !ok {
				notify = nil
			}
		}
	}
}

// PollOnce runs one cycle: poll the source, normalize every event, then
// commit the source cursor. Any failure counts toward the pause threshold.
func (r *Runner) PollOnce(ctx context.Context) (PollReport, error) {
	var report PollReport
	if now := r.now(); now.Before(r.pausedUntil) {
		return report, fmt.Errorf("%w until %s", ErrPaused, r.pausedUntil.Format(time.RFC3339))
	}
	r.metrics.Inc(ctx, func(m *otel.Metrics) metric.Int64Counter { return m.WatcherPolls }, otel.AttrWatcher.String(r.src.Name()))

	events, err := r.src.Poll(ctx)
	if err != nil {
		return report, r.fail(ctx, fmt.Errorf("poll %s: %w", r.src.Name(), err))
	}
	report.Events = len(events)
	for _, ev := range events {
		_, err := r.norm.Normalize(ctx, ev)
		switch {
		case err == nil:
			report.Created++
		case errors.Is(err, intake.ErrDuplicate):
			report.Duplicates++
		default:
			return report, r.fail(ctx, err)
		}
	}
	if c, ok := r.src.(Committer); ok {
		if err := c.Commit(ctx); err != nil {
			return report, r.fail(ctx, fmt.Errorf("commit %s cursor: %w", r.src.Name(), err))
		}
	}

	r.failures = 0
	if report.Created > 0 {
		r.logger.Info("poll created tasks", "created", report.Created, "duplicates", report.Duplicates)
	}
	r.bus.Publish(bus.TopicWatcherPolled, bus.WatcherEvent{Watcher: r.src.Name(), Created: report.Created})
	return report, nil
}

func (r *Runner) fail(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	r.failures++
	r.metrics.Inc(ctx, func(m *otel.Metrics) metric.Int64Counter { return m.WatcherFailures }, otel.AttrWatcher.String(r.src.Name()))
	if r.failures < r.cfg.FailureThreshold {
		return err
	}

	count := r.failures
	r.failures = 0
	start := r.now()
	r.pausedUntil = start.Add(r.cfg.Pause)
	r.logger.Error("watcher paused after repeated failures", "failures", count, "until", r.pausedUntil, "error", err)
	r.bus.Publish(bus.TopicWatcherPaused, bus.WatcherEvent{Watcher: r.src.Name(), Failure: count, Error: err.Error()})

	ref := r.src.Name() + "/" + start.UTC().Format("2006-01-02T15:04")
	detail := fmt.Sprintf("The %s watcher failed %d times in a row and paused until %s.\n\nLast error: %v",
		r.src.Name(), count, r.pausedUntil.UTC().Format(time.RFC3339), err)
	if _, escErr := r.norm.Escalate(context.WithoutCancel(ctx), intake.KindWatcherPaused, ref, detail); escErr != nil {
		r.logger.Error("pause escalation failed", "error", escErr)
	}
	return err
}
