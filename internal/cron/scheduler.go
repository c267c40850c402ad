// Package cron fires the jobs listed under schedules: in config.yaml. An
// enqueue job creates a MANUAL task; a worker job runs the persist-until-done
// loop. Next-run times live in the queue's kv store, so a restart neither
// skips nor repeats a slot.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/intake"
	"github.com/basket/steward/internal/persistence"
	"github.com/basket/steward/internal/worker"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

const (
	KindEnqueue = "enqueue"
	KindWorker  = "worker"
)

type Enqueuer interface {
	Normalize(ctx context.Context, ev intake.Event) (*persistence.Task, error)
}

type WorkerRunner interface {
	Run(ctx context.Context, s worker.Session) (worker.Result, error)
}

type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
	KVSetIfAbsent(ctx context.Context, key, val string) (bool, error)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Jobs   []config.ScheduleConfig
	KV     KV
	Intake Enqueuer
	// Worker and Queue are needed only by kind=worker jobs.
	Worker   WorkerRunner
	Queue    worker.StateLister
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

type job struct {
	cfg       config.ScheduleConfig
	sched     cronlib.Schedule
	priority  persistence.Priority
	predicate worker.Predicate
}

// Scheduler checks every job on each tick and fires the ones that are due.
type Scheduler struct {
	jobs     []*job
	kv       KV
	intake   Enqueuer
	worker   WorkerRunner
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup

	runningMu sync.Mutex
	running   map[string]bool
}

// NewScheduler validates every job up front so a bad expression fails at
// startup rather than at its first slot.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.KV == nil || cfg.Intake == nil {
		return nil, errors.New("cron: kv store and intake are required")
	}

	s := &Scheduler{
		kv:       cfg.KV,
		intake:   cfg.Intake,
		worker:   cfg.Worker,
		logger:   logger.With("component", "cron"),
		interval: interval,
		now:      time.Now,
		running:  map[string]bool{},
	}
	for _, jc := range cfg.Jobs {
		sched, err := cronParser.Parse(jc.Cron)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: parse %q: %w", jc.Name, jc.Cron, err)
		}
		j := &job{cfg: jc, sched: sched}
		if jc.Priority != "" {
			p, ok := persistence.ParsePriority(jc.Priority)
			if !ok {
				return nil, fmt.Errorf("schedule %s: unknown priority %q", jc.Name, jc.Priority)
			}
			j.priority = p
		}
		switch jc.Kind {
		case "", KindEnqueue:
			j.cfg.Kind = KindEnqueue
		case KindWorker:
			if cfg.Worker == nil {
				return nil, fmt.Errorf("schedule %s: worker jobs need a worker loop", jc.Name)
			}
			switch strings.ToLower(jc.Predicate) {
			case "", "marker":
				// nil selects the loop's marker predicate
			case "queue_empty":
				if cfg.Queue == nil {
					return nil, fmt.Errorf("schedule %s: queue_empty needs the queue", jc.Name)
				}
				j.predicate = worker.QueueEmpty(cfg.Queue, persistence.StateNeedsAction)
			default:
				return nil, fmt.Errorf("schedule %s: unknown predicate %q", jc.Name, jc.Predicate)
			}
		default:
			return nil, fmt.Errorf("schedule %s: unknown kind %q", jc.Name, jc.Kind)
		}
		s.jobs = append(s.jobs, j)
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", len(s.jobs))
}

// Stop cancels the scheduler loop and waits for it and any worker jobs to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every job whose stored next-run time has passed. A job seen for
// the first time is only armed; it fires at its next slot.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	for _, j := range s.jobs {
		key := "cron." + j.cfg.Name + ".next"
		raw, err := s.kv.KVGet(ctx, key)
		if err != nil {
			s.logger.Error("cron: read next run failed", "schedule", j.cfg.Name, "error", err)
			continue
		}
		next, perr := time.Parse(time.RFC3339, raw)
		if raw == "" || perr != nil {
			s.arm(ctx, key, j, now)
			continue
		}
		if now.Before(next) {
			continue
		}
		s.fire(ctx, j, next)
		s.arm(ctx, key, j, now)
	}
}

func (s *Scheduler) arm(ctx context.Context, key string, j *job, now time.Time) {
	next := j.sched.Next(now)
	if err := s.kv.KVSet(ctx, key, next.UTC().Format(time.RFC3339)); err != nil {
		s.logger.Error("cron: store next run failed", "schedule", j.cfg.Name, "error", err)
	}
}

func (s *Scheduler) fire(ctx context.Context, j *job, slot time.Time) {
	slotRef := slot.UTC().Format("2006-01-02T15:04")
	switch j.cfg.Kind {
	case KindWorker:
		s.startWorker(ctx, j, slotRef)
	default:
		task, err := s.intake.Normalize(ctx, intake.Event{
			Source:    persistence.SourceManual,
			OriginRef: "cron/" + j.cfg.Name + "/" + slotRef,
			Subject:   "Scheduled: " + j.cfg.Name,
			Content:   j.cfg.Payload,
			Priority:  j.priority,
		})
		if errors.Is(err, intake.ErrDuplicate) {
			s.logger.Debug("cron: slot already enqueued", "schedule", j.cfg.Name, "slot", slotRef)
			return
		}
		if err != nil {
			s.logger.Error("cron: enqueue failed", "schedule", j.cfg.Name, "error", err)
			return
		}
		s.logger.Info("cron: schedule fired", "schedule", j.cfg.Name, "slot", slotRef, "task_id", task.ID)
	}
}

// startWorker runs a worker job in the background. A job still running from
// an earlier slot is not started twice, and each slot runs in only one of the
// processes sharing the queue: the first to claim cron/worker/<name>/<slot>
// in the kv store runs it.
func (s *Scheduler) startWorker(ctx context.Context, j *job, slotRef string) {
	s.runningMu.Lock()
	if s.running[j.cfg.Name] {
		s.runningMu.Unlock()
		s.logger.Warn("cron: worker job still running; slot skipped", "schedule", j.cfg.Name, "slot", slotRef)
		return
	}
	s.running[j.cfg.Name] = true
	s.runningMu.Unlock()

	claimed, err := s.kv.KVSetIfAbsent(ctx, "cron/worker/"+j.cfg.Name+"/"+slotRef, s.now().UTC().Format(time.RFC3339))
	if err != nil || !claimed {
		s.runningMu.Lock()
		delete(s.running, j.cfg.Name)
		s.runningMu.Unlock()
		if err != nil {
			s.logger.Error("cron: claim worker slot failed", "schedule", j.cfg.Name, "slot", slotRef, "error", err)
			return
		}
		s.logger.Debug("cron: worker slot claimed elsewhere", "schedule", j.cfg.Name, "slot", slotRef)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.runningMu.Lock()
			delete(s.running, j.cfg.Name)
			s.runningMu.Unlock()
		}()
		res, err := s.worker.Run(ctx, worker.Session{
			ID:            "cron-" + j.cfg.Name + "-" + slotRef,
			Description:   j.cfg.Payload,
			MaxIterations: j.cfg.MaxIterations,
			Predicate:     j.predicate,
		})
		if err != nil {
			s.logger.Error("cron: worker job failed", "schedule", j.cfg.Name, "status", res.Status, "error", err)
			return
		}
		s.logger.Info("cron: worker job finished", "schedule", j.cfg.Name, "status", res.Status, "iterations", res.Iterations)
	}()
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
