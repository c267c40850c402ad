package cron

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/intake"
	"github.com/basket/steward/internal/persistence"
	"github.com/basket/steward/internal/worker"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "steward.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeWorker struct {
	mu       sync.Mutex
	sessions []worker.Session
	release  chan struct{}
}

func (f *fakeWorker) Run(ctx context.Context, s worker.Session) (worker.Result, error) {
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
		}
	}
	return worker.Result{SessionID: s.ID, Status: worker.StatusSucceeded}, nil
}

func (f *fakeWorker) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func TestScheduler_EnqueueFiresOncePerSlot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	norm := intake.New(store, intake.Rules{Defaults: intake.DefaultPriorities()})

	s, err := NewScheduler(Config{
		Jobs: []config.ScheduleConfig{{
			Name: "weekly-review", Cron: "0 9 * * 1", Payload: "Review the open tasks", Priority: "high",
		}},
		KV:     store,
		Intake: norm,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	// Friday 2026-10-16: first sight only arms the job.
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	s.Tick(ctx)
	next, _ := store.KVGet(ctx, "cron.weekly-review.next")
	if next != "2026-10-19T09:00:00Z" {
		t.Fatalf("armed next = %q", next)
	}
	if tasks, _ := store.ListByState(ctx, persistence.StateNeedsAction, 10); len(tasks) != 0 {
		t.Fatalf("expected no task before the slot, got %d", len(tasks))
	}

	now = time.Date(2026, 10, 19, 9, 0, 30, 0, time.UTC)
	s.Tick(ctx)
	s.Tick(ctx)

	tasks, err := store.ListByState(ctx, persistence.StateNeedsAction, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected exactly one task for the slot, got %d", len(tasks))
	}
	if tasks[0].Source != persistence.SourceManual || tasks[0].Priority != persistence.PriorityHigh {
		t.Fatalf("unexpected task %+v", tasks[0])
	}
	if tasks[0].OriginRef != "cron/weekly-review/2026-10-19T09:00" {
		t.Fatalf("origin ref = %q", tasks[0].OriginRef)
	}
	next, _ = store.KVGet(ctx, "cron.weekly-review.next")
	if next != "2026-10-26T09:00:00Z" {
		t.Fatalf("re-armed next = %q", next)
	}
}

func TestScheduler_RestartDoesNotRepeatSlot(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	norm := intake.New(store, intake.Rules{Defaults: intake.DefaultPriorities()})
	jobs := []config.ScheduleConfig{{Name: "hourly", Cron: "0 * * * *", Payload: "check"}}

	// A stored next-run in the past fires on the first tick after restart.
	if err := store.KVSet(ctx, "cron.hourly.next", "2026-10-16T10:00:00Z"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	now := time.Date(2026, 10, 16, 10, 20, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		s, err := NewScheduler(Config{Jobs: jobs, KV: store, Intake: norm})
		if err != nil {
			t.Fatalf("new scheduler: %v", err)
		}
		s.now = func() time.Time { return now }
		s.Tick(ctx)
	}
	tasks, _ := store.ListByState(ctx, persistence.StateNeedsAction, 10)
	if len(tasks) != 1 {
		t.Fatalf("expected one task across restarts, got %d", len(tasks))
	}
}

func TestScheduler_WorkerJobDoesNotOverlap(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	norm := intake.New(store, intake.Rules{Defaults: intake.DefaultPriorities()})
	fw := &fakeWorker{release: make(chan struct{})}

	s, err := NewScheduler(Config{
		Jobs: []config.ScheduleConfig{{
			Name: "drain", Cron: "*/5 * * * *", Kind: KindWorker, Payload: "Work the queue",
			Predicate: "queue_empty", MaxIterations: 4,
		}},
		KV:     store,
		Intake: norm,
		Worker: fw,
		Queue:  store,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := store.KVSet(ctx, "cron.drain.next", "2026-10-16T10:00:00Z"); err != nil {
		t.Fatalf("kv set: %v", err)
	}
	now := time.Date(2026, 10, 16, 10, 0, 5, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Tick(ctx)
	waitFor(t, 2*time.Second, func() bool { return fw.count() == 1 })

	// The next slot comes due while the first session still runs.
	now = time.Date(2026, 10, 16, 10, 5, 5, 0, time.UTC)
	s.Tick(ctx)
	close(fw.release)
	s.wg.Wait()

	if fw.count() != 1 {
		t.Fatalf("expected a single session, got %d", fw.count())
	}
	got := fw.sessions[0]
	if got.ID != "cron-drain-2026-10-16T10:00" || got.MaxIterations != 4 || got.Predicate == nil {
		t.Fatalf("unexpected session %+v", got)
	}
	ok, err := got.Predicate.Satisfied(ctx, worker.Check{})
	if err != nil || !ok {
		t.Fatalf("queue_empty on an empty queue = %v, %v", ok, err)
	}
}

func TestScheduler_WorkerSlotRunsInOneProcess(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "steward.db")
	ctx := context.Background()
	jobs := []config.ScheduleConfig{{Name: "drain", Cron: "*/5 * * * *", Kind: KindWorker, Payload: "Work the queue"}}
	now := time.Date(2026, 10, 16, 10, 0, 5, 0, time.UTC)

	// Two daemons on one queue file both see the same slot as due before
	// either re-arms it.
	var schedulers []*Scheduler
	var workers []*fakeWorker
	for i := 0; i < 2; i++ {
		store, err := persistence.Open(dbPath, nil)
		if err != nil {
			t.Fatalf("open store %d: %v", i, err)
		}
		t.Cleanup(func() { _ = store.Close() })
		if err := store.KVSet(ctx, "cron.drain.next", "2026-10-16T10:00:00Z"); err != nil {
			t.Fatalf("kv set: %v", err)
		}
		fw := &fakeWorker{}
		s, err := NewScheduler(Config{
			Jobs:   jobs,
			KV:     store,
			Intake: intake.New(store, intake.Rules{Defaults: intake.DefaultPriorities()}),
			Worker: fw,
		})
		if err != nil {
			t.Fatalf("new scheduler %d: %v", i, err)
		}
		s.now = func() time.Time { return now }
		schedulers = append(schedulers, s)
		workers = append(workers, fw)
	}

	for _, s := range schedulers {
		s.fire(ctx, s.jobs[0], time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC))
	}
	for _, s := range schedulers {
		s.wg.Wait()
	}
	if total := workers[0].count() + workers[1].count(); total != 1 {
		t.Fatalf("slot ran %d times across processes, want 1", total)
	}
	if workers[0].count() != 1 {
		t.Fatalf("first claimant did not run the slot")
	}

	// The next slot is a fresh claim.
	schedulers[1].fire(ctx, schedulers[1].jobs[0], time.Date(2026, 10, 16, 10, 5, 0, 0, time.UTC))
	schedulers[1].wg.Wait()
	if workers[1].count() != 1 {
		t.Fatalf("second process did not run the next slot, count = %d", workers[1].count())
	}
}

func TestNewScheduler_RejectsBadJobs(t *testing.T) {
	store := openTestStore(t)
	norm := intake.New(store, intake.Rules{})
	cases := map[string]config.ScheduleConfig{
		"bad cron":      {Name: "a", Cron: "every day"},
		"bad kind":      {Name: "b", Cron: "* * * * *", Kind: "shell"},
		"bad priority":  {Name: "c", Cron: "* * * * *", Priority: "whenever"},
		"no worker":     {Name: "d", Cron: "* * * * *", Kind: KindWorker},
		"bad predicate": {Name: "e", Cron: "* * * * *", Kind: KindWorker, Predicate: "vibes"},
	}
	for name, job := range cases {
		t.Run(name, func(t *testing.T) {
			var w WorkerRunner
			if name == "bad predicate" {
				w = &fakeWorker{}
			}
			if _, err := NewScheduler(Config{Jobs: []config.ScheduleConfig{job}, KV: store, Intake: norm, Worker: w}); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestScheduler_StartStop(t *testing.T) {
	store := openTestStore(t)
	norm := intake.New(store, intake.Rules{})
	s, err := NewScheduler(Config{
		Jobs:     []config.ScheduleConfig{{Name: "tick", Cron: "* * * * *", Payload: "x"}},
		KV:       store,
		Intake:   norm,
		Interval: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	s.Start(context.Background())
	waitFor(t, 2*time.Second, func() bool {
		v, _ := store.KVGet(context.Background(), "cron.tick.next")
		return v != ""
	})
	s.Stop()
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 10, 16, 8, 59, 0, 0, time.UTC)
	got, err := NextRunTime("0 9 * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next = %v, want %v", got, want)
	}
	if _, err := NextRunTime("nope", after); err == nil {
		t.Fatal("expected parse error")
	}
}
