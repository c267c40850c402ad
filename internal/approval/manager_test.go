package approval

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/intake"
	"github.com/basket/steward/internal/persistence"
)

func newManager(t *testing.T, maxReplans int) (*Manager, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "steward.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	n := intake.New(store, intake.Rules{})
	return New(store, n, config.ApprovalConfig{MaxReplans: maxReplans, ExpiryHours: 24}), store
}

func pendingTask(t *testing.T, store *persistence.Store, ref string) *persistence.Task {
	t.Helper()
	ctx := context.Background()
	task, err := store.CreateTask(ctx, persistence.NewTask{
		Source:    persistence.SourceMail,
		OriginRef: ref,
		Priority:  persistence.PriorityHigh,
		Payload:   "pay " + ref,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	replan(t, store, task.ID)
	return task
}

func replan(t *testing.T, store *persistence.Store, taskID string) {
	t.Helper()
	_, state, err := store.ApplyPlan(context.Background(), taskID, persistence.Plan{
		Objective:        "Pay the invoice",
		Steps:            []string{"verify", "pay"},
		RiskLevel:        persistence.RiskHigh,
		RequiresApproval: true,
	})
	if err != nil {
		t.Fatalf("apply plan: %v", err)
	}
	if state != persistence.StatePendingApproval {
		t.Fatalf("state = %s", state)
	}
}

func stateOf(t *testing.T, store *persistence.Store, id string) persistence.State {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return task.State
}

func TestListPending_IndexesAndExpiry(t *testing.T) {
	m, store := newManager(t, 3)
	a := pendingTask(t, store, "<a@x>")
	b := pendingTask(t, store, "<b@x>")

	list, err := m.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(list) != 2 || list[0].Index != 1 || list[1].Index != 2 {
		t.Fatalf("list = %+v", list)
	}
	if list[0].Task.ID != a.ID || list[1].Task.ID != b.ID {
		t.Fatal("listing is not oldest first")
	}
	if list[0].Expired || list[0].Plan.Objective != "Pay the invoice" {
		t.Fatalf("entry = %+v", list[0])
	}

	m.now = func() time.Time { return time.Now().Add(25 * time.Hour) }
	list, err = m.ListPending(context.Background())
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if !list[0].Expired || !list[1].Expired {
		t.Fatal("entries older than the expiry should be flagged")
	}
}

func TestResolve(t *testing.T) {
	m, store := newManager(t, 3)
	a := pendingTask(t, store, "<a@x>")
	b := pendingTask(t, store, "<b@x>")
	ctx := context.Background()

	for ref, want := range map[string]string{"1": a.ID, " 2 ": b.ID, b.ID: b.ID} {
		got, err := m.Resolve(ctx, ref)
		if err != nil || got != want {
			t.Fatalf("Resolve(%q) = %q, %v; want %q", ref, got, err, want)
		}
	}
	for _, ref := range []string{"0", "3", "no-such-id", ""} {
		if _, err := m.Resolve(ctx, ref); !errors.Is(err, ErrUnknownRef) {
			t.Fatalf("Resolve(%q) err = %v, want ErrUnknownRef", ref, err)
		}
	}
}

func TestDecide_Approve(t *testing.T) {
	m, store := newManager(t, 3)
	task := pendingTask(t, store, "<a@x>")
	out, err := m.Decide(context.Background(), task.ID, Approve, "")
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if out.State != persistence.StateDone || stateOf(t, store, task.ID) != persistence.StateDone {
		t.Fatalf("outcome = %+v", out)
	}
	if _, err := m.Decide(context.Background(), task.ID, Approve, ""); !errors.Is(err, persistence.ErrStateConflict) {
		t.Fatalf("second approve err = %v, want ErrStateConflict", err)
	}
}

func TestDecide_RejectionBound(t *testing.T) {
	const maxReplans = 2
	m, store := newManager(t, maxReplans)
	ctx := context.Background()
	task := pendingTask(t, store, "<a@x>")

	for i := 1; i <= maxReplans; i++ {
		out, err := m.Decide(ctx, task.ID, Reject, fmt.Sprintf("not yet %d", i))
		if err != nil {
			t.Fatalf("reject %d: %v", i, err)
		}
		if out.State != persistence.StateNeedsAction || out.ReplanCount != i || out.Escalated {
			t.Fatalf("reject %d outcome = %+v", i, out)
		}
		replan(t, store, task.ID)
	}

	out, err := m.Decide(ctx, task.ID, Reject, "still no")
	if err != nil {
		t.Fatalf("final reject: %v", err)
	}
	if out.State != persistence.StateFailed || !out.Escalated {
		t.Fatalf("final outcome = %+v", out)
	}

	plans, err := store.ListPlans(ctx, task.ID)
	if err != nil {
		t.Fatalf("ListPlans: %v", err)
	}
	if len(plans) != maxReplans+1 {
		t.Fatalf("plans = %d, want %d immutable plans", len(plans), maxReplans+1)
	}

	tasks, err := store.ListByState(ctx, persistence.StateNeedsAction, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].OriginRef != intake.KindReplanBound+"/"+task.ID {
		t.Fatalf("escalations = %+v", tasks)
	}
}

func TestDecideAll(t *testing.T) {
	m, store := newManager(t, 3)
	ctx := context.Background()
	ids := []string{
		pendingTask(t, store, "<a@x>").ID,
		pendingTask(t, store, "<b@x>").ID,
		pendingTask(t, store, "<c@x>").ID,
	}

	sum, err := m.DecideAll(ctx, Verdict("maybe"), "")
	if err != nil {
		t.Fatalf("DecideAll: %v", err)
	}
	if sum.Failed != 3 || sum.Succeeded != 0 || sum.Outcomes[0].Error == "" {
		t.Fatalf("summary = %+v", sum)
	}

	sum, err = m.DecideAll(ctx, Approve, "batch")
	if err != nil {
		t.Fatalf("DecideAll: %v", err)
	}
	if sum.Succeeded != 3 || sum.Failed != 0 {
		t.Fatalf("summary = %+v", sum)
	}
	for _, id := range ids {
		if got := stateOf(t, store, id); got != persistence.StateDone {
			t.Fatalf("task %s state = %s", id, got)
		}
	}
}
