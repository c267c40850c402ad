package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/basket/steward/internal/approval"
	"github.com/basket/steward/internal/persistence"
)

func seedPending(t *testing.T, store *persistence.Store, ref string) *persistence.Task {
	t.Helper()
	ctx := context.Background()
	task, err := store.CreateTask(ctx, persistence.NewTask{
		Source:    persistence.SourceFile,
		OriginRef: ref,
		Priority:  persistence.PriorityMedium,
		Payload:   "wire money for " + ref,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := store.ApplyPlan(ctx, task.ID, persistence.Plan{
		Objective:        "Transfer funds",
		Steps:            []string{"check", "transfer"},
		RiskLevel:        persistence.RiskHigh,
		RequiresApproval: true,
	}); err != nil {
		t.Fatalf("apply plan: %v", err)
	}
	return task
}

func stateIn(t *testing.T, store *persistence.Store, id string) persistence.State {
	t.Helper()
	task, err := store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return task.State
}

func TestApprovalApprove_ByIndex(t *testing.T) {
	home := setTestHome(t, "")
	store := openHomeStore(t, home)
	task := seedPending(t, store, "a.txt#1")

	if code := run(context.Background(), []string{"approval", "approve", "1", "-reason", "looks fine"}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got := stateIn(t, store, task.ID); got != persistence.StateDone {
		t.Fatalf("state = %s, want DONE", got)
	}
}

func TestApprovalReject_ByIDReplans(t *testing.T) {
	home := setTestHome(t, "")
	store := openHomeStore(t, home)
	task := seedPending(t, store, "b.txt#1")

	if code := run(context.Background(), []string{"approval", "reject", task.ID, "-reason", "wrong account"}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if got := stateIn(t, store, task.ID); got != persistence.StateNeedsAction {
		t.Fatalf("state = %s, want NEEDS_ACTION", got)
	}
}

func TestApprovalDecide_UnknownRef(t *testing.T) {
	setTestHome(t, "")
	if code := run(context.Background(), []string{"approval", "approve", "7"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}

func TestApprovalDecide_UsageErrors(t *testing.T) {
	setTestHome(t, "")
	for _, args := range [][]string{
		{"approval", "approve"},
		{"approval", "approve", "1", "2"},
		{"approval", "reject", "-all", "1"},
		{"approval", "frob"},
		{"approval", "list", "extra"},
	} {
		if code := run(context.Background(), args); code != 2 {
			t.Fatalf("run(%q) = %d, want 2", args, code)
		}
	}
}

func TestApprovalApprove_All(t *testing.T) {
	home := setTestHome(t, "")
	store := openHomeStore(t, home)
	a := seedPending(t, store, "a.txt#1")
	b := seedPending(t, store, "b.txt#1")

	if code := run(context.Background(), []string{"approval", "approve", "-all"}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	for _, id := range []string{a.ID, b.ID} {
		if got := stateIn(t, store, id); got != persistence.StateDone {
			t.Fatalf("%s state = %s", id, got)
		}
	}
}

func TestApprovalList_JSON(t *testing.T) {
	home := setTestHome(t, "")
	store := openHomeStore(t, home)
	seedPending(t, store, "a.txt#1")

	if code := run(context.Background(), []string{"approval", "list", "-json"}); code != 0 {
		t.Fatalf("exit code = %d", code)
	}
}

func TestWritePendingPlain(t *testing.T) {
	var buf bytes.Buffer
	writePendingPlain(&buf, nil)
	if !strings.Contains(buf.String(), "Nothing awaiting approval") {
		t.Fatalf("empty output = %q", buf.String())
	}

	buf.Reset()
	writePendingPlain(&buf, []approval.Pending{{
		Index:   1,
		Task:    persistence.Task{ID: "t1", Source: persistence.SourceMail},
		Plan:    persistence.Plan{Objective: "Pay", RiskLevel: persistence.RiskHigh},
		Age:     30 * time.Hour,
		Expired: true,
	}})
	line := buf.String()
	for _, want := range []string{"1\tt1\tHIGH\tMAIL\tPay", "[expired]"} {
		if !strings.Contains(line, want) {
			t.Fatalf("line %q missing %q", line, want)
		}
	}
}

func TestPrintOutcome(t *testing.T) {
	var buf bytes.Buffer
	printOutcome(&buf, approval.Outcome{TaskID: "t1", Verdict: approval.Reject, State: persistence.StateFailed, ReplanCount: 4, Escalated: true})
	if !strings.Contains(buf.String(), "FAILED after 4 replans (escalated)") {
		t.Fatalf("outcome = %q", buf.String())
	}
}
