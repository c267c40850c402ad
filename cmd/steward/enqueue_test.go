package main

import (
	"context"
	"strings"
	"testing"

	"github.com/basket/steward/internal/persistence"
)

func TestEnqueue_CreatesManualTask(t *testing.T) {
	home := setTestHome(t, "")

	code := run(context.Background(), []string{"enqueue", "-priority", "high", "-subject", "Renewal", "-ref", "manual/renew-1", "renew", "the", "domain"})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}

	store := openHomeStore(t, home)
	tasks, err := store.ListByState(context.Background(), persistence.StateNeedsAction, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	task := tasks[0]
	if task.Source != persistence.SourceManual || task.OriginRef != "manual/renew-1" || task.Priority != persistence.PriorityHigh {
		t.Fatalf("task = %+v", task)
	}
	if !strings.Contains(task.Payload, "renew the domain") {
		t.Fatalf("payload = %q", task.Payload)
	}
}

func TestEnqueue_SameRefIsDuplicate(t *testing.T) {
	home := setTestHome(t, "")
	args := []string{"enqueue", "-ref", "manual/once", "do it"}
	for i := 0; i < 2; i++ {
		if code := run(context.Background(), args); code != 0 {
			t.Fatalf("run %d exit code = %d", i, code)
		}
	}
	store := openHomeStore(t, home)
	counts, err := store.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[persistence.StateNeedsAction] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestEnqueue_BadPriority(t *testing.T) {
	setTestHome(t, "")
	if code := run(context.Background(), []string{"enqueue", "-priority", "whenever", "x"}); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
}
