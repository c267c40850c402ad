package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/steward/internal/persistence"
)

func TestLedger_CheckAndReset(t *testing.T) {
	home := setTestHome(t, "")
	ctx := context.Background()
	enqueue := []string{"enqueue", "-ref", "manual/replay", "call the bank"}

	if code := run(ctx, enqueue); code != 0 {
		t.Fatalf("enqueue exit code = %d", code)
	}
	if code := run(ctx, []string{"ledger", "check", "manual", "manual/replay"}); code != 0 {
		t.Fatalf("check seen = %d, want 0", code)
	}
	if code := run(ctx, []string{"ledger", "check", "MANUAL", "manual/other"}); code != 1 {
		t.Fatalf("check unseen = %d, want 1", code)
	}

	if code := run(ctx, []string{"ledger", "reset", "manual"}); code != 2 {
		t.Fatalf("reset without -confirm = %d, want 2", code)
	}
	if code := run(ctx, []string{"ledger", "reset", "manual", "-confirm"}); code != 0 {
		t.Fatalf("reset = %d", code)
	}
	if code := run(ctx, enqueue); code != 0 {
		t.Fatalf("re-enqueue exit code = %d", code)
	}

	store := openHomeStore(t, home)
	counts, err := store.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[persistence.StateNeedsAction] != 2 {
		t.Fatalf("counts after replay = %v, want 2 NEEDS_ACTION", counts)
	}
}

func TestLedger_UsageErrors(t *testing.T) {
	setTestHome(t, "")
	for _, args := range [][]string{
		{"ledger"},
		{"ledger", "purge"},
		{"ledger", "check", "manual"},
		{"ledger", "check", "fax", "x"},
		{"ledger", "reset", "fax", "-confirm"},
	} {
		if code := run(context.Background(), args); code != 2 {
			t.Fatalf("run(%q) = %d, want 2", args, code)
		}
	}
}

func TestInit_WritesStarterOnce(t *testing.T) {
	home := t.TempDir()
	t.Setenv("STEWARD_HOME", home)

	if code := run(context.Background(), []string{"init"}); code != 0 {
		t.Fatalf("init exit code = %d", code)
	}
	cfgPath := filepath.Join(home, "config.yaml")
	if _, err := os.Stat(cfgPath); err != nil {
		t.Fatalf("config.yaml: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "maildir", "new")); err != nil {
		t.Fatalf("maildir/new: %v", err)
	}

	if err := os.WriteFile(cfgPath, []byte("ai:\n  provider: offline\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if code := run(context.Background(), []string{"init"}); code != 0 {
		t.Fatalf("second init exit code = %d", code)
	}
	raw, _ := os.ReadFile(cfgPath)
	if string(raw) != "ai:\n  provider: offline\n" {
		t.Fatalf("init overwrote config.yaml:\n%s", raw)
	}
}
