package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/steward/internal/config"
)

func startWatcher(t *testing.T, homeDir string) *config.Watcher {
	t.Helper()
	w := config.NewWatcher(homeDir, nil)
	w.SetSettle(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return w
}

func TestWatcher_ReportsPolicyEdit(t *testing.T) {
	homeDir := t.TempDir()
	w := startWatcher(t, homeDir)

	// Unrelated files in the home directory are ignored.
	_ = os.WriteFile(filepath.Join(homeDir, "notes.txt"), []byte("x"), 0o644)
	if err := os.WriteFile(config.PolicyPath(homeDir), []byte("approval_threshold: HIGH\n"), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	select {
	case ev := <-w.Events():
		if ev.File != config.ReloadPolicy || filepath.Base(ev.Path) != "policy.yaml" {
			t.Fatalf("event = %+v, want policy.yaml", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for policy.yaml event")
	}
}

func TestWatcher_CoalescesBurst(t *testing.T) {
	homeDir := t.TempDir()
	w := startWatcher(t, homeDir)

	path := config.ConfigPath(homeDir)
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}

	select {
	case ev := <-w.Events():
		if ev.File != config.ReloadConfig {
			t.Fatalf("event = %+v, want config", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config.yaml event")
	}
	select {
	case ev := <-w.Events():
		t.Fatalf("burst produced a second event: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	w := config.NewWatcher(t.TempDir(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	cancel()
	select {
	case _, ok := <-w.Events():
		if ok {
			t.Fatal("unexpected event after cancel")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("events channel not closed after cancel")
	}
}
