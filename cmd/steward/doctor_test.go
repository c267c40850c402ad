package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestDoctor_TextAndJSON(t *testing.T) {
	home := setTestHome(t, "")
	if err := os.MkdirAll(filepath.Join(home, "inbox"), 0o755); err != nil {
		t.Fatal(err)
	}
	// Offline mode warns but does not fail.
	for _, args := range [][]string{{"doctor"}, {"doctor", "-json"}} {
		if code := run(context.Background(), args); code != 0 {
			t.Fatalf("run(%q) = %d, want 0", args, code)
		}
	}
}

func TestDoctor_MissingKeyFails(t *testing.T) {
	setTestHome(t, "ai:\n  provider: anthropic\n")
	t.Setenv("ANTHROPIC_API_KEY", "")
	if code := run(context.Background(), []string{"doctor"}); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
