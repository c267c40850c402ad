package main

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/basket/steward/internal/persistence"
)

// setTestHome points STEWARD_HOME at a fresh directory with an offline
// config and clears the env overrides a developer shell might carry.
func setTestHome(t *testing.T, yaml string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("STEWARD_HOME", home)
	for _, k := range []string{"STEWARD_DB_PATH", "STEWARD_BIND_ADDR", "STEWARD_GATEWAY_TOKEN", "STEWARD_AI_PROVIDER", "STEWARD_AI_MODEL", "STEWARD_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
	if yaml == "" {
		yaml = "ai:\n  provider: offline\n"
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return home
}

func openHomeStore(t *testing.T, home string) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(home, "steward.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRun_UsageCodes(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want int
	}{
		{name: "no args", args: nil, want: 2},
		{name: "unknown command", args: []string{"frobnicate"}, want: 2},
		{name: "help", args: []string{"help"}, want: 0},
		{name: "version", args: []string{"--version"}, want: 0},
		{name: "watch without name", args: []string{"watch"}, want: 2},
		{name: "watch unknown", args: []string{"watch", "fax"}, want: 2},
		{name: "approval without sub", args: []string{"approval"}, want: 2},
		{name: "worker without run", args: []string{"worker"}, want: 2},
		{name: "worker without description", args: []string{"worker", "run"}, want: 2},
		{name: "enqueue without text", args: []string{"enqueue"}, want: 2},
		{name: "status extra arg", args: []string{"status", "extra"}, want: 2},
		{name: "doctor bad flag", args: []string{"doctor", "-bogus"}, want: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(context.Background(), tt.args); got != tt.want {
				t.Fatalf("run(%q) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestPrintUsage_ListsCommands(t *testing.T) {
	var buf bytes.Buffer
	printUsage(&buf)
	out := buf.String()
	for _, cmd := range []string{"daemon", "watch", "orchestrate", "approval", "worker run", "enqueue", "status", "doctor", "policy", "ledger", "init"} {
		if !strings.Contains(out, cmd) {
			t.Fatalf("usage missing %q:\n%s", cmd, out)
		}
	}
}

func TestParseArgs_Interspersed(t *testing.T) {
	fs := newFlagSet("test")
	reason := fs.String("reason", "", "")
	all := fs.Bool("all", false, "")

	rest, err := parseArgs(fs, []string{"3", "-reason", "too risky", "x", "-all"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if !reflect.DeepEqual(rest, []string{"3", "x"}) {
		t.Fatalf("positional = %q", rest)
	}
	if *reason != "too risky" || !*all {
		t.Fatalf("flags: reason=%q all=%v", *reason, *all)
	}
}

func TestUsageCode(t *testing.T) {
	fs := newFlagSet("test")
	fs.SetOutput(&bytes.Buffer{})
	_, err := parseArgs(fs, []string{"-h"})
	if got := usageCode(err); got != 0 {
		t.Fatalf("help code = %d", got)
	}
	_, err = parseArgs(fs, []string{"-nope"})
	if got := usageCode(err); got != 2 {
		t.Fatalf("bad flag code = %d", got)
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nexport STEWARD_TEST_A=\"quoted\"\nSTEWARD_TEST_B='single'\nSTEWARD_TEST_C=keep\nnot a pair\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("STEWARD_TEST_A", "")
	t.Setenv("STEWARD_TEST_B", "")
	t.Setenv("STEWARD_TEST_C", "already set")

	loadDotEnv(path)

	if got := os.Getenv("STEWARD_TEST_A"); got != "quoted" {
		t.Fatalf("A = %q", got)
	}
	if got := os.Getenv("STEWARD_TEST_B"); got != "single" {
		t.Fatalf("B = %q", got)
	}
	if got := os.Getenv("STEWARD_TEST_C"); got != "already set" {
		t.Fatalf("C overridden: %q", got)
	}
}

func TestPortOccupantHint(t *testing.T) {
	orig := execCommandFunc
	t.Cleanup(func() { execCommandFunc = orig })
	execCommandFunc = func(string, ...string) *exec.Cmd { return exec.Command("false") }

	hint := portOccupantHint("127.0.0.1:18790")
	if !strings.Contains(hint, "18790") {
		t.Fatalf("hint = %q", hint)
	}
	if hint := portOccupantHint("garbage"); !strings.Contains(hint, "garbage") {
		t.Fatalf("hint = %q", hint)
	}
}
