package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/basket/steward/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	return &config.Config{
		HomeDir: home,
		DBPath:  filepath.Join(home, "steward.db"),
		AI:      config.AIConfig{Provider: "offline"},
	}
}

func find(t *testing.T, d Diagnosis, name string) CheckResult {
	t.Helper()
	for _, r := range d.Results {
		if r.Name == name {
			return r
		}
	}
	t.Fatalf("no %q check in %+v", name, d.Results)
	return CheckResult{}
}

func TestRun_OfflineDefaults(t *testing.T) {
	cfg := testConfig(t)
	cfg.NeedsInit = true

	d := Run(context.Background(), cfg, "test", Options{})
	if got := find(t, d, "Config"); got.Status != "WARN" {
		t.Fatalf("config = %+v", got)
	}
	if got := find(t, d, "AI Key"); got.Status != "WARN" {
		t.Fatalf("ai key = %+v", got)
	}
	if got := find(t, d, "Database"); got.Status != "PASS" {
		t.Fatalf("database = %+v", got)
	}
	if got := find(t, d, "File Inbox"); got.Status != "SKIP" {
		t.Fatalf("inbox = %+v", got)
	}
	for _, r := range d.Results {
		if r.Name == "Network" {
			t.Fatal("network check should be opt-in")
		}
	}
	if d.Failed() {
		t.Fatalf("unexpected failure: %+v", d.Results)
	}
}

func TestCheckAPIKey_MissingKeyFails(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := testConfig(t)
	cfg.AI.Provider = "anthropic"

	got := checkAPIKey(context.Background(), cfg)
	if got.Status != "FAIL" {
		t.Fatalf("expected FAIL, got %+v", got)
	}

	t.Setenv("ANTHROPIC_API_KEY", "sk-test")
	if got := checkAPIKey(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS with env key, got %+v", got)
	}
}

func TestCheckMaildir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Watchers.Mail.Enabled = true
	cfg.Watchers.Mail.Maildir = filepath.Join(cfg.HomeDir, "Maildir")

	if got := checkMaildir(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("missing maildir should fail, got %+v", got)
	}
	for _, sub := range []string{"new", "cur"} {
		if err := os.MkdirAll(filepath.Join(cfg.Watchers.Mail.Maildir, sub), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if got := checkMaildir(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
}

func TestCheckInbox_NotADirectory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Watchers.File.Enabled = true
	cfg.Watchers.File.Inbox = filepath.Join(cfg.HomeDir, "inbox")
	if err := os.WriteFile(cfg.Watchers.File.Inbox, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if got := checkInbox(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("expected FAIL, got %+v", got)
	}
}

func TestCheckChat(t *testing.T) {
	cfg := testConfig(t)
	cfg.Watchers.Chat.Enabled = true
	if got := checkChat(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("missing token should fail, got %+v", got)
	}
	cfg.Watchers.Chat.Token = "123:abc"
	if got := checkChat(context.Background(), cfg); got.Status != "WARN" {
		t.Fatalf("no allowed chats should warn, got %+v", got)
	}
	cfg.Watchers.Chat.AllowedChats = []int64{42}
	if got := checkChat(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("expected PASS, got %+v", got)
	}
}

func TestCheckNetwork_NilConfig(t *testing.T) {
	result := checkNetwork(context.Background(), nil)
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", result.Status)
	}
}

func TestCheckNetwork_OfflineSkips(t *testing.T) {
	result := checkNetwork(context.Background(), testConfig(t))
	if result.Status != "SKIP" {
		t.Fatalf("expected SKIP for offline provider, got %+v", result)
	}
}

func TestCheckNetwork_CanceledContext(t *testing.T) {
	cfg := testConfig(t)
	cfg.AI.Provider = "anthropic"

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := checkNetwork(ctx, cfg)
	if result.Status != "FAIL" {
		t.Fatalf("expected FAIL for canceled context, got %s", result.Status)
	}
}

func TestCheckSchedules(t *testing.T) {
	cfg := testConfig(t)
	if got := checkSchedules(context.Background(), cfg); got.Status != "SKIP" {
		t.Fatalf("no schedules = %+v", got)
	}

	cfg.Schedules = []config.ScheduleConfig{{Name: "briefing", Cron: "0 8 * * *", Kind: "enqueue"}}
	if got := checkSchedules(context.Background(), cfg); got.Status != "PASS" {
		t.Fatalf("valid schedule = %+v", got)
	}

	cfg.Schedules = append(cfg.Schedules, config.ScheduleConfig{Name: "broken", Cron: "every day", Kind: "enqueue"})
	if got := checkSchedules(context.Background(), cfg); got.Status != "FAIL" {
		t.Fatalf("bad cron = %+v", got)
	}
}
