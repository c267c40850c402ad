package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/steward/internal/config"
	"github.com/basket/steward/internal/cron"
	"github.com/basket/steward/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Options toggles the checks that reach outside the machine.
type Options struct {
	Network bool
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string, opts Options) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkPermissions,
		checkInbox,
		checkMaildir,
		checkChat,
		checkSchedules,
	}
	if opts.Network {
		checks = append(checks, checkNetwork)
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsInit {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "config.yaml missing; running on defaults",
			Detail:  config.ConfigPath(cfg.HomeDir),
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  "fingerprint " + cfg.Fingerprint(),
	}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "AI Key", Status: "SKIP", Message: "Config missing"}
	}

	provider, model, key := cfg.ResolveAI()
	switch {
	case provider == "offline":
		return CheckResult{
			Name:    "AI Key",
			Status:  "WARN",
			Message: "No AI provider configured; tasks get review-manually plans",
		}
	case key != "":
		return CheckResult{Name: "AI Key", Status: "PASS", Message: fmt.Sprintf("%s key set (model %s)", provider, model)}
	case provider == "openai_compatible":
		return CheckResult{Name: "AI Key", Status: "PASS", Message: "openai_compatible endpoint; key optional"}
	}

	envVar := config.ProviderEnvVar(provider)
	return CheckResult{
		Name:    "AI Key",
		Status:  "FAIL",
		Message: fmt.Sprintf("no API key for %s provider", provider),
		Detail:  fmt.Sprintf("Set %s or providers.%s.api_key in config.yaml", envVar, provider),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	counts, err := store.Counts(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	parts := make([]string, 0, len(persistence.States))
	for _, st := range persistence.States {
		parts = append(parts, fmt.Sprintf("%s=%d", st, counts[st]))
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Queue open and schema valid", Detail: strings.Join(parts, " ")}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkInbox(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Watchers.File.Enabled {
		return CheckResult{Name: "File Inbox", Status: "SKIP", Message: "File watcher disabled"}
	}
	return checkDir("File Inbox", cfg.Watchers.File.Inbox)
}

func checkMaildir(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Watchers.Mail.Enabled {
		return CheckResult{Name: "Maildir", Status: "SKIP", Message: "Mail watcher disabled"}
	}
	root := cfg.Watchers.Mail.Maildir
	for _, sub := range []string{"new", "cur"} {
		if r := checkDir("Maildir", filepath.Join(root, sub)); r.Status != "PASS" {
			r.Detail = "a maildir needs new/ and cur/ under " + root
			return r
		}
	}
	return CheckResult{Name: "Maildir", Status: "PASS", Message: "Maildir readable", Detail: root}
}

func checkChat(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Watchers.Chat.Enabled {
		return CheckResult{Name: "Chat", Status: "SKIP", Message: "Chat watcher disabled"}
	}
	if strings.TrimSpace(cfg.Watchers.Chat.Token) == "" {
		return CheckResult{Name: "Chat", Status: "FAIL", Message: "chat watcher enabled without a bot token", Detail: "Set TELEGRAM_TOKEN or watchers.chat.token"}
	}
	msg := fmt.Sprintf("Bot token set; %d keywords", len(cfg.Watchers.Chat.Keywords))
	if len(cfg.Watchers.Chat.AllowedChats) == 0 {
		return CheckResult{Name: "Chat", Status: "WARN", Message: msg, Detail: "no allowed_chats: every chat the bot sees is watched"}
	}
	return CheckResult{Name: "Chat", Status: "PASS", Message: msg}
}

func checkSchedules(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || len(cfg.Schedules) == 0 {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "No schedules configured"}
	}
	now := time.Now()
	var next []string
	for _, sc := range cfg.Schedules {
		at, err := cron.NextRunTime(sc.Cron, now)
		if err != nil {
			return CheckResult{Name: "Schedules", Status: "FAIL", Message: fmt.Sprintf("schedule %q: bad cron expression %q", sc.Name, sc.Cron), Detail: err.Error()}
		}
		next = append(next, sc.Name+" "+at.Format("2006-01-02 15:04"))
	}
	return CheckResult{Name: "Schedules", Status: "PASS", Message: fmt.Sprintf("%d schedule(s) valid", len(cfg.Schedules)), Detail: "next: " + strings.Join(next, ", ")}
}

func checkDir(name, dir string) CheckResult {
	fi, err := os.Stat(dir)
	if err != nil {
		return CheckResult{Name: name, Status: "FAIL", Message: fmt.Sprintf("%s not accessible: %v", dir, err)}
	}
	if !fi.IsDir() {
		return CheckResult{Name: name, Status: "FAIL", Message: dir + " is not a directory"}
	}
	if _, err := os.ReadDir(dir); err != nil {
		return CheckResult{Name: name, Status: "FAIL", Message: fmt.Sprintf("%s unreadable: %v", dir, err)}
	}
	return CheckResult{Name: name, Status: "PASS", Message: "Directory readable", Detail: dir}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	provider, _, _ := cfg.ResolveAI()
	endpoints := map[string]string{
		"google":     "generativelanguage.googleapis.com",
		"anthropic":  "api.anthropic.com",
		"openai":     "api.openai.com",
		"openrouter": "openrouter.ai",
	}

	host, ok := endpoints[provider]
	if !ok {
		return CheckResult{Name: "Network", Status: "SKIP", Message: fmt.Sprintf("No known endpoint for provider %q", provider)}
	}

	// DNS lookup with timeout.
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}
