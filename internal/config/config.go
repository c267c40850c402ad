package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/basket/steward/internal/otel"
	"gopkg.in/yaml.v3"
)

// AIConfig selects the AI capability backing the orchestrator and worker.
type AIConfig struct {
	// Provider is one of "anthropic", "google", "openai", "openai_compatible",
	// "openrouter" or "offline".
	Provider       string `yaml:"provider"`
	Model          string `yaml:"model"`
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"` // openai_compatible / openrouter endpoint
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// IntakeConfig holds the priority classification tables.
type IntakeConfig struct {
	UrgentKeywords   []string `yaml:"urgent_keywords"`
	HighKeywords     []string `yaml:"high_keywords"`
	ImportantSenders []string `yaml:"important_senders"`
}

type FileWatcherConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Inbox          string `yaml:"inbox"`
	RescanSeconds  int    `yaml:"rescan_seconds"`
	DebounceMillis int    `yaml:"debounce_millis"`
}

type ChatWatcherConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Token           string   `yaml:"token"`
	AllowedChats    []int64  `yaml:"allowed_chats"`
	Keywords        []string `yaml:"keywords"`
	IntervalSeconds int      `yaml:"interval_seconds"`
}

type MailWatcherConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Maildir         string `yaml:"maildir"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	// IncludeAll ingests every unread message instead of only important ones.
	IncludeAll bool `yaml:"include_all"`
	// KnownContacts are sender fragments ("boss@", "@client.example") whose
	// mail is always important. intake.important_senders are added to them.
	KnownContacts []string `yaml:"known_contacts"`
}

type WatchersConfig struct {
	File FileWatcherConfig `yaml:"file"`
	Chat ChatWatcherConfig `yaml:"chat"`
	Mail MailWatcherConfig `yaml:"mail"`

	// FailureThreshold is the number of consecutive failed polls before a
	// watcher pauses itself and escalates.
	FailureThreshold int `yaml:"failure_threshold"`
	PauseSeconds     int `yaml:"pause_seconds"`
}

type OrchestratorConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	MaxAttempts         int `yaml:"max_attempts"`
	BaseDelayMillis     int `yaml:"base_delay_millis"`
	MaxRetryWaitSeconds int `yaml:"max_retry_wait_seconds"`
	MaxParseFailures    int `yaml:"max_parse_failures"`
	LeaseSeconds        int `yaml:"lease_seconds"`
	BatchSize           int `yaml:"batch_size"`
}

// RiskConfig is the policy table for the risk gate. policy.yaml, when
// present, overrides it.
type RiskConfig struct {
	AlwaysRequireApproval []string `yaml:"always_require_approval"`
	ApprovalThreshold     string   `yaml:"approval_threshold"`
}

type ApprovalConfig struct {
	MaxReplans  int `yaml:"max_replans"`
	ExpiryHours int `yaml:"expiry_hours"`
}

type WorkerConfig struct {
	MaxIterations           int    `yaml:"max_iterations"`
	Marker                  string `yaml:"marker"`
	MaxRateLimitWaitSeconds int    `yaml:"max_rate_limit_wait_seconds"`
}

// ScheduleConfig defines one cron job.
type ScheduleConfig struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"`
	Kind     string `yaml:"kind"` // "enqueue" or "worker"
	Payload  string `yaml:"payload"`
	Priority string `yaml:"priority"`
	// Predicate applies to kind=worker: "marker" (default) or "queue_empty".
	Predicate     string `yaml:"predicate"`
	MaxIterations int    `yaml:"max_iterations"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	BindAddr string `yaml:"bind_addr"`
	// GatewayToken, when set, is required as a bearer token on /v1 routes.
	GatewayToken string `yaml:"gateway_token"`

	AI           AIConfig           `yaml:"ai"`
	Intake       IntakeConfig       `yaml:"intake"`
	Watchers     WatchersConfig     `yaml:"watchers"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Risk         RiskConfig         `yaml:"risk"`
	Approval     ApprovalConfig     `yaml:"approval"`
	Worker       WorkerConfig       `yaml:"worker"`
	Schedules    []ScheduleConfig   `yaml:"schedules"`
	OTel         otel.Config        `yaml:"otel"`

	// Providers holds per-provider API keys, keyed by provider name.
	Providers map[string]ProviderConfig `yaml:"providers"`

	NeedsInit bool `yaml:"-"`
}

// ProviderConfig holds per-provider credentials.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func (a AIConfig) Timeout() time.Duration                { return seconds(a.TimeoutSeconds) }
func (o OrchestratorConfig) Interval() time.Duration     { return seconds(o.IntervalSeconds) }
func (o OrchestratorConfig) MaxRetryWait() time.Duration { return seconds(o.MaxRetryWaitSeconds) }
func (o OrchestratorConfig) Lease() time.Duration        { return seconds(o.LeaseSeconds) }
func (w WatchersConfig) Pause() time.Duration            { return seconds(w.PauseSeconds) }
func (f FileWatcherConfig) Rescan() time.Duration        { return seconds(f.RescanSeconds) }
func (c ChatWatcherConfig) Interval() time.Duration      { return seconds(c.IntervalSeconds) }
func (m MailWatcherConfig) Interval() time.Duration      { return seconds(m.IntervalSeconds) }
func (w WorkerConfig) MaxRateLimitWait() time.Duration   { return seconds(w.MaxRateLimitWaitSeconds) }
func (a ApprovalConfig) Expiry() time.Duration           { return time.Duration(a.ExpiryHours) * time.Hour }
func (o OrchestratorConfig) BaseDelay() time.Duration {
	return time.Duration(o.BaseDelayMillis) * time.Millisecond
}
func (f FileWatcherConfig) Debounce() time.Duration {
	return time.Duration(f.DebounceMillis) * time.Millisecond
}

// ProviderAPIKey returns the API key for the given provider, checking env
// overrides first, then providers.<name>.api_key, then ai.api_key when the
// provider is the active one.
func (c Config) ProviderAPIKey(provider string) string {
	if envVar := ProviderEnvVar(provider); envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	if provider == c.AI.Provider {
		return c.AI.APIKey
	}
	return ""
}

// ResolveAI returns the effective provider, model and key.
func (c Config) ResolveAI() (provider, model, apiKey string) {
	provider = NormalizeProviderName(c.AI.Provider)
	model = c.AI.Model
	if model == "" {
		model = DefaultModel(provider)
	}
	return provider, model, c.ProviderAPIKey(provider)
}

// NormalizeProviderName maps legacy and shorthand names onto provider ids.
func NormalizeProviderName(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "gemini", "googleai", "google":
		return "google"
	case "claude", "anthropic":
		return "anthropic"
	case "openai":
		return "openai"
	case "openrouter":
		return "openrouter"
	case "openai_compatible", "compatible":
		return "openai_compatible"
	case "", "offline", "none":
		return "offline"
	default:
		return strings.ToLower(strings.TrimSpace(name))
	}
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// PolicyPath returns the path to the optional policy.yaml override.
func PolicyPath(homeDir string) string {
	return filepath.Join(homeDir, "policy.yaml")
}

// ResolvePath expands a leading "~/" and makes relative paths relative to
// the steward home directory.
func (c Config) ResolvePath(p string) string {
	if p == "" {
		return ""
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell cooperating processes apart.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "db=%s|bind=%s|log=%s|ai=%s/%s|risk=%v/%s|replans=%d|iters=%d|watchers=%t,%t,%t",
		c.DBPath, c.BindAddr, c.LogLevel, c.AI.Provider, c.AI.Model,
		c.Risk.AlwaysRequireApproval, c.Risk.ApprovalThreshold,
		c.Approval.MaxReplans, c.Worker.MaxIterations,
		c.Watchers.File.Enabled, c.Watchers.Chat.Enabled, c.Watchers.Mail.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		BindAddr: "127.0.0.1:18790",
		AI: AIConfig{
			Provider:       "offline",
			TimeoutSeconds: 60,
		},
		Intake: IntakeConfig{
			UrgentKeywords: []string{"urgent", "asap", "emergency"},
			HighKeywords:   []string{"invoice", "payment", "deadline"},
		},
		Watchers: WatchersConfig{
			File: FileWatcherConfig{
				Inbox:          "inbox",
				RescanSeconds:  60,
				DebounceMillis: 500,
			},
			Chat: ChatWatcherConfig{
				Keywords:        []string{"invoice", "payment", "urgent", "asap", "price", "quote", "help", "project"},
				IntervalSeconds: 30,
			},
			Mail: MailWatcherConfig{
				Maildir:         "maildir",
				IntervalSeconds: 120,
			},
			FailureThreshold: 5,
			PauseSeconds:     300,
		},
		Orchestrator: OrchestratorConfig{
			IntervalSeconds:     30,
			MaxAttempts:         3,
			BaseDelayMillis:     2000,
			MaxRetryWaitSeconds: 120,
			MaxParseFailures:    3,
			LeaseSeconds:        300,
			BatchSize:           50,
		},
		Risk: RiskConfig{
			AlwaysRequireApproval: []string{"send email", "payment", "post publicly", "delete", "transfer"},
			ApprovalThreshold:     "HIGH",
		},
		Approval: ApprovalConfig{
			MaxReplans:  3,
			ExpiryHours: 24,
		},
		Worker: WorkerConfig{
			MaxIterations:           10,
			Marker:                  "<TASK_COMPLETE>",
			MaxRateLimitWaitSeconds: 120,
		},
	}
}

// HomeDir is $STEWARD_HOME, or ~/.steward.
func HomeDir() string {
	if override := os.Getenv("STEWARD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".steward")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create steward home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsInit = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	d := defaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = d.LogLevel
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = d.BindAddr
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "steward.db")
	} else {
		cfg.DBPath = cfg.ResolvePath(cfg.DBPath)
	}
	cfg.AI.Provider = NormalizeProviderName(cfg.AI.Provider)
	if cfg.AI.TimeoutSeconds <= 0 {
		cfg.AI.TimeoutSeconds = d.AI.TimeoutSeconds
	}

	w := &cfg.Watchers
	if w.File.Inbox == "" {
		w.File.Inbox = d.Watchers.File.Inbox
	}
	w.File.Inbox = cfg.ResolvePath(w.File.Inbox)
	if w.File.RescanSeconds <= 0 {
		w.File.RescanSeconds = d.Watchers.File.RescanSeconds
	}
	if w.File.DebounceMillis <= 0 {
		w.File.DebounceMillis = d.Watchers.File.DebounceMillis
	}
	if w.Chat.IntervalSeconds <= 0 {
		w.Chat.IntervalSeconds = d.Watchers.Chat.IntervalSeconds
	}
	if w.Mail.Maildir == "" {
		w.Mail.Maildir = d.Watchers.Mail.Maildir
	}
	w.Mail.Maildir = cfg.ResolvePath(w.Mail.Maildir)
	if w.Mail.IntervalSeconds <= 0 {
		w.Mail.IntervalSeconds = d.Watchers.Mail.IntervalSeconds
	}
	if w.FailureThreshold <= 0 {
		w.FailureThreshold = d.Watchers.FailureThreshold
	}
	if w.PauseSeconds <= 0 {
		w.PauseSeconds = d.Watchers.PauseSeconds
	}

	o := &cfg.Orchestrator
	if o.IntervalSeconds <= 0 {
		o.IntervalSeconds = d.Orchestrator.IntervalSeconds
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.Orchestrator.MaxAttempts
	}
	if o.BaseDelayMillis <= 0 {
		o.BaseDelayMillis = d.Orchestrator.BaseDelayMillis
	}
	if o.MaxRetryWaitSeconds <= 0 {
		o.MaxRetryWaitSeconds = d.Orchestrator.MaxRetryWaitSeconds
	}
	if o.MaxParseFailures <= 0 {
		o.MaxParseFailures = d.Orchestrator.MaxParseFailures
	}
	if o.LeaseSeconds <= 0 {
		o.LeaseSeconds = d.Orchestrator.LeaseSeconds
	}
	if o.BatchSize <= 0 {
		o.BatchSize = d.Orchestrator.BatchSize
	}

	if strings.TrimSpace(cfg.Risk.ApprovalThreshold) == "" {
		cfg.Risk.ApprovalThreshold = d.Risk.ApprovalThreshold
	}
	cfg.Risk.ApprovalThreshold = strings.ToUpper(strings.TrimSpace(cfg.Risk.ApprovalThreshold))

	if cfg.Approval.MaxReplans < 0 {
		cfg.Approval.MaxReplans = 0
	}
	if cfg.Approval.ExpiryHours <= 0 {
		cfg.Approval.ExpiryHours = d.Approval.ExpiryHours
	}
	if cfg.Worker.MaxIterations <= 0 {
		cfg.Worker.MaxIterations = d.Worker.MaxIterations
	}
	if cfg.Worker.Marker == "" {
		cfg.Worker.Marker = d.Worker.Marker
	}
	if cfg.Worker.MaxRateLimitWaitSeconds <= 0 {
		cfg.Worker.MaxRateLimitWaitSeconds = d.Worker.MaxRateLimitWaitSeconds
	}
	for i := range cfg.Schedules {
		if cfg.Schedules[i].Kind == "" {
			cfg.Schedules[i].Kind = "enqueue"
		}
	}
}

func validate(cfg Config) error {
	switch cfg.Risk.ApprovalThreshold {
	case "LOW", "MEDIUM", "HIGH":
	default:
		return fmt.Errorf("risk.approval_threshold %q must be LOW, MEDIUM or HIGH", cfg.Risk.ApprovalThreshold)
	}
	seen := make(map[string]bool, len(cfg.Schedules))
	for _, s := range cfg.Schedules {
		if s.Name == "" || s.Cron == "" {
			return fmt.Errorf("schedule entries need name and cron")
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate schedule name %q", s.Name)
		}
		seen[s.Name] = true
		if s.Kind != "enqueue" && s.Kind != "worker" {
			return fmt.Errorf("schedule %s: kind %q must be enqueue or worker", s.Name, s.Kind)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("STEWARD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("STEWARD_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("STEWARD_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("STEWARD_GATEWAY_TOKEN"); raw != "" {
		cfg.GatewayToken = raw
	}
	if raw := os.Getenv("STEWARD_AI_PROVIDER"); raw != "" {
		cfg.AI.Provider = raw
	}
	if raw := os.Getenv("STEWARD_AI_MODEL"); raw != "" {
		cfg.AI.Model = raw
	}
	if raw := os.Getenv("STEWARD_AI_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.AI.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("STEWARD_MAX_ITERATIONS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.MaxIterations = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Watchers.Chat.Token = raw
	}
}
