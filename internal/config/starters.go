package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// starterConfig is written on first run. Everything not listed falls back to
// the built-in defaults.
const starterConfig = `# steward configuration
log_level: info
bind_addr: 127.0.0.1:18790

ai:
  provider: offline   # anthropic | google | openai | openrouter | openai_compatible
  timeout_seconds: 60

watchers:
  file:
    enabled: true
    inbox: inbox
  chat:
    enabled: false    # needs TELEGRAM_TOKEN
  mail:
    enabled: false
    maildir: maildir
    known_contacts: []   # sender fragments whose mail is always ingested
    include_all: false   # true ingests unflagged, normal-priority mail too
  failure_threshold: 5
  pause_seconds: 300

risk:
  approval_threshold: HIGH
  always_require_approval:
    - send email
    - payment
    - post publicly
    - delete
    - transfer

approval:
  max_replans: 3
  expiry_hours: 24

schedules:
  - name: daily-briefing
    cron: "0 8 * * *"
    kind: enqueue
    priority: MEDIUM
    payload: Summarize yesterday's completed tasks and today's pending approvals.
`

// WriteStarter creates config.yaml and the default inbox and maildir layout
// under homeDir. An existing config.yaml is left untouched.
func WriteStarter(homeDir string) (bool, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return false, fmt.Errorf("create steward home: %w", err)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		return false, fmt.Errorf("write starter config: %w", err)
	}
	for _, dir := range []string{"inbox", "maildir/new", "maildir/cur", "maildir/tmp"} {
		if err := os.MkdirAll(filepath.Join(homeDir, dir), 0o755); err != nil {
			return true, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return true, nil
}
