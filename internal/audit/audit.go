// Package audit keeps the append-only record of operator decisions,
// routing verdicts, escalations and startup failures. Entries go to
// <home>/logs/audit.jsonl and, once SetDB is called, to the audit_log table
// of the queue database, where Recent can read them back per task.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/steward/internal/shared"
)

// Entry is one audit record. Subject is usually a task id.
type Entry struct {
	Timestamp     time.Time `json:"timestamp"`
	TraceID       string    `json:"trace_id"`
	Decision      string    `json:"decision"`
	Action        string    `json:"action"`
	Reason        string    `json:"reason"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	Subject       string    `json:"subject,omitempty"`
}

// Trail fans entries out to a JSONL file and an optional database table.
// Every steward process shares the package default trail.
type Trail struct {
	mu     sync.Mutex
	out    *os.File
	db     *sql.DB
	counts map[string]int64
}

var std = &Trail{counts: map[string]int64{}}

// Init opens <homeDir>/logs/audit.jsonl for the default trail. A second call
// keeps the file already open.
func Init(homeDir string) error { return std.open(homeDir) }

// SetDB mirrors entries into the audit_log table.
func SetDB(d *sql.DB) {
	std.mu.Lock()
	std.db = d
	std.mu.Unlock()
}

func Close() error { return std.close() }

// Count returns how many entries with the given decision this process recorded.
func Count(decision string) int64 {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.counts[decision]
}

// Record appends an entry without trace context.
func Record(decision, action, reason, policyVersion, subject string) {
	RecordContext(context.Background(), decision, action, reason, policyVersion, subject)
}

// RecordContext appends an entry carrying the trace id from ctx. Reason and
// subject are redacted before they are written anywhere.
func RecordContext(ctx context.Context, decision, action, reason, policyVersion, subject string) {
	std.write(ctx, Entry{
		Timestamp:     time.Now().UTC(),
		TraceID:       shared.TraceID(ctx),
		Decision:      decision,
		Action:        action,
		Reason:        shared.Redact(reason),
		PolicyVersion: policyVersion,
		Subject:       shared.Redact(subject),
	})
}

// Recent returns up to limit entries for subject from the database, newest
// first. With no database attached it returns nothing.
func Recent(ctx context.Context, subject string, limit int) ([]Entry, error) {
	std.mu.Lock()
	db := std.db
	std.mu.Unlock()
	if db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, `
		SELECT trace_id, decision, action, reason, policy_version, subject, created_at
		FROM audit_log WHERE subject = ? ORDER BY id DESC LIMIT ?;
	`, subject, limit)
	if err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.TraceID, &e.Decision, &e.Action, &e.Reason, &e.PolicyVersion, &e.Subject, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (t *Trail) open(homeDir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.out != nil {
		return nil
	}
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	t.out = f
	return nil
}

func (t *Trail) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.db = nil
	if t.out == nil {
		return nil
	}
	err := t.out.Close()
	t.out = nil
	return err
}

// write never fails the caller: an audit sink that cannot be written is
// dropped for that entry only.
func (t *Trail) write(ctx context.Context, e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[e.Decision]++

	if t.out != nil {
		if line, err := json.Marshal(e); err == nil {
			_, _ = t.out.Write(append(line, '\n'))
		}
	}
	if t.db != nil {
		_, _ = t.db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, e.TraceID, e.Subject, e.Action, e.Decision, e.Reason, e.PolicyVersion, e.Timestamp)
	}
}
