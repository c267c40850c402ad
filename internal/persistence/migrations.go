package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/basket/steward/internal/audit"
)

// migration is one forward-only schema step. Checksums pin what a database
// at that version contains; changing an applied step means a new version.
type migration struct {
	version  int
	checksum string
	stmts    []string
	// tolerate lists error substrings that mean the step already happened,
	// e.g. a column added by hand before the step shipped.
	tolerate []string
}

var migrations = []migration{
	{
		version:  1,
		checksum: "st-v1-2026-10-02-task-lifecycle",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS dedup_ledger (
				source TEXT NOT NULL,
				origin_ref TEXT NOT NULL,
				task_id TEXT NOT NULL,
				recorded_at DATETIME NOT NULL,
				PRIMARY KEY (source, origin_ref)
			);`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				source TEXT NOT NULL CHECK(source IN ('FILE', 'CHAT', 'MAIL', 'MANUAL', 'SYSTEM')),
				origin_ref TEXT NOT NULL,
				priority TEXT NOT NULL CHECK(priority IN ('URGENT', 'HIGH', 'MEDIUM', 'LOW')),
				state TEXT NOT NULL CHECK(state IN ('NEEDS_ACTION', 'PENDING_APPROVAL', 'DONE', 'FAILED')),
				payload TEXT NOT NULL,
				plan_id TEXT,
				replan_count INTEGER NOT NULL DEFAULT 0,
				parse_failures INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS plans (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL REFERENCES tasks(id),
				objective TEXT NOT NULL,
				steps_json TEXT NOT NULL DEFAULT '[]',
				risk_level TEXT NOT NULL CHECK(risk_level IN ('LOW', 'MEDIUM', 'HIGH')),
				requires_approval INTEGER NOT NULL,
				raw TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS task_events (
				event_id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id),
				trace_id TEXT NOT NULL DEFAULT '-',
				event_type TEXT NOT NULL,
				state_from TEXT,
				state_to TEXT NOT NULL,
				payload_json TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS kv_store (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				trace_id TEXT NOT NULL DEFAULT '',
				subject TEXT NOT NULL DEFAULT '',
				action TEXT NOT NULL,
				decision TEXT NOT NULL,
				reason TEXT NOT NULL DEFAULT '',
				policy_version TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_state_created ON tasks(state, created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_plans_task ON plans(task_id, created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		},
	},
	{
		// Analysis leases: two orchestrators never analyze one task at once.
		version:  2,
		checksum: "st-v2-2026-10-09-analysis-lease",
		stmts: []string{
			`ALTER TABLE tasks ADD COLUMN lease_owner TEXT;`,
			`ALTER TABLE tasks ADD COLUMN lease_expires_at DATETIME;`,
		},
		tolerate: []string{"duplicate column"},
	},
	{
		version:  3,
		checksum: "st-v3-2026-10-14-audit-subject-index",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_audit_log_subject ON audit_log(subject, id);`,
		},
	},
}

func latestSchemaVersion() int { return migrations[len(migrations)-1].version }

// migrate applies every step above the recorded version in one transaction,
// after checking the recorded checksum still matches this binary's history.
func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := recordedVersion(ctx, tx)
	if err != nil {
		return err
	}
	if current > latestSchemaVersion() {
		return fmt.Errorf("db schema version %d is newer than supported %d", current, latestSchemaVersion())
	}

	var applied []int
	for _, m := range migrations {
		if m.version > current {
			if err := m.apply(ctx, tx); err != nil {
				return err
			}
			applied = append(applied, m.version)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	if len(applied) > 0 {
		audit.Record("allow", "data.migration", "migration_applied", "",
			fmt.Sprintf("schema migrated from v%d to v%d", current, latestSchemaVersion()))
	}
	return nil
}

func recordedVersion(ctx context.Context, tx *sql.Tx) (int, error) {
	var version int
	var checksum sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&version, &checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version == version && m.checksum != checksum.String {
			return 0, fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", version, checksum.String, m.checksum)
		}
	}
	return version, nil
}

func (m migration) apply(ctx context.Context, tx *sql.Tx) error {
	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil && !m.tolerated(err) {
			return fmt.Errorf("migration v%d: %w", m.version, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, m.version, m.checksum); err != nil {
		return fmt.Errorf("record migration v%d: %w", m.version, err)
	}
	return nil
}

func (m migration) tolerated(err error) bool {
	for _, s := range m.tolerate {
		if strings.Contains(err.Error(), s) {
			return true
		}
	}
	return false
}
