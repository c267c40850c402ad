package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/steward/internal/bus"
	"github.com/google/uuid"
)

const taskColumns = `id, source, origin_ref, priority, state, payload, COALESCE(plan_id, ''),
	replan_count, parse_failures, last_error, created_at, updated_at`

// priorityRank orders URGENT first; created_at and rowid break ties so the
// listing order is stable across processes.
const priorityRank = `CASE priority WHEN 'URGENT' THEN 0 WHEN 'HIGH' THEN 1 WHEN 'MEDIUM' THEN 2 ELSE 3 END`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	return scanFn(
		&task.ID,
		&task.Source,
		&task.OriginRef,
		&task.Priority,
		&task.State,
		&task.Payload,
		&task.PlanID,
		&task.ReplanCount,
		&task.ParseFailures,
		&task.LastError,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
}

// CreateTask records (source, origin_ref) in the dedup ledger and inserts the
// task in NEEDS_ACTION, both in one transaction. A pair already present in the
// ledger yields ErrDuplicate and writes nothing.
func (s *Store) CreateTask(ctx context.Context, in NewTask) (*Task, error) {
	if in.OriginRef == "" {
		return nil, fmt.Errorf("create task: empty origin_ref")
	}
	if _, ok := ParseSource(string(in.Source)); !ok {
		return nil, fmt.Errorf("create task: unknown source %q", in.Source)
	}
	if _, ok := ParsePriority(string(in.Priority)); !ok {
		return nil, fmt.Errorf("create task: unknown priority %q", in.Priority)
	}

	now := s.now()
	task := &Task{
		ID:        uuid.NewString(),
		Source:    in.Source,
		OriginRef: in.OriginRef,
		Priority:  in.Priority,
		State:     StateNeedsAction,
		Payload:   in.Payload,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO dedup_ledger (source, origin_ref, task_id, recorded_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(source, origin_ref) DO NOTHING;
		`, task.Source, task.OriginRef, task.ID, now)
		if err != nil {
			return fmt.Errorf("insert ledger entry: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("ledger rows affected: %w", err)
		} else if n == 0 {
			return ErrDuplicate
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, source, origin_ref, priority, state, payload, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, task.ID, task.Source, task.OriginRef, task.Priority, task.State, task.Payload, now, now); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		payload, _ := json.Marshal(map[string]string{"source": string(task.Source), "origin_ref": task.OriginRef})
		if err := s.appendTaskEventTx(ctx, tx, task.ID, "", StateNeedsAction, "task.created", string(payload)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, bus.TaskCreatedEvent{
			TaskID:    task.ID,
			Source:    string(task.Source),
			OriginRef: task.OriginRef,
			Priority:  string(task.Priority),
		})
	}
	return task, nil
}

// LedgerContains reports whether (source, origin_ref) has already produced a task.
func (s *Store) LedgerContains(ctx context.Context, source Source, originRef string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM dedup_ledger WHERE source = ? AND origin_ref = ?;
	`, source, originRef).Scan(&n); err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return n > 0, nil
}

// ResetLedger forgets every ledger entry for source. Tasks are untouched; it
// exists for operators replaying a source on purpose.
func (s *Store) ResetLedger(ctx context.Context, source Source) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dedup_ledger WHERE source = ?;`, source)
	if err != nil {
		return 0, fmt.Errorf("reset ledger: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListByState returns the tasks in one partition, highest priority first,
// then oldest first. limit <= 0 means no limit.
func (s *Store) ListByState(ctx context.Context, state State, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE state = ?
		ORDER BY `+priorityRank+`, created_at, rowid
		LIMIT ?;
	`, state, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// Snapshot reads every partition in a single statement, so the result is one
// consistent view of the queue.
func (s *Store) Snapshot(ctx context.Context) (map[State][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, state FROM tasks ORDER BY rowid;`)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	defer rows.Close()

	out := make(map[State][]string, len(States))
	for rows.Next() {
		var id string
		var state State
		if err := rows.Scan(&id, &state); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out[state] = append(out[state], id)
	}
	return out, rows.Err()
}

// Counts returns the number of tasks in each partition.
func (s *Store) Counts(ctx context.Context) (map[State]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM tasks GROUP BY state;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	out := make(map[State]int, len(States))
	for _, st := range States {
		out[st] = 0
	}
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[state] = n
	}
	return out, rows.Err()
}

// Move atomically moves a task from one partition to another. It fails with
// ErrStateConflict when the task is no longer in from.
func (s *Store) Move(ctx context.Context, taskID string, from, to State, reason string) error {
	if from == StatePlanned || to == StatePlanned {
		return fmt.Errorf("move %s -> %s: PLANNED is only reachable through ApplyPlan", from, to)
	}
	var moved bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin move tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		payload, _ := json.Marshal(map[string]string{"reason": reason})
		moved, err = s.transitionTaskTx(ctx, tx, taskID, from, to, "task.moved", string(payload))
		if err != nil || !moved {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("move task: %w", err)
	}
	if !moved {
		return s.conflictOrMissing(ctx, taskID)
	}
	s.publishTransition(taskID, from, to, reason)
	return nil
}

// Claim takes the analysis lease on a NEEDS_ACTION task. It returns false when
// another owner holds an unexpired lease or the task has left NEEDS_ACTION.
func (s *Store) Claim(ctx context.Context, taskID, owner string, ttl time.Duration) (bool, error) {
	var claimed bool
	err := retryOnBusy(ctx, busyRetries, func() error {
		now := s.now()
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET lease_owner = ?, lease_expires_at = ?
			WHERE id = ? AND state = ?
				AND (lease_owner IS NULL OR lease_owner = ? OR lease_expires_at < ?);
		`, owner, now.Add(ttl), taskID, StateNeedsAction, owner, now)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("claim rows affected: %w", err)
		}
		claimed = n == 1
		return nil
	})
	return claimed, err
}

// Release drops a lease held by owner without changing state.
func (s *Store) Release(ctx context.Context, taskID, owner string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET lease_owner = NULL, lease_expires_at = NULL
			WHERE id = ? AND lease_owner = ?;
		`, taskID, owner)
		if err != nil {
			return fmt.Errorf("release task: %w", err)
		}
		return nil
	})
}

// Annotate records the latest processing note on a task without moving it.
func (s *Store) Annotate(ctx context.Context, taskID, note string) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET last_error = ?, updated_at = ? WHERE id = ?;
		`, note, s.now(), taskID)
		if err != nil {
			return fmt.Errorf("annotate task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("task %s: %w", taskID, ErrNotFound)
		}
		return nil
	})
}

// RecordParseFailure increments the malformed-response counter of a
// NEEDS_ACTION task. Once the counter reaches bound the task moves to FAILED
// in the same transaction.
func (s *Store) RecordParseFailure(ctx context.Context, taskID, note string, bound int) (ParseFailureOutcome, error) {
	var out ParseFailureOutcome
	err := retryOnBusy(ctx, busyRetries, func() error {
		out = ParseFailureOutcome{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin parse failure tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET parse_failures = parse_failures + 1, last_error = ?, lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND state = ?;
		`, note, s.now(), taskID, StateNeedsAction)
		if err != nil {
			return fmt.Errorf("increment parse failures: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errStale
		}
		if err := tx.QueryRowContext(ctx, `SELECT parse_failures FROM tasks WHERE id = ?;`, taskID).Scan(&out.Count); err != nil {
			return fmt.Errorf("read parse failures: %w", err)
		}
		if bound > 0 && out.Count >= bound {
			payload, _ := json.Marshal(map[string]any{"reason": "parse_failure_bound", "count": out.Count})
			ok, err := s.transitionTaskTx(ctx, tx, taskID, StateNeedsAction, StateFailed, "task.failed", string(payload))
			if err != nil {
				return err
			}
			out.Failed = ok
		}
		return tx.Commit()
	})
	if errors.Is(err, errStale) {
		return out, s.conflictOrMissing(ctx, taskID)
	}
	if err != nil {
		return out, err
	}
	if out.Failed {
		s.publishTransition(taskID, StateNeedsAction, StateFailed, "parse_failure_bound")
	}
	return out, nil
}

// errStale signals from inside a transaction closure that the guarded row
// did not match; callers turn it into ErrNotFound or ErrStateConflict.
var errStale = errors.New("stale task state")

func (s *Store) ListEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, trace_id, event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.EventType, &ev.StateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}
