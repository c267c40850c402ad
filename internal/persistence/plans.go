package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/steward/internal/bus"
	"github.com/google/uuid"
)

const planColumns = `id, task_id, objective, steps_json, risk_level, requires_approval, raw, created_at`

func scanPlan(scanFn func(dest ...any) error, plan *Plan) error {
	var steps string
	if err := scanFn(&plan.ID, &plan.TaskID, &plan.Objective, &steps, &plan.RiskLevel, &plan.RequiresApproval, &plan.Raw, &plan.CreatedAt); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(steps), &plan.Steps); err != nil {
		return fmt.Errorf("decode plan steps: %w", err)
	}
	return nil
}

// ApplyPlan writes a new immutable plan for a NEEDS_ACTION task and moves the
// task through PLANNED to PENDING_APPROVAL (plan.RequiresApproval) or DONE.
// Both edges are journaled but PLANNED is never committed as the task's state.
func (s *Store) ApplyPlan(ctx context.Context, taskID string, plan Plan) (*Plan, State, error) {
	plan.ID = uuid.NewString()
	plan.TaskID = taskID
	plan.RiskLevel = ParseRisk(string(plan.RiskLevel))
	plan.CreatedAt = s.now()
	if plan.Steps == nil {
		plan.Steps = []string{}
	}
	target := StateDone
	if plan.RequiresApproval {
		target = StatePendingApproval
	}

	steps, err := json.Marshal(plan.Steps)
	if err != nil {
		return nil, "", fmt.Errorf("encode plan steps: %w", err)
	}

	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin apply plan tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current State
		if err := tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return errStale
			}
			return fmt.Errorf("read task state: %w", err)
		}
		if current != StateNeedsAction {
			return errStale
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plans (id, task_id, objective, steps_json, risk_level, requires_approval, raw, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, plan.ID, taskID, plan.Objective, string(steps), plan.RiskLevel, plan.RequiresApproval, plan.Raw, plan.CreatedAt); err != nil {
			return fmt.Errorf("insert plan: %w", err)
		}

		planned, _ := json.Marshal(map[string]string{"plan_id": plan.ID, "risk_level": string(plan.RiskLevel)})
		if err := s.appendTaskEventTx(ctx, tx, taskID, StateNeedsAction, StatePlanned, "task.planned", string(planned)); err != nil {
			return err
		}
		if !CanTransition(StatePlanned, target) {
			return fmt.Errorf("illegal transition %s -> %s", StatePlanned, target)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET state = ?, plan_id = ?, last_error = '', lease_owner = NULL, lease_expires_at = NULL, updated_at = ?
			WHERE id = ? AND state = ?;
		`, target, plan.ID, s.now(), taskID, StateNeedsAction)
		if err != nil {
			return fmt.Errorf("update task after plan: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return errStale
		}
		routed, _ := json.Marshal(map[string]any{"plan_id": plan.ID, "requires_approval": plan.RequiresApproval})
		if err := s.appendTaskEventTx(ctx, tx, taskID, StatePlanned, target, "task.routed", string(routed)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if errors.Is(err, errStale) {
		return nil, "", s.conflictOrMissing(ctx, taskID)
	}
	if err != nil {
		return nil, "", err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicPlanWritten, bus.PlanWrittenEvent{
			TaskID:           taskID,
			PlanID:           plan.ID,
			RiskLevel:        string(plan.RiskLevel),
			RequiresApproval: plan.RequiresApproval,
		})
	}
	s.publishTransition(taskID, StateNeedsAction, target, "plan_applied")
	return &plan, target, nil
}

func (s *Store) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	var plan Plan
	err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?;`, planID).Scan, &plan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("plan %s: %w", planID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return &plan, nil
}

// ListPlans returns every plan ever written for a task, oldest first.
func (s *Store) ListPlans(ctx context.Context, taskID string) ([]Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+planColumns+` FROM plans WHERE task_id = ? ORDER BY created_at, rowid;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []Plan
	for rows.Next() {
		var plan Plan
		if err := scanPlan(rows.Scan, &plan); err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, plan)
	}
	return out, rows.Err()
}

// ListPending returns every PENDING_APPROVAL task with its current plan,
// oldest first.
func (s *Store) ListPending(ctx context.Context) ([]PendingItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.source, t.origin_ref, t.priority, t.state, t.payload, COALESCE(t.plan_id, ''),
			t.replan_count, t.parse_failures, t.last_error, t.created_at, t.updated_at,
			p.id, p.task_id, p.objective, p.steps_json, p.risk_level, p.requires_approval, p.raw, p.created_at
		FROM tasks t
		JOIN plans p ON p.id = t.plan_id
		WHERE t.state = ?
		ORDER BY t.created_at, t.id;
	`, StatePendingApproval)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []PendingItem
	for rows.Next() {
		var item PendingItem
		var steps string
		t, p := &item.Task, &item.Plan
		if err := rows.Scan(
			&t.ID, &t.Source, &t.OriginRef, &t.Priority, &t.State, &t.Payload, &t.PlanID,
			&t.ReplanCount, &t.ParseFailures, &t.LastError, &t.CreatedAt, &t.UpdatedAt,
			&p.ID, &p.TaskID, &p.Objective, &steps, &p.RiskLevel, &p.RequiresApproval, &p.Raw, &p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
			return nil, fmt.Errorf("decode plan steps: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Approve moves a PENDING_APPROVAL task to DONE.
func (s *Store) Approve(ctx context.Context, taskID, reason string) error {
	return s.Move(ctx, taskID, StatePendingApproval, StateDone, reason)
}

// Reject bumps the re-plan counter of a PENDING_APPROVAL task and sends it
// back to NEEDS_ACTION, or to FAILED once the counter exceeds maxReplans.
// The plan pointer is cleared; the rejected plan stays in the plans table.
func (s *Store) Reject(ctx context.Context, taskID, reason string, maxReplans int) (RejectOutcome, error) {
	var out RejectOutcome
	err := retryOnBusy(ctx, busyRetries, func() error {
		out = RejectOutcome{}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reject tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET replan_count = replan_count + 1, last_error = ?
			WHERE id = ? AND state = ?;
		`, "rejected: "+reason, taskID, StatePendingApproval)
		if err != nil {
			return fmt.Errorf("increment replan count: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errStale
		}
		if err := tx.QueryRowContext(ctx, `SELECT replan_count FROM tasks WHERE id = ?;`, taskID).Scan(&out.ReplanCount); err != nil {
			return fmt.Errorf("read replan count: %w", err)
		}

		out.State = StateNeedsAction
		eventType := "task.rejected"
		if out.ReplanCount > maxReplans {
			out.State = StateFailed
			eventType = "task.failed"
		}
		payload, _ := json.Marshal(map[string]any{"reason": reason, "replan_count": out.ReplanCount})
		ok, err := s.transitionTaskTx(ctx, tx, taskID, StatePendingApproval, out.State, eventType, string(payload))
		if err != nil {
			return err
		}
		if !ok {
			return errStale
		}
		if out.State == StateNeedsAction {
			if _, err := tx.ExecContext(ctx, `UPDATE tasks SET plan_id = NULL, parse_failures = 0 WHERE id = ?;`, taskID); err != nil {
				return fmt.Errorf("clear plan pointer: %w", err)
			}
		}
		return tx.Commit()
	})
	if errors.Is(err, errStale) {
		return out, s.conflictOrMissing(ctx, taskID)
	}
	if err != nil {
		return out, err
	}
	s.publishTransition(taskID, StatePendingApproval, out.State, reason)
	return out, nil
}
