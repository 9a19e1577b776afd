package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertTasks persists a plan's full task list in one transaction, each at
// status=pending with its 1-based index.
func (s *Store) InsertTasks(ctx context.Context, planID int64, tasks []*Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert tasks for plan %d: %w", planID, err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, t := range tasks {
		t.PlanID = planID
		t.CreatedAt = now
		t.UpdatedAt = now
		if t.Status == "" {
			t.Status = TaskPending
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (plan_id, idx, type, detail, skill, args, expect, command, status, output, stderr, reviewed_ok, delivered_final, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.PlanID, t.Index, string(t.Type), t.Detail, nullStringPtr(t.Skill), nullStringPtr(t.Args),
			nullStringPtr(t.Expect), nullStringPtr(t.Command), string(t.Status), t.Output, t.Stderr,
			boolToInt(t.ReviewedOK), boolToInt(t.DeliveredFinal), t.CreatedAt, t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert task %d of plan %d: %w", t.Index, planID, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read inserted task id: %w", err)
		}
		t.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert tasks for plan %d: %w", planID, err)
	}
	return nil
}

const taskColumns = `id, plan_id, idx, type, detail, skill, args, expect, command, status, output, stderr, reviewed_ok, delivered_final, created_at, updated_at`

func scanTask(row interface {
	Scan(dest ...any) error
}) (*Task, error) {
	t := &Task{}
	var taskType, status string
	var skill, args, expect, command sql.NullString
	var reviewedOK, deliveredFinal int
	err := row.Scan(&t.ID, &t.PlanID, &t.Index, &taskType, &t.Detail, &skill, &args, &expect, &command,
		&status, &t.Output, &t.Stderr, &reviewedOK, &deliveredFinal, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Type = TaskType(taskType)
	t.Status = TaskStatus(status)
	t.Skill = nullStringToPtr(skill)
	t.Args = nullStringToPtr(args)
	t.Expect = nullStringToPtr(expect)
	t.Command = nullStringToPtr(command)
	t.ReviewedOK = reviewedOK != 0
	t.DeliveredFinal = deliveredFinal != 0
	return t, nil
}

// TasksForPlan returns every task belonging to a plan in index order.
func (s *Store) TasksForPlan(ctx context.Context, planID int64) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE plan_id = ? ORDER BY idx ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for plan %d: %w", planID, err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// SetTaskRunning transitions a task from pending to running.
func (s *Store) SetTaskRunning(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'running', updated_at = ? WHERE id = ?
	`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("set task %d running: %w", id, err)
	}
	return nil
}

// CompleteTask persists a task's terminal status plus its sanitized output,
// stderr, and (for exec) the translated command.
func (s *Store) CompleteTask(ctx context.Context, id int64, status TaskStatus, output, stderr string, command *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, output = ?, stderr = ?, command = COALESCE(?, command), updated_at = ?
		WHERE id = ?
	`, string(status), output, stderr, nullStringPtr(command), time.Now(), id)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	return nil
}

// SetTaskReviewed records that an exec/skill/search task's output received a
// reviewer "ok" verdict.
func (s *Store) SetTaskReviewed(ctx context.Context, id int64, ok bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET reviewed_ok = ?, updated_at = ? WHERE id = ?
	`, boolToInt(ok), time.Now(), id)
	if err != nil {
		return fmt.Errorf("set task %d reviewed: %w", id, err)
	}
	return nil
}

// SetTaskDeliveredFinal marks a msg task as the final delivery of its plan.
func (s *Store) SetTaskDeliveredFinal(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET delivered_final = 1, updated_at = ? WHERE id = ?
	`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("mark task %d delivered final: %w", id, err)
	}
	return nil
}

// CancelRemainingTasks marks every pending task of a plan as cancelled, used
// when a plan is cancelled mid-flight.
func (s *Store) CancelRemainingTasks(ctx context.Context, planID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'cancelled', updated_at = ? WHERE plan_id = ? AND status = 'pending'
	`, time.Now(), planID)
	if err != nil {
		return fmt.Errorf("cancel remaining tasks for plan %d: %w", planID, err)
	}
	return nil
}

// FailRemainingTasks marks every non-terminal task of a plan as failed, used
// when entering the replan branch.
func (s *Store) FailRemainingTasks(ctx context.Context, planID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', updated_at = ? WHERE plan_id = ? AND status IN ('pending', 'running')
	`, time.Now(), planID)
	if err != nil {
		return fmt.Errorf("fail remaining tasks for plan %d: %w", planID, err)
	}
	return nil
}

// FailRunningTasks marks every task stuck in status=running as failed,
// the crash-recovery step invariant 9 requires.
func (s *Store) FailRunningTasks(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', updated_at = ? WHERE status = 'running'
	`, time.Now())
	if err != nil {
		return 0, fmt.Errorf("fail running tasks: %w", err)
	}
	return res.RowsAffected()
}

func nullStringPtr(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullStringToPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
