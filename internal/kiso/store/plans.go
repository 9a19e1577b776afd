package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreatePlan inserts a new plan row with status=running.
func (s *Store) CreatePlan(ctx context.Context, p *Plan) (int64, error) {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = PlanRunning
	}

	var parentID sql.NullInt64
	if p.ParentID != nil {
		parentID = sql.NullInt64{Int64: *p.ParentID, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO plans (session_id, message_id, parent_id, goal, status, extend_replan, input_tokens, output_tokens, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.SessionID, p.MessageID, parentID, p.Goal, string(p.Status), p.ExtendReplan,
		p.InputTokens, p.OutputTokens, p.Model, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("create plan for message %d: %w", p.MessageID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted plan id: %w", err)
	}
	return id, nil
}

func scanPlan(row interface {
	Scan(dest ...any) error
}) (*Plan, error) {
	p := &Plan{}
	var status string
	var parentID sql.NullInt64
	err := row.Scan(&p.ID, &p.SessionID, &p.MessageID, &parentID, &p.Goal, &status,
		&p.ExtendReplan, &p.InputTokens, &p.OutputTokens, &p.Model, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Status = PlanStatus(status)
	if parentID.Valid {
		v := parentID.Int64
		p.ParentID = &v
	}
	return p, nil
}

const planColumns = `id, session_id, message_id, parent_id, goal, status, extend_replan, input_tokens, output_tokens, model, created_at, updated_at`

// GetPlan retrieves a plan by id.
func (s *Store) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("plan not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get plan %d: %w", id, err)
	}
	return p, nil
}

// LatestPlanForSession returns the most recently created plan for a session,
// used by /status to report the active plan.
func (s *Store) LatestPlanForSession(ctx context.Context, sessionID string) (*Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+planColumns+` FROM plans WHERE session_id = ? ORDER BY id DESC LIMIT 1
	`, sessionID)
	p, err := scanPlan(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no plan for session: %s", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get latest plan for session %s: %w", sessionID, err)
	}
	return p, nil
}

// UpdatePlanStatus transitions a plan to a new status. Terminal states
// (done/failed/cancelled) are final; callers must not call this again after
// reaching one.
func (s *Store) UpdatePlanStatus(ctx context.Context, id int64, status PlanStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE plans SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now(), id)
	if err != nil {
		return fmt.Errorf("update plan %d status: %w", id, err)
	}
	return nil
}

// RecordPlanUsage records the accumulated token usage and primary model on a
// plan row (§4.6 step 6).
func (s *Store) RecordPlanUsage(ctx context.Context, id int64, inputTokens, outputTokens int64, model string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE plans SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ?, model = ?, updated_at = ?
		WHERE id = ?
	`, inputTokens, outputTokens, model, time.Now(), id)
	if err != nil {
		return fmt.Errorf("record plan %d usage: %w", id, err)
	}
	return nil
}

// SetExtendReplan stores the extend_replan grant (0..3) on a plan row.
func (s *Store) SetExtendReplan(ctx context.Context, id int64, grant int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE plans SET extend_replan = ?, updated_at = ? WHERE id = ?
	`, grant, time.Now(), id)
	if err != nil {
		return fmt.Errorf("set extend_replan on plan %d: %w", id, err)
	}
	return nil
}

// ReplanHistory walks the parent_id chain for a plan, returning every
// ancestor plan (goal + failure context lives on the tasks, callers join
// separately), oldest first.
func (s *Store) ReplanHistory(ctx context.Context, planID int64) ([]*Plan, error) {
	var chain []*Plan
	cur := planID
	for {
		p, err := s.GetPlan(ctx, cur)
		if err != nil {
			return nil, err
		}
		chain = append([]*Plan{p}, chain...)
		if p.ParentID == nil {
			break
		}
		cur = *p.ParentID
	}
	return chain, nil
}

// RunningPlans returns every plan still in status=running, used by startup
// recovery to find plans whose worker died mid-flight.
func (s *Store) RunningPlans(ctx context.Context) ([]*Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans WHERE status = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("list running plans: %w", err)
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan running plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
