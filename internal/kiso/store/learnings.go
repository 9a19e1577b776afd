package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertLearning stores a reviewer-emitted learning at status=pending.
func (s *Store) InsertLearning(ctx context.Context, l *Learning) (int64, error) {
	l.CreatedAt = time.Now()
	if l.Status == "" {
		l.Status = LearningPending
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO learnings (content, session_id, status, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, l.Content, l.SessionID, string(l.Status), nullStringPtr(l.Reason), l.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert learning: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted learning id: %w", err)
	}
	return id, nil
}

// PendingLearnings returns every learning still awaiting curation.
func (s *Store) PendingLearnings(ctx context.Context) ([]*Learning, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, content, session_id, status, reason, created_at
		FROM learnings WHERE status = 'pending' ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending learnings: %w", err)
	}
	defer rows.Close()

	var out []*Learning
	for rows.Next() {
		l := &Learning{}
		var status string
		var reason sql.NullString
		if err := rows.Scan(&l.ID, &l.Content, &l.SessionID, &status, &reason, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan learning: %w", err)
		}
		l.Status = LearningStatus(status)
		l.Reason = nullStringToPtr(reason)
		out = append(out, l)
	}
	return out, rows.Err()
}

// SetLearningStatus applies a curator verdict to a learning row.
func (s *Store) SetLearningStatus(ctx context.Context, id int64, status LearningStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE learnings SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set learning %d status: %w", id, err)
	}
	return nil
}
