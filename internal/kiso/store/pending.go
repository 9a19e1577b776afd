package store

import (
	"context"
	"fmt"
	"time"
)

// InsertPendingItem stores a curator "ask" verdict as an open question.
func (s *Store) InsertPendingItem(ctx context.Context, p *PendingItem) (int64, error) {
	p.CreatedAt = time.Now()
	if p.Status == "" {
		p.Status = PendingOpen
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_items (scope, session_id, question, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(p.Scope), p.SessionID, p.Question, string(p.Status), p.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert pending item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted pending item id: %w", err)
	}
	return id, nil
}

// PendingItemsFor returns the open pending items visible to a session: its
// own session-scoped ones plus every global one.
func (s *Store) PendingItemsFor(ctx context.Context, sessionID string) ([]*PendingItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, session_id, question, status, created_at
		FROM pending_items
		WHERE status = 'open' AND (scope = 'global' OR session_id = ?)
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list pending items for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*PendingItem
	for rows.Next() {
		p := &PendingItem{}
		var scope, status string
		if err := rows.Scan(&p.ID, &scope, &p.SessionID, &p.Question, &status, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending item: %w", err)
		}
		p.Scope = PendingScope(scope)
		p.Status = PendingStatus(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetPendingItemStatus resolves an open pending item.
func (s *Store) SetPendingItemStatus(ctx context.Context, id int64, status PendingStatus) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pending_items SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set pending item %d status: %w", id, err)
	}
	return nil
}
