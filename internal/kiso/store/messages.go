package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertMessage inserts a message row. Processing of a message is governed
// by the trusted/processed pair: it is eligible for a worker iff
// trusted=1 AND processed=0.
func (s *Store) InsertMessage(ctx context.Context, m *Message) (int64, error) {
	m.CreatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, user_id, role, content, trusted, processed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.SessionID, m.UserID, string(m.Role), m.Content, boolToInt(m.Trusted), boolToInt(m.Processed), m.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert message for session %s: %w", m.SessionID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted message id: %w", err)
	}
	return id, nil
}

// GetMessage retrieves a message by id.
func (s *Store) GetMessage(ctx context.Context, id int64) (*Message, error) {
	m := &Message{}
	var role string
	var trusted, processed int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, user_id, role, content, trusted, processed, created_at
		FROM messages WHERE id = ?
	`, id).Scan(&m.ID, &m.SessionID, &m.UserID, &role, &m.Content, &trusted, &processed, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("message not found: %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", id, err)
	}
	m.Role = MessageRole(role)
	m.Trusted = trusted != 0
	m.Processed = processed != 0
	return m, nil
}

// MarkMessageProcessed flips a message's processed flag, required to happen
// in a single statement before any LLM work begins on it.
func (s *Store) MarkMessageProcessed(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET processed = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark message %d processed: %w", id, err)
	}
	return nil
}

// PendingMessages returns every trusted, unprocessed message ordered by id,
// the set that startup recovery and ingest both re-enqueue from.
func (s *Store) PendingMessages(ctx context.Context) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, role, content, trusted, processed, created_at
		FROM messages WHERE trusted = 1 AND processed = 0 ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list pending messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		var role string
		var trusted, processed int
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &role, &m.Content, &trusted, &processed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending message: %w", err)
		}
		m.Role = MessageRole(role)
		m.Trusted = trusted != 0
		m.Processed = processed != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecentTrustedMessages returns the last n trusted messages for a session in
// ascending id order, for planner context assembly (§4.7).
func (s *Store) RecentTrustedMessages(ctx context.Context, sessionID string, n int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, role, content, trusted, processed, created_at
		FROM (
			SELECT * FROM messages WHERE session_id = ? AND trusted = 1
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("list recent messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		var role string
		var trusted, processed int
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &role, &m.Content, &trusted, &processed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent message: %w", err)
		}
		m.Role = MessageRole(role)
		m.Trusted = trusted != 0
		m.Processed = processed != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessagesSince returns how many messages a session has received with
// id greater than afterID, used to trigger summarization (§4.6 step 3).
func (s *Store) CountMessagesSince(ctx context.Context, sessionID string, afterID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE session_id = ? AND id > ?
	`, sessionID, afterID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages for session %s: %w", sessionID, err)
	}
	return n, nil
}

// MessagesToCompress returns every message with id greater than afterID, in
// ascending id order, the batch a session-summary rewrite folds in (§4.6
// step 3). The caller advances the watermark to the last id in this slice
// once the rewrite lands.
func (s *Store) MessagesToCompress(ctx context.Context, sessionID string, afterID int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, role, content, trusted, processed, created_at
		FROM messages WHERE session_id = ? AND id > ? ORDER BY id ASC
	`, sessionID, afterID)
	if err != nil {
		return nil, fmt.Errorf("list messages to compress for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		var role string
		var trusted, processed int
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &role, &m.Content, &trusted, &processed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message to compress: %w", err)
		}
		m.Role = MessageRole(role)
		m.Trusted = trusted != 0
		m.Processed = processed != 0
		out = append(out, m)
	}
	return out, rows.Err()
}
