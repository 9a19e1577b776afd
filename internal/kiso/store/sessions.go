package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateSession inserts a new session row. Existing sessions are left
// untouched by callers that only want "create if absent" semantics — use
// EnsureSession for that case.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	now := time.Now()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, webhook_url, connector, description, summary, cancel_flag, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, nullString(sess.WebhookURL), sess.Connector, sess.Description, sess.Summary,
		boolToInt(sess.CancelFlag), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// EnsureSession creates the session row if it does not already exist,
// matching the "created implicitly on first message" rule in the data model.
func (s *Store) EnsureSession(ctx context.Context, id, connector string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, connector, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, connector, now, now)
	if err != nil {
		return fmt.Errorf("ensure session %s: %w", id, err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	sess := &Session{}
	var webhook sql.NullString
	var cancelFlag int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, webhook_url, connector, description, summary, cancel_flag, last_summarized_message_id, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &webhook, &sess.Connector, &sess.Description, &sess.Summary,
		&cancelFlag, &sess.LastSummarizedMessageID, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	sess.WebhookURL = webhook.String
	sess.CancelFlag = cancelFlag != 0
	return sess, nil
}

// ListSessions returns every session, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, webhook_url, connector, description, summary, cancel_flag, last_summarized_message_id, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess := &Session{}
		var webhook sql.NullString
		var cancelFlag int
		if err := rows.Scan(&sess.ID, &webhook, &sess.Connector, &sess.Description, &sess.Summary,
			&cancelFlag, &sess.LastSummarizedMessageID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.WebhookURL = webhook.String
		sess.CancelFlag = cancelFlag != 0
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSessionWebhook updates the webhook URL and/or description recorded
// for a session, as ingest (connector) calls may do.
func (s *Store) UpdateSessionWebhook(ctx context.Context, id, webhookURL, description string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET webhook_url = ?, description = ?, updated_at = ? WHERE id = ?
	`, nullString(webhookURL), description, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update session %s webhook: %w", id, err)
	}
	return nil
}

// UpdateSessionSummary atomically replaces a session's rolling summary text.
func (s *Store) UpdateSessionSummary(ctx context.Context, id, summary string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET summary = ?, updated_at = ? WHERE id = ?
	`, summary, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update session %s summary: %w", id, err)
	}
	return nil
}

// SetLastSummarizedMessageID advances the watermark §4.6 step 3 measures its
// message-count-since-last-summarization trigger from.
func (s *Store) SetLastSummarizedMessageID(ctx context.Context, id string, messageID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_summarized_message_id = ?, updated_at = ? WHERE id = ?
	`, messageID, time.Now(), id)
	if err != nil {
		return fmt.Errorf("update session %s summary watermark: %w", id, err)
	}
	return nil
}

// SetCancelFlag sets or clears a session's cancel flag. Setting it is
// idempotent: a session already flagged stays flagged.
func (s *Store) SetCancelFlag(ctx context.Context, id string, cancelled bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET cancel_flag = ?, updated_at = ? WHERE id = ?
	`, boolToInt(cancelled), time.Now(), id)
	if err != nil {
		return fmt.Errorf("set cancel flag for session %s: %w", id, err)
	}
	return nil
}

// CancelFlag reports whether a session's cancel flag is currently set.
func (s *Store) CancelFlag(ctx context.Context, id string) (bool, error) {
	var flag int
	err := s.db.QueryRowContext(ctx, `SELECT cancel_flag FROM sessions WHERE id = ?`, id).Scan(&flag)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag for session %s: %w", id, err)
	}
	return flag != 0, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
