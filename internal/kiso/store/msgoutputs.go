package store

import (
	"context"
	"fmt"
)

// RecentMsgOutputsForSession returns the output text of the last n delivered
// `msg` tasks for a session, oldest first, for the planner context's "Recent
// msg outputs" row (§4.7).
func (s *Store) RecentMsgOutputsForSession(ctx context.Context, sessionID string, n int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT output FROM (
			SELECT t.output, t.id FROM tasks t
			JOIN plans p ON p.id = t.plan_id
			WHERE p.session_id = ? AND t.type = 'msg' AND t.status = 'done'
			ORDER BY t.id DESC LIMIT ?
		) ORDER BY id ASC
	`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("list recent msg outputs for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var output string
		if err := rows.Scan(&output); err != nil {
			return nil, fmt.Errorf("scan recent msg output: %w", err)
		}
		out = append(out, output)
	}
	return out, rows.Err()
}

// MsgOutputsSince returns the output text of every delivered `msg` task
// whose plan originated from a message with id greater than afterID,
// ascending id order, the "their outputs" half of the summarizer's §4.6
// step 3 input.
func (s *Store) MsgOutputsSince(ctx context.Context, sessionID string, afterID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.output FROM tasks t
		JOIN plans p ON p.id = t.plan_id
		WHERE p.session_id = ? AND p.message_id > ? AND t.type = 'msg' AND t.status = 'done'
		ORDER BY t.id ASC
	`, sessionID, afterID)
	if err != nil {
		return nil, fmt.Errorf("list msg outputs since %d for session %s: %w", afterID, sessionID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var output string
		if err := rows.Scan(&output); err != nil {
			return nil, fmt.Errorf("scan msg output: %w", err)
		}
		out = append(out, output)
	}
	return out, rows.Err()
}

// RecentUntrustedMessages returns the last n untrusted messages in a
// session's context window, ascending id order, the batch the paraphraser
// role rewrites into fenced third-person descriptions before the planner
// ever sees them (§4.2 step 1).
func (s *Store) RecentUntrustedMessages(ctx context.Context, sessionID string, n int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, user_id, role, content, trusted, processed, created_at
		FROM (
			SELECT * FROM messages WHERE session_id = ? AND trusted = 0
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("list recent untrusted messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m := &Message{}
		var role string
		var trusted, processed int
		if err := rows.Scan(&m.ID, &m.SessionID, &m.UserID, &role, &m.Content, &trusted, &processed, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recent untrusted message: %w", err)
		}
		m.Role = MessageRole(role)
		m.Trusted = trusted != 0
		m.Processed = processed != 0
		out = append(out, m)
	}
	return out, rows.Err()
}
