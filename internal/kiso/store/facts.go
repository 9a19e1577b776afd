package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertFact stores a new fact row.
func (s *Store) InsertFact(ctx context.Context, f *Fact) (int64, error) {
	f.CreatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO facts (content, category, confidence, use_count, last_used, session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.Content, string(f.Category), f.Confidence, f.UseCount, nullTime(f.LastUsed), f.SessionID, f.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert fact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read inserted fact id: %w", err)
	}
	return id, nil
}

func scanFact(row interface {
	Scan(dest ...any) error
}) (*Fact, error) {
	f := &Fact{}
	var category string
	var lastUsed sql.NullTime
	err := row.Scan(&f.ID, &f.Content, &category, &f.Confidence, &f.UseCount, &lastUsed, &f.SessionID, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	f.Category = FactCategory(category)
	if lastUsed.Valid {
		t := lastUsed.Time
		f.LastUsed = &t
	}
	return f, nil
}

const factColumns = `id, content, category, confidence, use_count, last_used, session_id, created_at`

// FactsVisibleTo returns every globally-visible fact (project/tool/general)
// plus any user-scoped fact originating from sessionID, per §3's visibility
// rule.
func (s *Store) FactsVisibleTo(ctx context.Context, sessionID string) ([]*Fact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+factColumns+` FROM facts
		WHERE category != 'user' OR session_id = ?
		ORDER BY confidence DESC, use_count DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list facts visible to session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// AllFacts returns every fact, used by the knowledge-consolidation pass
// (§4.6 step 4).
func (s *Store) AllFacts(ctx context.Context) ([]*Fact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+factColumns+` FROM facts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all facts: %w", err)
	}
	defer rows.Close()

	var out []*Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CountFacts returns the total number of fact rows.
func (s *Store) CountFacts(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count facts: %w", err)
	}
	return n, nil
}

// TouchFacts bumps use_count and last_used for every fact id that appeared
// in a planner context (§4.6 step 1).
func (s *Store) TouchFacts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin touch facts: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `
			UPDATE facts SET use_count = use_count + 1, last_used = ? WHERE id = ?
		`, now, id); err != nil {
			return fmt.Errorf("touch fact %d: %w", id, err)
		}
	}
	return tx.Commit()
}

// DecayAndArchiveFacts reduces confidence by rate for every fact not used
// within staleDays, then moves any fact below archiveThreshold into
// facts_archive (§4.6 step 5). Returns the number archived.
func (s *Store) DecayAndArchiveFacts(ctx context.Context, rate float64, staleDays int, archiveThreshold float64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin fact decay: %w", err)
	}
	defer tx.Rollback()

	cutoff := time.Now().AddDate(0, 0, -staleDays)
	if _, err := tx.ExecContext(ctx, `
		UPDATE facts SET confidence = MAX(0, confidence - ?)
		WHERE last_used IS NULL OR last_used < ?
	`, rate, cutoff); err != nil {
		return 0, fmt.Errorf("decay facts: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO facts_archive (id, content, category, confidence, use_count, last_used, session_id, created_at)
		SELECT id, content, category, confidence, use_count, last_used, session_id, created_at
		FROM facts WHERE confidence < ?
	`, archiveThreshold); err != nil {
		return 0, fmt.Errorf("copy facts to archive: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM facts WHERE confidence < ?`, archiveThreshold)
	if err != nil {
		return 0, fmt.Errorf("delete archived facts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count archived facts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit fact decay: %w", err)
	}
	return n, nil
}

// ReplaceFacts atomically deletes every fact and inserts a new consolidated
// list, the knowledge-consolidation step of §4.6 step 4. Callers are
// responsible for the anti-collapse guard before calling this.
func (s *Store) ReplaceFacts(ctx context.Context, facts []*Fact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace facts: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM facts`); err != nil {
		return fmt.Errorf("clear facts: %w", err)
	}

	now := time.Now()
	for _, f := range facts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO facts (content, category, confidence, use_count, last_used, session_id, created_at)
			VALUES (?, ?, ?, 0, NULL, ?, ?)
		`, f.Content, string(f.Category), f.Confidence, f.SessionID, now); err != nil {
			return fmt.Errorf("insert consolidated fact: %w", err)
		}
	}

	return tx.Commit()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
