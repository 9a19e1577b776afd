package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// InsertPublishedFile records a file published under a session's pub/
// directory, addressable later by its id token.
func (s *Store) InsertPublishedFile(ctx context.Context, f *PublishedFile) error {
	f.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO published_files (id, session_id, filename, disk_path, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, f.ID, f.SessionID, f.Filename, f.DiskPath, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert published file %s: %w", f.ID, err)
	}
	return nil
}

// FindPublishedFile looks up a published file already registered for a
// session and filename, so repeated scans of the pub/ directory do not
// mint a fresh token for a file that already has one.
func (s *Store) FindPublishedFile(ctx context.Context, sessionID, filename string) (*PublishedFile, error) {
	f := &PublishedFile{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, filename, disk_path, created_at FROM published_files
		WHERE session_id = ? AND filename = ?
	`, sessionID, filename).Scan(&f.ID, &f.SessionID, &f.Filename, &f.DiskPath, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find published file %s/%s: %w", sessionID, filename, err)
	}
	return f, nil
}

// GetPublishedFile looks up a published file by its exact-match token id.
func (s *Store) GetPublishedFile(ctx context.Context, id string) (*PublishedFile, error) {
	f := &PublishedFile{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, filename, disk_path, created_at FROM published_files WHERE id = ?
	`, id).Scan(&f.ID, &f.SessionID, &f.Filename, &f.DiskPath, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("published file not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get published file %s: %w", id, err)
	}
	return f, nil
}
