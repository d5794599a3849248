package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/docsync/docsync/internal/docsync/schema"
)

// GetConflict returns the conflict record of a document.
// Returns ErrNotFound if none is recorded.
func (db *DB) GetConflict(ctx context.Context, documentID string) (*schema.ConflictRecord, error) {
	return getConflict(ctx, db.conn, documentID)
}

// ListConflicts returns every recorded conflict ordered by document id.
func (db *DB) ListConflicts(ctx context.Context) ([]*schema.ConflictRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT document_id, remote_version, snapshot, detected_at
	FROM conflicts
	ORDER BY document_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	var records []*schema.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return records, nil
}

func saveConflict(ctx context.Context, q querier, rec *schema.ConflictRecord) error {
	snapshot, err := json.Marshal(rec.RemoteSnapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal remote snapshot: %w", err)
	}

	_, err = q.ExecContext(ctx, `
	INSERT INTO conflicts (document_id, remote_version, snapshot, detected_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(document_id) DO UPDATE SET
		remote_version = excluded.remote_version,
		snapshot = excluded.snapshot,
		detected_at = excluded.detected_at
	`, rec.DocumentID, rec.RemoteVersion, string(snapshot), formatTime(rec.DetectedAt))
	if err != nil {
		return fmt.Errorf("failed to save conflict for %s: %w", rec.DocumentID, err)
	}
	return nil
}

func getConflict(ctx context.Context, q querier, documentID string) (*schema.ConflictRecord, error) {
	row := q.QueryRowContext(ctx, `
	SELECT document_id, remote_version, snapshot, detected_at
	FROM conflicts WHERE document_id = ?`, documentID)

	rec, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", documentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", documentID, err)
	}
	return rec, nil
}

func deleteConflict(ctx context.Context, q querier, documentID string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM conflicts WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("failed to delete conflict %s: %w", documentID, err)
	}
	return nil
}

func scanConflict(row rowScanner) (*schema.ConflictRecord, error) {
	var rec schema.ConflictRecord
	var snapshot, detectedAt string

	if err := row.Scan(&rec.DocumentID, &rec.RemoteVersion, &snapshot, &detectedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(snapshot), &rec.RemoteSnapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal remote snapshot: %w", err)
	}
	var err error
	if rec.DetectedAt, err = parseTime(detectedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}
