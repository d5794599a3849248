package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/docsync/docsync/internal/docsync/schema"
)

const documentColumns = `
	d.id, d.name, d.media_type, d.size, d.extracted_text, d.metadata,
	d.processing_status, d.restrictions, d.created_at, d.updated_at,
	d.remote_version, d.local_version, d.sync_status, d.last_synced_at,
	d.change_log, d.last_error, d.deleted, d.is_favorite,
	p.data, p.document_id IS NOT NULL`

const documentSelect = `SELECT` + documentColumns + `
	FROM documents d
	LEFT JOIN document_payloads p ON p.document_id = d.id`

// Put inserts or replaces a document and its payload.
//
// Put overwrites by id. The document row and its payload are written in one
// transaction; a document without payload drops any previously stored payload.
func (db *DB) Put(ctx context.Context, doc *schema.CachedDocument) error {
	unlock := db.locks.lock(doc.ID)
	defer unlock()

	return db.withTx(ctx, func(tx *sql.Tx) error {
		return putDocument(ctx, tx, doc)
	})
}

// Get retrieves a single document by id.
// Returns ErrNotFound if the document is not cached.
func (db *DB) Get(ctx context.Context, id string) (*schema.CachedDocument, error) {
	return getDocument(ctx, db.conn, id)
}

// GetAll returns every cached document, tombstones included, ordered by id.
func (db *DB) GetAll(ctx context.Context) ([]*schema.CachedDocument, error) {
	rows, err := db.conn.QueryContext(ctx, documentSelect+` ORDER BY d.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// GetBySyncStatus returns the documents in the given sync state, ordered by id.
func (db *DB) GetBySyncStatus(ctx context.Context, status schema.SyncStatus) ([]*schema.CachedDocument, error) {
	rows, err := db.conn.QueryContext(ctx, documentSelect+` WHERE d.sync_status = ? ORDER BY d.id ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query documents by status %s: %w", status, err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// GetFavorites returns documents flagged as favorite.
func (db *DB) GetFavorites(ctx context.Context) ([]*schema.CachedDocument, error) {
	rows, err := db.conn.QueryContext(ctx, documentSelect+` WHERE d.is_favorite = 1 ORDER BY d.id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query favorites: %w", err)
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// Delete removes a document, its payload and its conflict record.
// Returns nil if the document doesn't exist (idempotent).
func (db *DB) Delete(ctx context.Context, id string) error {
	unlock := db.locks.lock(id)
	defer unlock()

	return db.withTx(ctx, func(tx *sql.Tx) error {
		return deleteDocument(ctx, tx, id)
	})
}

// Mutate runs fn against the current state of document id inside a single
// transaction while holding the document's write lock.
//
// doc is nil when the document is not cached. Changes made through tx are
// committed only if fn returns nil. Mutate is the path for every
// read-modify-write on a document, so concurrent writers of the same id never
// lose updates.
func (db *DB) Mutate(ctx context.Context, id string, fn func(tx *Tx, doc *schema.CachedDocument) error) error {
	unlock := db.locks.lock(id)
	defer unlock()

	return db.withTx(ctx, func(sqlTx *sql.Tx) error {
		doc, err := getDocument(ctx, sqlTx, id)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return fn(&Tx{tx: sqlTx}, doc)
	})
}

func putDocument(ctx context.Context, q querier, doc *schema.CachedDocument) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}

	metadataJSON, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	changeLogJSON, err := json.Marshal(doc.ChangeLog)
	if err != nil {
		return fmt.Errorf("failed to marshal change log: %w", err)
	}
	var restrictions sql.NullString
	if doc.Restrictions != nil {
		data, err := json.Marshal(doc.Restrictions)
		if err != nil {
			return fmt.Errorf("failed to marshal restrictions: %w", err)
		}
		restrictions = sql.NullString{String: string(data), Valid: true}
	}

	query := `
	INSERT INTO documents (
		id, name, media_type, size, extracted_text, metadata,
		processing_status, restrictions, created_at, updated_at,
		remote_version, local_version, sync_status, last_synced_at,
		change_log, last_error, deleted, is_favorite
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		media_type = excluded.media_type,
		size = excluded.size,
		extracted_text = excluded.extracted_text,
		metadata = excluded.metadata,
		processing_status = excluded.processing_status,
		restrictions = excluded.restrictions,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at,
		remote_version = excluded.remote_version,
		local_version = excluded.local_version,
		sync_status = excluded.sync_status,
		last_synced_at = excluded.last_synced_at,
		change_log = excluded.change_log,
		last_error = excluded.last_error,
		deleted = excluded.deleted,
		is_favorite = excluded.is_favorite
	`

	_, err = q.ExecContext(ctx, query,
		doc.ID,
		doc.Name,
		doc.MediaType,
		doc.Size,
		doc.ExtractedText,
		string(metadataJSON),
		doc.ProcessingStatus,
		restrictions,
		formatTime(doc.CreatedAt),
		formatTime(doc.UpdatedAt),
		doc.RemoteVersion,
		doc.LocalVersion,
		string(doc.SyncStatus),
		timeToNullString(doc.LastSyncedAt),
		string(changeLogJSON),
		doc.LastError,
		boolToInt(doc.Deleted),
		boolToInt(doc.IsFavorite),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", doc.ID, err)
	}

	if doc.Payload == nil {
		if _, err := q.ExecContext(ctx, `DELETE FROM document_payloads WHERE document_id = ?`, doc.ID); err != nil {
			return fmt.Errorf("failed to clear payload of %s: %w", doc.ID, err)
		}
		return nil
	}

	_, err = q.ExecContext(ctx, `
	INSERT INTO document_payloads (document_id, data) VALUES (?, ?)
	ON CONFLICT(document_id) DO UPDATE SET data = excluded.data
	`, doc.ID, doc.Payload)
	if err != nil {
		return fmt.Errorf("failed to store payload of %s: %w", doc.ID, err)
	}

	return nil
}

func getDocument(ctx context.Context, q querier, id string) (*schema.CachedDocument, error) {
	row := q.QueryRowContext(ctx, documentSelect+` WHERE d.id = ?`, id)

	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document %s: %w", id, err)
	}
	return doc, nil
}

func deleteDocument(ctx context.Context, q querier, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM document_payloads WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete payload of %s: %w", id, err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM conflicts WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete conflict of %s: %w", id, err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return nil
}

// rekeyDocument moves a document and everything keyed by it to newID.
func rekeyDocument(ctx context.Context, q querier, oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	if _, err := q.ExecContext(ctx, `UPDATE documents SET id = ? WHERE id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("failed to rekey document %s -> %s: %w", oldID, newID, err)
	}
	// document_payloads follows through ON UPDATE CASCADE.
	if _, err := q.ExecContext(ctx, `UPDATE queue_items SET document_id = ? WHERE document_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("failed to rekey queue items of %s: %w", oldID, err)
	}
	if _, err := q.ExecContext(ctx, `UPDATE conflicts SET document_id = ? WHERE document_id = ?`, newID, oldID); err != nil {
		return fmt.Errorf("failed to rekey conflict of %s: %w", oldID, err)
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocuments(rows *sql.Rows) ([]*schema.CachedDocument, error) {
	var docs []*schema.CachedDocument

	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, doc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	return docs, nil
}

func scanDocument(row rowScanner) (*schema.CachedDocument, error) {
	var doc schema.CachedDocument
	var metadataJSON, changeLogJSON, restrictions, lastSyncedAt sql.NullString
	var createdAt, updatedAt, status string
	var deleted, favorite int
	var payload []byte
	var hasPayload bool

	err := row.Scan(
		&doc.ID,
		&doc.Name,
		&doc.MediaType,
		&doc.Size,
		&doc.ExtractedText,
		&metadataJSON,
		&doc.ProcessingStatus,
		&restrictions,
		&createdAt,
		&updatedAt,
		&doc.RemoteVersion,
		&doc.LocalVersion,
		&status,
		&lastSyncedAt,
		&changeLogJSON,
		&doc.LastError,
		&deleted,
		&favorite,
		&payload,
		&hasPayload,
	)
	if err != nil {
		return nil, err
	}

	doc.SyncStatus = schema.SyncStatus(status)
	doc.Deleted = deleted != 0
	doc.IsFavorite = favorite != 0

	if doc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if doc.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if doc.LastSyncedAt, err = nullStringToTime(lastSyncedAt); err != nil {
		return nil, err
	}

	if metadataJSON.Valid && metadataJSON.String != "null" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &doc.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if changeLogJSON.Valid && changeLogJSON.String != "null" {
		if err := json.Unmarshal([]byte(changeLogJSON.String), &doc.ChangeLog); err != nil {
			return nil, fmt.Errorf("failed to unmarshal change log: %w", err)
		}
	}
	if restrictions.Valid {
		doc.Restrictions = &schema.Restrictions{}
		if err := json.Unmarshal([]byte(restrictions.String), doc.Restrictions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal restrictions: %w", err)
		}
	}

	if hasPayload {
		if payload == nil {
			payload = []byte{}
		}
		doc.Payload = payload
	}

	return &doc, nil
}
