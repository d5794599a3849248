package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/docsync/docsync/internal/docsync/schema"
)

const queueColumns = `
	seq, id, document_id, operation, collection, payload, binary_data,
	created_at, retry_count, status, next_attempt_at, last_error, permanent`

// Enqueue appends a pending item to the mutation queue and returns its id.
//
// Enqueue never consults connectivity: it always succeeds locally unless the
// store itself fails. Most callers go through Mutate so the document change and
// its queue item commit together.
func (db *DB) Enqueue(ctx context.Context, item *schema.QueueItem) (string, error) {
	if err := enqueue(ctx, db.conn, item); err != nil {
		return "", err
	}
	return item.ID, nil
}

// ListQueue returns every queue item ordered for draining: by document id,
// then insertion sequence. created_at comes from the wall clock and is only
// used for sweep age.
func (db *DB) ListQueue(ctx context.Context) ([]*schema.QueueItem, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT`+queueColumns+`
	FROM queue_items
	ORDER BY document_id ASC, seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue: %w", err)
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// QueueForDocument returns the queue items of one document in apply order.
func (db *DB) QueueForDocument(ctx context.Context, documentID string) ([]*schema.QueueItem, error) {
	return queueForDocument(ctx, db.conn, documentID)
}

// GetQueueItem retrieves a single queue item by id.
func (db *DB) GetQueueItem(ctx context.Context, id string) (*schema.QueueItem, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT`+queueColumns+` FROM queue_items WHERE id = ?`, id)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("queue item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue item %s: %w", id, err)
	}
	return item, nil
}

// UpdateQueueItem persists the status, retry and error fields of an item.
func (db *DB) UpdateQueueItem(ctx context.Context, item *schema.QueueItem) error {
	return updateQueueItem(ctx, db.conn, item)
}

// DeleteQueueItem removes one queue item.
// Returns nil if the item doesn't exist (idempotent).
func (db *DB) DeleteQueueItem(ctx context.Context, id string) error {
	return deleteQueueItem(ctx, db.conn, id)
}

// ResetSyncing returns items left in syncing by an interrupted drain to pending.
// It returns the number of items reset.
func (db *DB) ResetSyncing(ctx context.Context) (int, error) {
	res, err := db.conn.ExecContext(ctx, `UPDATE queue_items SET status = ? WHERE status = ?`,
		string(schema.QueuePending), string(schema.QueueSyncing))
	if err != nil {
		return 0, fmt.Errorf("failed to reset syncing items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset items: %w", err)
	}
	return int(n), nil
}

// StaleUploads returns upload items created before cutoff.
func (db *DB) StaleUploads(ctx context.Context, cutoff time.Time) ([]*schema.QueueItem, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT`+queueColumns+`
	FROM queue_items
	WHERE operation = ? AND created_at < ?
	ORDER BY document_id ASC, seq ASC`,
		string(schema.OpUpload), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to query stale uploads: %w", err)
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

// QueueCount returns the number of queued items.
func (db *DB) QueueCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue_items`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return count, nil
}

func enqueue(ctx context.Context, q querier, item *schema.QueueItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid queue item: %w", err)
	}
	if item.Status == "" {
		item.Status = schema.QueuePending
	}

	res, err := q.ExecContext(ctx, `
	INSERT INTO queue_items (
		id, document_id, operation, collection, payload, binary_data,
		created_at, retry_count, status, next_attempt_at, last_error, permanent
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID,
		item.DocumentID,
		string(item.Operation),
		item.Collection,
		[]byte(item.Payload),
		item.Binary,
		formatTime(item.CreatedAt),
		item.RetryCount,
		string(item.Status),
		timeToNullString(item.NextAttemptAt),
		item.LastError,
		boolToInt(item.Permanent),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s for %s: %w", item.Operation, item.DocumentID, err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read queue sequence: %w", err)
	}
	item.Seq = seq
	return nil
}

func queueForDocument(ctx context.Context, q querier, documentID string) ([]*schema.QueueItem, error) {
	rows, err := q.QueryContext(ctx, `SELECT`+queueColumns+`
	FROM queue_items
	WHERE document_id = ?
	ORDER BY seq ASC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue of %s: %w", documentID, err)
	}
	defer rows.Close()

	return scanQueueItems(rows)
}

func updateQueueItem(ctx context.Context, q querier, item *schema.QueueItem) error {
	_, err := q.ExecContext(ctx, `
	UPDATE queue_items SET
		retry_count = ?,
		status = ?,
		next_attempt_at = ?,
		last_error = ?,
		permanent = ?
	WHERE id = ?`,
		item.RetryCount,
		string(item.Status),
		timeToNullString(item.NextAttemptAt),
		item.LastError,
		boolToInt(item.Permanent),
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update queue item %s: %w", item.ID, err)
	}
	return nil
}

func deleteQueueItem(ctx context.Context, q querier, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM queue_items WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete queue item %s: %w", id, err)
	}
	return nil
}

func deleteQueueForDocument(ctx context.Context, q querier, documentID string) (int, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM queue_items WHERE document_id = ?`, documentID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete queue of %s: %w", documentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted queue items: %w", err)
	}
	return int(n), nil
}

func scanQueueItems(rows *sql.Rows) ([]*schema.QueueItem, error) {
	var items []*schema.QueueItem

	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}

	return items, nil
}

func scanQueueItem(row rowScanner) (*schema.QueueItem, error) {
	var item schema.QueueItem
	var operation, status, createdAt string
	var payload []byte
	var nextAttemptAt sql.NullString
	var permanent int

	err := row.Scan(
		&item.Seq,
		&item.ID,
		&item.DocumentID,
		&operation,
		&item.Collection,
		&payload,
		&item.Binary,
		&createdAt,
		&item.RetryCount,
		&status,
		&nextAttemptAt,
		&item.LastError,
		&permanent,
	)
	if err != nil {
		return nil, err
	}

	item.Operation = schema.Operation(operation)
	item.Status = schema.QueueStatus(status)
	item.Permanent = permanent != 0
	if len(payload) > 0 {
		item.Payload = payload
	}
	switch {
	case item.Operation == schema.OpUpload && item.Binary == nil:
		item.Binary = []byte{}
	case item.Operation != schema.OpUpload && len(item.Binary) == 0:
		item.Binary = nil
	}

	if item.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if item.NextAttemptAt, err = nullStringToTime(nextAttemptAt); err != nil {
		return nil, err
	}

	return &item, nil
}
