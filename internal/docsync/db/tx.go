package db

import (
	"context"
	"database/sql"

	"github.com/docsync/docsync/internal/docsync/schema"
)

// Tx exposes the store's write operations inside a Mutate transaction.
type Tx struct {
	tx *sql.Tx
}

// Get reads a document inside the transaction.
func (t *Tx) Get(ctx context.Context, id string) (*schema.CachedDocument, error) {
	return getDocument(ctx, t.tx, id)
}

// Put writes a document and its payload.
func (t *Tx) Put(ctx context.Context, doc *schema.CachedDocument) error {
	return putDocument(ctx, t.tx, doc)
}

// Delete removes a document, its payload and its conflict record.
func (t *Tx) Delete(ctx context.Context, id string) error {
	return deleteDocument(ctx, t.tx, id)
}

// Rekey moves a document, its payload, queue items and conflict record to newID.
func (t *Tx) Rekey(ctx context.Context, oldID, newID string) error {
	return rekeyDocument(ctx, t.tx, oldID, newID)
}

// Enqueue appends a queue item.
func (t *Tx) Enqueue(ctx context.Context, item *schema.QueueItem) error {
	return enqueue(ctx, t.tx, item)
}

// QueueForDocument returns the queue items of one document in apply order.
func (t *Tx) QueueForDocument(ctx context.Context, documentID string) ([]*schema.QueueItem, error) {
	return queueForDocument(ctx, t.tx, documentID)
}

// UpdateQueueItem persists the status, retry and error fields of an item.
func (t *Tx) UpdateQueueItem(ctx context.Context, item *schema.QueueItem) error {
	return updateQueueItem(ctx, t.tx, item)
}

// DeleteQueueItem removes one queue item.
func (t *Tx) DeleteQueueItem(ctx context.Context, id string) error {
	return deleteQueueItem(ctx, t.tx, id)
}

// DeleteQueueForDocument removes every queue item of a document.
func (t *Tx) DeleteQueueForDocument(ctx context.Context, documentID string) (int, error) {
	return deleteQueueForDocument(ctx, t.tx, documentID)
}

// SaveConflict records the server copy of a conflicted document.
func (t *Tx) SaveConflict(ctx context.Context, rec *schema.ConflictRecord) error {
	return saveConflict(ctx, t.tx, rec)
}

// GetConflict reads the conflict record of a document.
func (t *Tx) GetConflict(ctx context.Context, documentID string) (*schema.ConflictRecord, error) {
	return getConflict(ctx, t.tx, documentID)
}

// DeleteConflict removes the conflict record of a document.
func (t *Tx) DeleteConflict(ctx context.Context, documentID string) error {
	return deleteConflict(ctx, t.tx, documentID)
}
