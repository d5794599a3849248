package sync

import (
	"context"
	"fmt"

	"github.com/docsync/docsync/internal/docsync/db"
	"github.com/docsync/docsync/internal/docsync/schema"
)

// Retry implements Orchestrator.Retry.
func (o *orchestrator) Retry(ctx context.Context, documentID string) (int, error) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	ids := []string{documentID}
	if documentID == "" {
		items, err := o.store.ListQueue(ctx)
		if err != nil {
			return 0, err
		}
		ids = failedDocuments(items)
	}

	reset := 0
	for _, id := range ids {
		err := o.store.Mutate(ctx, id, func(tx *db.Tx, doc *schema.CachedDocument) error {
			if doc == nil {
				return fmt.Errorf("document %s: %w", id, db.ErrNotFound)
			}
			items, err := tx.QueueForDocument(ctx, id)
			if err != nil {
				return err
			}
			for _, item := range items {
				if item.Status != schema.QueueFailed {
					continue
				}
				item.Status = schema.QueuePending
				item.RetryCount = 0
				item.Permanent = false
				item.NextAttemptAt = nil
				item.LastError = ""
				if err := tx.UpdateQueueItem(ctx, item); err != nil {
					return err
				}
				reset++
			}

			if doc.SyncStatus == schema.StatusFailed && len(items) > 0 {
				doc.SyncStatus = schema.StatusPending
				doc.LastError = ""
				return tx.Put(ctx, doc)
			}
			return nil
		})
		if err != nil {
			return reset, fmt.Errorf("failed to retry %s: %w", id, err)
		}
	}

	if reset > 0 {
		o.logger.Printf("Reset %d failed queue items", reset)
	}
	return reset, nil
}

// failedDocuments returns the ids of documents with a failed item, in queue
// order.
func failedDocuments(items []*schema.QueueItem) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, item := range items {
		if item.Status != schema.QueueFailed || seen[item.DocumentID] {
			continue
		}
		seen[item.DocumentID] = true
		ids = append(ids, item.DocumentID)
	}
	return ids
}
