package db

import (
	"context"
	"fmt"

	"github.com/docsync/docsync/internal/docsync/schema"
)

// Stats summarizes the cache: document count, total size, queued syncs,
// conflicts and failures.
func (db *DB) Stats(ctx context.Context) (*schema.Stats, error) {
	var stats schema.Stats

	err := db.conn.QueryRowContext(ctx, `
	SELECT
		COUNT(*),
		COALESCE(SUM(size), 0),
		COALESCE(SUM(CASE WHEN sync_status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN sync_status = ? THEN 1 ELSE 0 END), 0)
	FROM documents`,
		string(schema.StatusConflict),
		string(schema.StatusFailed),
	).Scan(&stats.DocumentCount, &stats.TotalSize, &stats.ConflictCount, &stats.FailedCount)
	if err != nil {
		return nil, fmt.Errorf("failed to compute document stats: %w", err)
	}

	pending, err := db.QueueCount(ctx)
	if err != nil {
		return nil, err
	}
	stats.PendingSyncs = pending

	return &stats, nil
}
