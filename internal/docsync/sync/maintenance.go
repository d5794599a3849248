package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/docsync/docsync/internal/docsync/connectivity"
	"github.com/docsync/docsync/internal/docsync/db"
	"github.com/docsync/docsync/internal/docsync/remote"
	"github.com/docsync/docsync/internal/docsync/schema"
)

const (
	// cursorKey holds the UpdatedAt of the newest document seen by Refresh.
	cursorKey = "refresh:cursor"

	// fetchKeyPrefix prefixes memoized FetchAll responses.
	fetchKeyPrefix = "fetchall:"
)

// SweepStale implements Orchestrator.SweepStale.
func (o *orchestrator) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("max age must be positive, got %s", maxAge)
	}

	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	cutoff := o.now().Add(-maxAge)
	stale, err := o.store.StaleUploads(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, item := range stale {
		err := o.store.Mutate(ctx, item.DocumentID, func(tx *db.Tx, doc *schema.CachedDocument) error {
			if err := tx.DeleteQueueItem(ctx, item.ID); err != nil {
				return err
			}
			if doc == nil || !doc.NeverSynced() {
				return nil
			}
			if _, err := tx.DeleteQueueForDocument(ctx, doc.ID); err != nil {
				return err
			}
			return tx.Delete(ctx, doc.ID)
		})
		if err != nil {
			return removed, fmt.Errorf("failed to sweep upload %s: %w", item.ID, err)
		}
		removed++
	}

	if removed > 0 {
		o.logger.Printf("Swept %d stale uploads created before %s", removed, cutoff.Format(time.RFC3339))
	}
	return removed, nil
}

// Refresh implements Orchestrator.Refresh.
func (o *orchestrator) Refresh(ctx context.Context) (int, error) {
	if o.monitor.Mode() != connectivity.Online {
		return 0, ErrOffline
	}

	now := o.now()
	since, err := o.cursor(ctx, now)
	if err != nil {
		return 0, err
	}

	docs, err := o.fetch(ctx, since, now)
	if err != nil {
		return 0, err
	}

	missing, err := o.missingSnapshots(ctx)
	if err != nil {
		return 0, err
	}

	var latest time.Time
	if since != nil {
		latest = *since
	}
	applied := 0
	for _, rd := range docs {
		if missing[rd.ID] && !rd.Deleted {
			if err := o.recordSnapshot(ctx, rd); err != nil {
				return applied, err
			}
		}
		changed, err := o.cache.CacheRemote(ctx, rd, nil)
		if err != nil {
			return applied, err
		}
		if changed {
			applied++
		}
		if rd.UpdatedAt.After(latest) {
			latest = rd.UpdatedAt
		}
	}

	// The cursor only moves once every document up to it is cached.
	if !latest.IsZero() && (since == nil || latest.After(*since)) {
		data := []byte(latest.UTC().Format(time.RFC3339Nano))
		if err := o.store.CacheSetAt(ctx, cursorKey, data, 0, now); err != nil {
			return applied, err
		}
	}

	if applied > 0 {
		o.logger.Printf("Refreshed %d documents from the remote", applied)
	}
	return applied, nil
}

// missingSnapshots returns the ids of conflicts recorded without the server
// copy.
func (o *orchestrator) missingSnapshots(ctx context.Context) (map[string]bool, error) {
	records, err := o.store.ListConflicts(ctx)
	if err != nil {
		return nil, err
	}
	missing := make(map[string]bool)
	for _, rec := range records {
		if !rec.HasSnapshot() {
			missing[rec.DocumentID] = true
		}
	}
	return missing, nil
}

// recordSnapshot stores rd as the server copy of a conflict that lacks one.
func (o *orchestrator) recordSnapshot(ctx context.Context, rd remote.RemoteDocument) error {
	err := o.store.Mutate(ctx, rd.ID, func(tx *db.Tx, doc *schema.CachedDocument) error {
		rec, err := tx.GetConflict(ctx, rd.ID)
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.HasSnapshot() {
			return nil
		}
		rec.RemoteSnapshot = rd.Fields.Clone()
		rec.RemoteVersion = rd.Version
		return tx.SaveConflict(ctx, rec)
	})
	if err != nil {
		return fmt.Errorf("failed to record server copy of %s: %w", rd.ID, err)
	}
	o.logger.Printf("Recorded server copy of %s at version %d", rd.ID, rd.Version)
	return nil
}

// SetRefreshCursor moves the refresh cursor of store so the next Refresh
// fetches documents changed after since. A nil since makes the next Refresh
// fetch everything.
func SetRefreshCursor(ctx context.Context, store *db.DB, since *time.Time) error {
	if since == nil {
		return store.CacheDelete(ctx, cursorKey)
	}
	data := []byte(since.UTC().Format(time.RFC3339Nano))
	return store.CacheSet(ctx, cursorKey, data, 0)
}

// cursor returns the refresh cursor, or nil before the first refresh.
func (o *orchestrator) cursor(ctx context.Context, now time.Time) (*time.Time, error) {
	entry, err := o.store.CacheGetAt(ctx, cursorKey, now)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(entry.Data))
	if err != nil {
		o.logger.Printf("WARNING: ignoring unreadable refresh cursor %q", entry.Data)
		return nil, nil
	}
	return &t, nil
}

// fetch calls FetchAll, reusing a response memoized within RefreshTTL.
func (o *orchestrator) fetch(ctx context.Context, since *time.Time, now time.Time) ([]remote.RemoteDocument, error) {
	key := fetchKeyPrefix + "all"
	if since != nil {
		key = fetchKeyPrefix + since.UTC().Format(time.RFC3339Nano)
	}

	if o.config.RefreshTTL > 0 {
		entry, err := o.store.CacheGetAt(ctx, key, now)
		switch {
		case err == nil:
			var docs []remote.RemoteDocument
			if err := json.Unmarshal(entry.Data, &docs); err == nil {
				return docs, nil
			}
		case !errors.Is(err, db.ErrNotFound):
			return nil, err
		}
	}

	docs, err := o.remote.FetchAll(ctx, o.config.Collection, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote documents: %w", err)
	}

	if o.config.RefreshTTL > 0 {
		data, err := json.Marshal(docs)
		if err != nil {
			return nil, fmt.Errorf("failed to encode fetch response: %w", err)
		}
		if err := o.store.CacheSetAt(ctx, key, data, o.config.RefreshTTL, now); err != nil {
			return nil, err
		}
	}
	return docs, nil
}

// Watch implements Orchestrator.Watch.
func (o *orchestrator) Watch(ctx context.Context) {
	kick := make(chan struct{}, 1)
	wake := func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	}

	cancel := o.monitor.OnChange(func(m connectivity.Mode) {
		o.logger.Printf("Connectivity changed: %s", m)
		o.notify(Event{Type: EventConnectivity, Message: m.String()})
		if m == connectivity.Online {
			wake()
		}
	})
	defer cancel()

	if o.monitor.Mode() == connectivity.Online {
		wake()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
			o.catchUp(ctx)
		}
	}
}

// catchUp drains then refreshes, logging failures.
func (o *orchestrator) catchUp(ctx context.Context) {
	if _, err := o.Drain(ctx); err != nil && !errors.Is(err, ErrOffline) {
		o.logger.Printf("WARNING: drain: %v", err)
	}
	if _, err := o.Refresh(ctx); err != nil && !errors.Is(err, ErrOffline) {
		o.logger.Printf("WARNING: refresh: %v", err)
	}
}
