// Package cache is the write path of the offline document cache.
//
// Every local change goes through Cache: the document row and the queue item
// describing the change commit in one transaction, whatever the connectivity.
// Documents fetched from the remote enter through CacheRemote and start synced.
package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/docsync/docsync/internal/docsync/db"
	"github.com/docsync/docsync/internal/docsync/remote"
	"github.com/docsync/docsync/internal/docsync/schema"
)

var (
	// ErrInConflict is returned when mutating a document that awaits conflict
	// resolution.
	ErrInConflict = errors.New("document is in conflict")

	// ErrDeleted is returned when editing a locally deleted document.
	ErrDeleted = errors.New("document is deleted")
)

// Config holds configuration for a Cache.
type Config struct {
	// Collection is the remote collection queue items target.
	Collection string

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Collection: schema.DefaultCollection,
		Now:        time.Now,
	}
}

// Cache applies local mutations and caches remote documents.
type Cache struct {
	store  *db.DB
	config *Config
}

// New creates a Cache over store.
func New(store *db.DB, config *Config) (*Cache, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Collection == "" {
		config.Collection = schema.DefaultCollection
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Cache{store: store, config: config}, nil
}

// Store returns the underlying document store.
func (c *Cache) Store() *db.DB {
	return c.store
}

func (c *Cache) now() time.Time {
	return c.config.Now().UTC()
}

// CacheRemote stores a document received from the remote as synced.
//
// Documents with local changes (anything but synced, or tombstoned) are left
// alone so a fetch never discards a local edit. A remote deletion removes a
// synced local copy. payload replaces the stored payload when non-nil.
// It reports whether the local store changed.
func (c *Cache) CacheRemote(ctx context.Context, rd remote.RemoteDocument, payload []byte) (bool, error) {
	if rd.ID == "" {
		return false, fmt.Errorf("remote document has no id")
	}

	applied := false
	err := c.store.Mutate(ctx, rd.ID, func(tx *db.Tx, doc *schema.CachedDocument) error {
		if doc != nil {
			if doc.SyncStatus != schema.StatusSynced || doc.Deleted {
				return nil
			}
			if doc.RemoteVersion > rd.Version {
				return nil
			}
		}

		if rd.Deleted {
			if doc == nil {
				return nil
			}
			applied = true
			if _, err := tx.DeleteQueueForDocument(ctx, rd.ID); err != nil {
				return err
			}
			return tx.Delete(ctx, rd.ID)
		}

		next := schema.FromRemote(rd.ID, rd.Version, rd.Fields, rd.CreatedAt, rd.UpdatedAt)
		next.MarkSynced(rd.Version, c.now())
		if doc != nil {
			next.IsFavorite = doc.IsFavorite
			next.Payload = doc.Payload
		}
		if payload != nil {
			next.Payload = payload
		}
		next.SetDefaults()
		applied = true
		return tx.Put(ctx, next)
	})
	if err != nil {
		return false, fmt.Errorf("failed to cache remote document %s: %w", rd.ID, err)
	}
	return applied, nil
}

// Create caches a new document under a local id and queues its creation.
func (c *Cache) Create(ctx context.Context, fields schema.Fields) (*schema.CachedDocument, error) {
	return c.createLocal(ctx, schema.OpCreate, fields, nil)
}

// Upload caches a new document with binary content and queues its upload.
func (c *Cache) Upload(ctx context.Context, fields schema.Fields, binary []byte) (*schema.CachedDocument, error) {
	if binary == nil {
		binary = []byte{}
	}
	fields.Size = int64(len(binary))
	return c.createLocal(ctx, schema.OpUpload, fields, binary)
}

func (c *Cache) createLocal(ctx context.Context, op schema.Operation, fields schema.Fields, binary []byte) (*schema.CachedDocument, error) {
	if err := fields.Validate(); err != nil {
		return nil, fmt.Errorf("invalid document: %w", err)
	}

	now := c.now()
	doc := &schema.CachedDocument{
		ID:           schema.NewLocalID(),
		Fields:       fields.Clone(),
		CreatedAt:    now,
		UpdatedAt:    now,
		Payload:      binary,
		LocalVersion: 1,
		SyncStatus:   schema.StatusPending,
	}

	item, err := c.newItem(op, doc.ID, fields, binary)
	if err != nil {
		return nil, err
	}

	err = c.store.Mutate(ctx, doc.ID, func(tx *db.Tx, _ *schema.CachedDocument) error {
		if err := tx.Put(ctx, doc); err != nil {
			return err
		}
		return tx.Enqueue(ctx, item)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to %s document: %w", op, err)
	}
	return doc, nil
}

// Edit applies changes to the editable fields of document id.
//
// Each call that changes at least one field is one local mutation: it appends
// one change log entry per changed field, increments LocalVersion once, marks
// the document pending and enqueues one update item carrying the delta.
// Changes that leave every field as it was are a no-op.
func (c *Cache) Edit(ctx context.Context, id string, changes schema.Delta) (*schema.CachedDocument, error) {
	if len(changes) == 0 {
		return nil, fmt.Errorf("no changes given")
	}

	var result *schema.CachedDocument
	err := c.store.Mutate(ctx, id, func(tx *db.Tx, doc *schema.CachedDocument) error {
		if doc == nil {
			return fmt.Errorf("document %s: %w", id, db.ErrNotFound)
		}
		if doc.Deleted {
			return fmt.Errorf("document %s: %w", id, ErrDeleted)
		}
		if doc.SyncStatus == schema.StatusConflict {
			return fmt.Errorf("document %s: %w", id, ErrInConflict)
		}

		now := c.now()
		delta := schema.Delta{}
		for _, field := range sortedKeys(changes) {
			old, err := doc.Fields.Get(field)
			if err != nil {
				return err
			}
			if old == changes[field] {
				continue
			}
			entry, err := doc.Fields.Set(field, changes[field])
			if err != nil {
				return fmt.Errorf("failed to set %s: %w", field, err)
			}
			entry.ChangedAt = now
			doc.ChangeLog = append(doc.ChangeLog, entry)
			delta[field] = changes[field]
		}

		result = doc
		if len(delta) == 0 {
			return nil
		}

		doc.LocalVersion++
		doc.UpdatedAt = now
		doc.SyncStatus = schema.StatusPending
		doc.LastError = ""

		item, err := c.newItem(schema.OpUpdate, id, delta, nil)
		if err != nil {
			return err
		}
		if err := tx.Put(ctx, doc); err != nil {
			return err
		}
		return tx.Enqueue(ctx, item)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to edit document %s: %w", id, err)
	}
	return result, nil
}

// Delete deletes document id locally and queues the remote deletion.
//
// A document the remote has never seen, with nothing in flight, is removed
// outright together with its queue. Otherwise the document stays as a pending
// tombstone until the remote confirms. Deleting an unknown or already deleted
// document is a no-op.
func (c *Cache) Delete(ctx context.Context, id string) error {
	err := c.store.Mutate(ctx, id, func(tx *db.Tx, doc *schema.CachedDocument) error {
		if doc == nil || doc.Deleted {
			return nil
		}
		if doc.SyncStatus == schema.StatusConflict {
			return fmt.Errorf("document %s: %w", id, ErrInConflict)
		}

		if doc.NeverSynced() {
			items, err := tx.QueueForDocument(ctx, id)
			if err != nil {
				return err
			}
			if !anySyncing(items) {
				if _, err := tx.DeleteQueueForDocument(ctx, id); err != nil {
					return err
				}
				return tx.Delete(ctx, id)
			}
		}

		doc.Deleted = true
		doc.LocalVersion++
		doc.UpdatedAt = c.now()
		doc.SyncStatus = schema.StatusPending
		doc.LastError = ""

		item, err := c.newItem(schema.OpDelete, id, nil, nil)
		if err != nil {
			return err
		}
		if err := tx.Put(ctx, doc); err != nil {
			return err
		}
		return tx.Enqueue(ctx, item)
	})
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", id, err)
	}
	return nil
}

// SetFavorite flags or unflags a document. Favorites are local-only: no
// version change and no queue item.
func (c *Cache) SetFavorite(ctx context.Context, id string, favorite bool) error {
	err := c.store.Mutate(ctx, id, func(tx *db.Tx, doc *schema.CachedDocument) error {
		if doc == nil {
			return fmt.Errorf("document %s: %w", id, db.ErrNotFound)
		}
		if doc.IsFavorite == favorite {
			return nil
		}
		doc.IsFavorite = favorite
		return tx.Put(ctx, doc)
	})
	if err != nil {
		return fmt.Errorf("failed to set favorite on %s: %w", id, err)
	}
	return nil
}

// Stats summarizes the cache.
func (c *Cache) Stats(ctx context.Context) (*schema.Stats, error) {
	return c.store.Stats(ctx)
}

func (c *Cache) newItem(op schema.Operation, id string, payload any, binary []byte) (*schema.QueueItem, error) {
	item, err := schema.NewQueueItem(op, c.config.Collection, id, payload, binary)
	if err != nil {
		return nil, err
	}
	item.CreatedAt = c.now()
	return item, nil
}

func anySyncing(items []*schema.QueueItem) bool {
	for _, item := range items {
		if item.Status == schema.QueueSyncing {
			return true
		}
	}
	return false
}

func sortedKeys(d schema.Delta) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
