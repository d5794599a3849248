// Package resolver settles documents the sync orchestrator parked in conflict.
//
// Nothing here runs automatically: a user (or a policy in the caller) picks a
// side per document. Keeping the local copy queues it for the next drain on
// top of the server's version; keeping the server copy overwrites the local
// fields with the recorded snapshot.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/docsync/docsync/internal/docsync/db"
	"github.com/docsync/docsync/internal/docsync/schema"
)

var (
	// ErrNotInConflict is returned when resolving a document that is not in
	// conflict.
	ErrNotInConflict = errors.New("document is not in conflict")

	// ErrNoSnapshot is returned when keeping a server copy that was not
	// recorded with the conflict.
	ErrNoSnapshot = errors.New("server copy was not recorded")
)

// Config holds configuration for a Resolver.
type Config struct {
	// Collection is the remote collection of queued items.
	Collection string

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Collection: schema.DefaultCollection,
		Now:        time.Now,
		Logger:     log.New(os.Stderr, "[resolver] ", log.LstdFlags),
	}
}

// Resolver applies conflict resolutions to the local store.
type Resolver struct {
	store  *db.DB
	config *Config
}

// New creates a Resolver over store.
func New(store *db.DB, config *Config) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Collection == "" {
		config.Collection = def.Collection
	}
	if config.Now == nil {
		config.Now = def.Now
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	return &Resolver{store: store, config: config}, nil
}

func (r *Resolver) now() time.Time {
	return r.config.Now().UTC()
}

// Conflicts lists the recorded conflicts, oldest first.
func (r *Resolver) Conflicts(ctx context.Context) ([]*schema.ConflictRecord, error) {
	return r.store.ListConflicts(ctx)
}

// ResolveKeepLocal keeps the local copy of document id.
//
// The document moves from conflict to pending on top of the server version
// recorded with the conflict, and one item is queued to push it: an update
// carrying every field that differs from the server copy, a delete for a
// local tombstone, or a create (upload when a payload is attached) for a
// document the remote has never acknowledged. When the local fields already
// match the server copy the document is simply marked synced.
func (r *Resolver) ResolveKeepLocal(ctx context.Context, id string) error {
	err := r.store.Mutate(ctx, id, func(tx *db.Tx, doc *schema.CachedDocument) error {
		if doc == nil {
			return fmt.Errorf("document %s: %w", id, db.ErrNotFound)
		}
		if doc.SyncStatus != schema.StatusConflict {
			return fmt.Errorf("document %s is %s: %w", id, doc.SyncStatus, ErrNotInConflict)
		}

		rec, err := tx.GetConflict(ctx, id)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}

		now := r.now()
		item, err := r.pushItem(doc, rec)
		if err != nil {
			return err
		}

		if rec != nil {
			doc.RemoteVersion = rec.RemoteVersion
		}
		if item == nil {
			doc.MarkSynced(doc.RemoteVersion, now)
		} else {
			doc.LocalVersion = max(doc.LocalVersion, doc.RemoteVersion) + 1
			doc.SyncStatus = schema.StatusPending
			doc.LastError = ""
			item.CreatedAt = now
		}
		doc.UpdatedAt = now

		if _, err := tx.DeleteQueueForDocument(ctx, id); err != nil {
			return err
		}
		if err := tx.DeleteConflict(ctx, id); err != nil {
			return err
		}
		if err := tx.Put(ctx, doc); err != nil {
			return err
		}
		if item == nil {
			return nil
		}
		return tx.Enqueue(ctx, item)
	})
	if err != nil {
		return fmt.Errorf("failed to keep local copy of %s: %w", id, err)
	}
	r.config.Logger.Printf("Kept local copy of %s", id)
	return nil
}

// pushItem builds the queue item that pushes doc over the server copy, or nil
// when there is nothing to push.
func (r *Resolver) pushItem(doc *schema.CachedDocument, rec *schema.ConflictRecord) (*schema.QueueItem, error) {
	coll := r.config.Collection

	switch {
	case doc.Deleted:
		return schema.NewQueueItem(schema.OpDelete, coll, doc.ID, nil, nil)

	case rec == nil && doc.NeverSynced():
		if doc.HasPayload() {
			return schema.NewQueueItem(schema.OpUpload, coll, doc.ID, doc.Fields, doc.Payload)
		}
		return schema.NewQueueItem(schema.OpCreate, coll, doc.ID, doc.Fields, nil)
	}

	var base schema.Fields
	if rec != nil {
		base = rec.RemoteSnapshot
	}
	delta := doc.Fields.Diff(base)
	if len(delta) == 0 {
		return nil, nil
	}
	return schema.NewQueueItem(schema.OpUpdate, coll, doc.ID, delta, nil)
}

// ResolveKeepServer replaces document id with the server copy: snapshot at
// version. The change log, tombstone and conflict record are cleared.
//
// Calling it again for a document already synced at version is a no-op.
func (r *Resolver) ResolveKeepServer(ctx context.Context, id string, snapshot schema.Fields, version int64) error {
	if version <= 0 {
		return fmt.Errorf("invalid server version %d", version)
	}
	if err := snapshot.Validate(); err != nil {
		return fmt.Errorf("invalid server snapshot: %w", err)
	}

	err := r.store.Mutate(ctx, id, func(tx *db.Tx, doc *schema.CachedDocument) error {
		if doc == nil {
			return fmt.Errorf("document %s: %w", id, db.ErrNotFound)
		}
		if doc.SyncStatus == schema.StatusSynced && doc.RemoteVersion == version && !doc.Deleted {
			return tx.DeleteConflict(ctx, id)
		}
		if doc.SyncStatus != schema.StatusConflict {
			return fmt.Errorf("document %s is %s: %w", id, doc.SyncStatus, ErrNotInConflict)
		}

		now := r.now()
		doc.Fields = snapshot.Clone()
		doc.Deleted = false
		doc.MarkSynced(version, now)
		doc.UpdatedAt = now

		if _, err := tx.DeleteQueueForDocument(ctx, id); err != nil {
			return err
		}
		if err := tx.DeleteConflict(ctx, id); err != nil {
			return err
		}
		return tx.Put(ctx, doc)
	})
	if err != nil {
		return fmt.Errorf("failed to keep server copy of %s: %w", id, err)
	}
	r.config.Logger.Printf("Kept server copy of %s at version %d", id, version)
	return nil
}

// ResolveKeepRecorded keeps the server copy recorded when the conflict on
// document id was detected. It returns ErrNoSnapshot when the remote did not
// report its copy; a full refresh records it.
func (r *Resolver) ResolveKeepRecorded(ctx context.Context, id string) error {
	rec, err := r.store.GetConflict(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("document %s has no recorded conflict: %w", id, ErrNotInConflict)
	}
	if err != nil {
		return err
	}
	if !rec.HasSnapshot() {
		return fmt.Errorf("document %s: %w", id, ErrNoSnapshot)
	}
	return r.ResolveKeepServer(ctx, id, rec.RemoteSnapshot, rec.RemoteVersion)
}
