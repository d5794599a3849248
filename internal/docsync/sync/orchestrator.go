package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"

	"github.com/docsync/docsync/internal/docsync/cache"
	"github.com/docsync/docsync/internal/docsync/connectivity"
	"github.com/docsync/docsync/internal/docsync/db"
	"github.com/docsync/docsync/internal/docsync/remote"
	"github.com/docsync/docsync/internal/docsync/schema"
)

// Config holds configuration for an Orchestrator.
type Config struct {
	// Collection is used by Refresh. Queue items carry their own collection.
	Collection string

	// Concurrency caps the number of documents drained at once.
	Concurrency int

	// MaxRetries is the number of transient failures after which an item is
	// left failed until Retry.
	MaxRetries int

	// BackoffInitial and BackoffMax bound the delay before a failed item is
	// dispatched again. The delay doubles with every failure.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// DispatchTimeout bounds a single remote call.
	DispatchTimeout time.Duration

	// RefreshTTL is how long a FetchAll response is reused.
	RefreshTTL time.Duration

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	// Logger for drain summaries and failures.
	Logger *log.Logger

	// Observer receives events. Optional.
	Observer Observer
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Collection:      schema.DefaultCollection,
		Concurrency:     5,
		MaxRetries:      8,
		BackoffInitial:  2 * time.Second,
		BackoffMax:      5 * time.Minute,
		DispatchTimeout: 30 * time.Second,
		RefreshTTL:      time.Minute,
		Now:             time.Now,
		Logger:          log.New(os.Stderr, "[sync] ", log.LstdFlags),
	}
}

// orchestrator implements the Orchestrator interface.
type orchestrator struct {
	cache   *cache.Cache
	store   *db.DB
	remote  remote.Service
	monitor connectivity.Monitor
	config  *Config
	logger  *log.Logger

	// drainMu serializes Drain, SweepStale and Retry.
	drainMu stdsync.Mutex
}

// New creates an Orchestrator draining c's queue to svc while monitor reports
// online. A nil config uses DefaultConfig; zero fields take their defaults.
func New(c *cache.Cache, svc remote.Service, monitor connectivity.Monitor, config *Config) (Orchestrator, error) {
	if c == nil {
		return nil, fmt.Errorf("cache cannot be nil")
	}
	if svc == nil {
		return nil, fmt.Errorf("remote service cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("connectivity monitor cannot be nil")
	}

	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Collection == "" {
		config.Collection = def.Collection
	}
	if config.Concurrency <= 0 {
		config.Concurrency = def.Concurrency
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.BackoffInitial <= 0 {
		config.BackoffInitial = def.BackoffInitial
	}
	if config.BackoffMax < config.BackoffInitial {
		config.BackoffMax = max(def.BackoffMax, config.BackoffInitial)
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = def.DispatchTimeout
	}
	if config.RefreshTTL < 0 {
		config.RefreshTTL = 0
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	return &orchestrator{
		cache:   c,
		store:   c.Store(),
		remote:  svc,
		monitor: monitor,
		config:  config,
		logger:  config.Logger,
	}, nil
}

func (o *orchestrator) now() time.Time {
	return o.config.Now().UTC()
}

func (o *orchestrator) notify(e Event) {
	if o.config.Observer == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = o.now()
	}
	o.config.Observer.Notify(e)
}

// Drain implements Orchestrator.Drain.
func (o *orchestrator) Drain(ctx context.Context) (*DrainReport, error) {
	if o.monitor.Mode() != connectivity.Online {
		return nil, ErrOffline
	}

	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	t := &tally{}
	reset, err := o.store.ResetSyncing(ctx)
	if err != nil {
		return nil, err
	}
	t.report.Reset = reset
	if reset > 0 {
		o.logger.Printf("Reset %d items left syncing by an interrupted drain", reset)
	}

	items, err := o.store.ListQueue(ctx)
	if err != nil {
		return nil, err
	}
	groups := groupByDocument(items)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.Concurrency)
	for _, group := range groups {
		g.Go(func() error {
			return o.drainGroup(gctx, group, t)
		})
	}
	if err := g.Wait(); err != nil {
		return t.snapshot(), fmt.Errorf("drain aborted: %w", err)
	}

	report := t.snapshot()
	if len(items) > 0 {
		o.logger.Printf("Drain complete: applied=%d conflicts=%d failed=%d rejected=%d skipped=%d",
			report.Applied, len(report.Conflicts), report.Failed, report.Rejected, report.Skipped)
	}
	o.notify(Event{Type: EventDrainComplete, Report: report})
	return report, t.surfaced()
}

// groupByDocument splits items, already ordered by document, into one slice
// per document.
func groupByDocument(items []*schema.QueueItem) [][]*schema.QueueItem {
	var groups [][]*schema.QueueItem
	for i, item := range items {
		if i == 0 || item.DocumentID != items[i-1].DocumentID {
			groups = append(groups, nil)
		}
		last := len(groups) - 1
		groups[last] = append(groups[last], item)
	}
	return groups
}

// eligible reports whether item may be dispatched at now.
func (o *orchestrator) eligible(item *schema.QueueItem, now time.Time) bool {
	return !item.Permanent && item.RetryCount < o.config.MaxRetries && item.Due(now)
}

// drainGroup dispatches the items of one document in order and stops at the
// first one that does not go through.
func (o *orchestrator) drainGroup(ctx context.Context, items []*schema.QueueItem, t *tally) error {
	docID := items[0].DocumentID
	now := o.now()

	for i, item := range items {
		if !o.eligible(item, now) {
			t.skip(len(items) - i)
			return nil
		}

		// An earlier item of this group may have re-keyed the document.
		item.DocumentID = docID

		res, err := o.process(ctx, item, t)
		if err != nil {
			return err
		}
		if res.newID != "" {
			docID = res.newID
		}
		if !res.next {
			if res.waiting {
				t.skip(len(items) - i - 1)
			}
			return nil
		}
	}
	return nil
}

// result tells drainGroup how to continue after an item.
type result struct {
	// next is set when the following item of the group may run.
	next bool

	// waiting is set when the remaining items stay queued.
	waiting bool

	// newID is the document's id after a re-key.
	newID string
}

// process dispatches one item and records the outcome. Only local store
// failures and cancellation are returned as errors.
func (o *orchestrator) process(ctx context.Context, item *schema.QueueItem, t *tally) (result, error) {
	version, ok, err := o.pickup(ctx, item)
	if err != nil {
		return result{}, err
	}
	if !ok {
		return result{}, nil
	}

	ack, dispatchErr := o.dispatch(ctx, item, version)
	if dispatchErr != nil && ctx.Err() != nil {
		// Interrupted: hand the item back to the next drain.
		if err := o.release(context.WithoutCancel(ctx), item); err != nil {
			return result{}, err
		}
		return result{}, ctx.Err()
	}

	if dispatchErr == nil {
		if ce := versionMismatch(item, version, ack); ce != nil {
			// The write landed on top of changes this client never saw.
			dispatchErr = ce
		} else {
			newID, err := o.applySuccess(context.WithoutCancel(ctx), item, ack)
			if err != nil {
				return result{}, err
			}
			t.applied()
			return result{next: true, newID: newID}, nil
		}
	}

	if ce, ok := remote.AsConflict(dispatchErr); ok {
		if ce.RemoteSnapshot == nil {
			o.serverCopy(ctx, item, ce)
		}
		if err := o.applyConflict(ctx, item, ce); err != nil {
			return result{}, err
		}
		t.conflict(item.DocumentID)
		o.logger.Printf("Conflict on %s: %v", item.DocumentID, dispatchErr)
		o.notify(Event{Type: EventConflict, DocumentID: item.DocumentID, Operation: item.Operation, Message: dispatchErr.Error()})
		return result{}, nil
	}

	if err := o.applyFailure(ctx, item, dispatchErr); err != nil {
		return result{}, err
	}
	ie := &ItemError{
		DocumentID: item.DocumentID,
		ItemID:     item.ID,
		Operation:  item.Operation,
		Kind:       remote.KindOf(dispatchErr),
		Message:    dispatchErr.Error(),
		err:        dispatchErr,
	}
	t.failure(ie)
	o.logger.Printf("Failed to %s %s (%s): %v", item.Operation, item.DocumentID, ie.Kind, dispatchErr)
	o.notify(Event{Type: EventItemFailed, DocumentID: item.DocumentID, Operation: item.Operation, Message: ie.Message})
	return result{waiting: true}, nil
}

// pickup marks item and its document syncing and returns the remote version
// the dispatch must carry. ok is false when the item or its document vanished
// since the queue was listed.
func (o *orchestrator) pickup(ctx context.Context, item *schema.QueueItem) (version int64, ok bool, err error) {
	err = o.store.Mutate(ctx, item.DocumentID, func(tx *db.Tx, doc *schema.CachedDocument) error {
		if doc == nil {
			o.logger.Printf("Dropping queue item %s: document %s is gone", item.ID, item.DocumentID)
			return tx.DeleteQueueItem(ctx, item.ID)
		}

		current, err := findItem(ctx, tx, item)
		if err != nil || current == nil {
			return err
		}

		current.Status = schema.QueueSyncing
		if err := tx.UpdateQueueItem(ctx, current); err != nil {
			return err
		}
		doc.SyncStatus = schema.StatusSyncing
		if err := tx.Put(ctx, doc); err != nil {
			return err
		}

		*item = *current
		version = doc.RemoteVersion
		ok = true
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("failed to pick up queue item %s: %w", item.ID, err)
	}
	return version, ok, nil
}

// findItem returns the stored copy of item, or nil if it was removed.
func findItem(ctx context.Context, tx *db.Tx, item *schema.QueueItem) (*schema.QueueItem, error) {
	items, err := tx.QueueForDocument(ctx, item.DocumentID)
	if err != nil {
		return nil, err
	}
	for _, q := range items {
		if q.ID == item.ID {
			return q, nil
		}
	}
	return nil, nil
}

// release returns an interrupted item and its document to pending.
func (o *orchestrator) release(ctx context.Context, item *schema.QueueItem) error {
	err := o.store.Mutate(ctx, item.DocumentID, func(tx *db.Tx, doc *schema.CachedDocument) error {
		item.Status = schema.QueuePending
		if err := tx.UpdateQueueItem(ctx, item); err != nil {
			return err
		}
		if doc == nil || doc.SyncStatus != schema.StatusSyncing {
			return nil
		}
		doc.SyncStatus = schema.StatusPending
		return tx.Put(ctx, doc)
	})
	if err != nil {
		return fmt.Errorf("failed to release queue item %s: %w", item.ID, err)
	}
	return nil
}

// dispatch sends item to the remote under DispatchTimeout.
func (o *orchestrator) dispatch(ctx context.Context, item *schema.QueueItem, version int64) (remote.Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.DispatchTimeout)
	defer cancel()

	switch item.Operation {
	case schema.OpCreate, schema.OpUpload:
		fields, err := item.DecodeFields()
		if err != nil {
			return remote.Ack{}, remote.Wrap(remote.KindValidation, "undecodable queue item", err)
		}
		if item.Operation == schema.OpUpload {
			return o.remote.Upload(ctx, item.Collection, item.DocumentID, fields, item.Binary)
		}
		return o.remote.Create(ctx, item.Collection, item.DocumentID, fields)

	case schema.OpUpdate:
		delta, err := item.DecodeDelta()
		if err != nil {
			return remote.Ack{}, remote.Wrap(remote.KindValidation, "undecodable queue item", err)
		}
		return o.remote.Update(ctx, item.Collection, item.DocumentID, version, delta)

	case schema.OpDelete:
		if err := o.remote.Delete(ctx, item.Collection, item.DocumentID, version); err != nil {
			return remote.Ack{}, err
		}
		return remote.Ack{ID: item.DocumentID, Version: version}, nil
	}
	return remote.Ack{}, remote.New(remote.KindValidation, fmt.Sprintf("unknown operation %q", item.Operation))
}

// versionMismatch returns a conflict when ack is not the version item
// produces on top of version: the next version for an update, the first for
// a create or upload kept under its own id. Deletes are not checked.
func versionMismatch(item *schema.QueueItem, version int64, ack remote.Ack) *remote.Error {
	var want int64
	switch item.Operation {
	case schema.OpUpdate:
		want = version + 1
	case schema.OpCreate, schema.OpUpload:
		if ack.ID != "" && ack.ID != item.DocumentID {
			return nil
		}
		want = 1
	default:
		return nil
	}
	if ack.Version == want {
		return nil
	}
	return &remote.Error{
		Kind:          remote.KindConflict,
		Message:       fmt.Sprintf("%s acknowledged at version %d, expected %d", item.Operation, ack.Version, want),
		RemoteVersion: ack.Version,
	}
}

// serverCopy fills in the server fields of a conflict reported without them.
// When the lookup fails the conflict is recorded without a snapshot.
func (o *orchestrator) serverCopy(ctx context.Context, item *schema.QueueItem, ce *remote.Error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.DispatchTimeout)
	defer cancel()

	docs, err := o.remote.FetchAll(ctx, item.Collection, nil)
	if err != nil {
		o.logger.Printf("Failed to fetch server copy of %s: %v", item.DocumentID, err)
		return
	}
	for _, rd := range docs {
		if rd.ID != item.DocumentID || rd.Deleted {
			continue
		}
		fields := rd.Fields.Clone()
		ce.RemoteSnapshot = &fields
		ce.RemoteVersion = rd.Version
		return
	}
	o.logger.Printf("No server copy of %s to record with its conflict", item.DocumentID)
}

// applySuccess removes the accepted item and advances the document. It
// returns the document's new id when the remote assigned one.
func (o *orchestrator) applySuccess(ctx context.Context, item *schema.QueueItem, ack remote.Ack) (string, error) {
	var newID string
	err := o.store.Mutate(ctx, item.DocumentID, func(tx *db.Tx, doc *schema.CachedDocument) error {
		if err := tx.DeleteQueueItem(ctx, item.ID); err != nil {
			return err
		}
		if doc == nil {
			return nil
		}

		if item.Operation == schema.OpDelete {
			if _, err := tx.DeleteQueueForDocument(ctx, doc.ID); err != nil {
				return err
			}
			return tx.Delete(ctx, doc.ID)
		}

		if (item.Operation == schema.OpCreate || item.Operation == schema.OpUpload) &&
			ack.ID != "" && ack.ID != doc.ID {
			if err := o.rekey(ctx, tx, doc, ack.ID); err != nil {
				return err
			}
			newID = ack.ID
		}

		remaining, err := tx.QueueForDocument(ctx, doc.ID)
		if err != nil {
			return err
		}
		if len(remaining) == 0 {
			doc.MarkSynced(ack.Version, o.now())
		} else {
			doc.RemoteVersion = ack.Version
			doc.LocalVersion = max(doc.LocalVersion, ack.Version)
			doc.SyncStatus = schema.StatusPending
			doc.LastError = ""
		}
		return tx.Put(ctx, doc)
	})
	if err != nil {
		return "", fmt.Errorf("failed to apply %s of %s: %w", item.Operation, item.DocumentID, err)
	}
	return newID, nil
}

// rekey moves doc to the server id. A copy already cached under that id came
// from a refresh racing the acknowledgement and is replaced.
func (o *orchestrator) rekey(ctx context.Context, tx *db.Tx, doc *schema.CachedDocument, serverID string) error {
	if _, err := tx.Get(ctx, serverID); err == nil {
		if _, err := tx.DeleteQueueForDocument(ctx, serverID); err != nil {
			return err
		}
		if err := tx.Delete(ctx, serverID); err != nil {
			return err
		}
	} else if !errors.Is(err, db.ErrNotFound) {
		return err
	}

	if err := tx.Rekey(ctx, doc.ID, serverID); err != nil {
		return err
	}
	o.logger.Printf("Re-keyed %s -> %s", doc.ID, serverID)
	doc.ID = serverID
	return nil
}

// applyConflict records the server copy and parks the document in conflict.
// Its queued items are dropped; the resolver queues what the user keeps.
func (o *orchestrator) applyConflict(ctx context.Context, item *schema.QueueItem, ce *remote.Error) error {
	err := o.store.Mutate(ctx, item.DocumentID, func(tx *db.Tx, doc *schema.CachedDocument) error {
		if _, err := tx.DeleteQueueForDocument(ctx, item.DocumentID); err != nil {
			return err
		}
		if doc == nil {
			return nil
		}

		rec := &schema.ConflictRecord{
			DocumentID:    doc.ID,
			RemoteVersion: ce.RemoteVersion,
			DetectedAt:    o.now(),
		}
		if ce.RemoteSnapshot != nil {
			rec.RemoteSnapshot = ce.RemoteSnapshot.Clone()
		}
		if err := tx.SaveConflict(ctx, rec); err != nil {
			return err
		}

		doc.SyncStatus = schema.StatusConflict
		doc.LastError = ce.Error()
		return tx.Put(ctx, doc)
	})
	if err != nil {
		return fmt.Errorf("failed to record conflict on %s: %w", item.DocumentID, err)
	}
	return nil
}

// applyFailure records a failed dispatch on the item and its document.
func (o *orchestrator) applyFailure(ctx context.Context, item *schema.QueueItem, cause error) error {
	kind := remote.KindOf(cause)
	err := o.store.Mutate(ctx, item.DocumentID, func(tx *db.Tx, doc *schema.CachedDocument) error {
		switch kind {
		case remote.KindNetwork:
			item.RetryCount++
			next := o.now().Add(o.retryDelay(item.RetryCount))
			item.NextAttemptAt = &next
		default:
			// Auth, validation and quota failures wait for Retry. Later
			// items of the document stay queued behind this one.
			item.Permanent = true
		}

		item.Status = schema.QueueFailed
		item.LastError = cause.Error()
		if err := tx.UpdateQueueItem(ctx, item); err != nil {
			return err
		}

		if doc == nil {
			return nil
		}
		doc.SyncStatus = schema.StatusFailed
		doc.LastError = cause.Error()
		return tx.Put(ctx, doc)
	})
	if err != nil {
		return fmt.Errorf("failed to record failure of %s: %w", item.ID, err)
	}
	return nil
}

// retryDelay returns the wait after the given number of failures:
// BackoffInitial doubled per earlier failure, capped at BackoffMax.
func (o *orchestrator) retryDelay(retries int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.config.BackoffInitial
	b.MaxInterval = o.config.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()

	d := b.InitialInterval
	for range retries {
		d = b.NextBackOff()
	}
	return d
}

// tally accumulates a DrainReport across concurrent groups.
type tally struct {
	mu     stdsync.Mutex
	report DrainReport
}

func (t *tally) applied() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.Applied++
}

func (t *tally) conflict(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.Conflicts = append(t.report.Conflicts, id)
}

func (t *tally) skip(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.report.Skipped += n
}

func (t *tally) failure(ie *ItemError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ie.Kind == remote.KindNetwork {
		t.report.Failed++
	} else {
		t.report.Rejected++
	}
	t.report.Errors = append(t.report.Errors, ie)
}

func (t *tally) snapshot() *DrainReport {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.report
	r.Conflicts = append([]string(nil), t.report.Conflicts...)
	r.Errors = append([]*ItemError(nil), t.report.Errors...)
	return &r
}

// surfaced joins the errors of items the remote refused for good.
func (t *tally) surfaced() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for _, ie := range t.report.Errors {
		if ie.Kind != remote.KindNetwork {
			errs = append(errs, ie)
		}
	}
	return errors.Join(errs...)
}
