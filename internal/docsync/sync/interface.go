package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docsync/docsync/internal/docsync/remote"
	"github.com/docsync/docsync/internal/docsync/schema"
)

// ErrOffline is returned by operations that need the remote while the
// connectivity monitor reports offline.
var ErrOffline = errors.New("remote is offline")

// Orchestrator replays queued local mutations against the remote and keeps
// the cache fresh.
//
// All methods are safe for concurrent use. Drain, SweepStale and Retry
// exclude each other, so a queue item is never dispatched twice at once.
type Orchestrator interface {
	// Drain dispatches every eligible queue item once.
	//
	// It returns ErrOffline without touching the queue when offline. Items
	// rejected by the remote (auth, validation, quota) are reported in the
	// DrainReport and returned joined as the error. Local store failures abort
	// the drain and are returned wrapped.
	//
	// Example:
	//   report, err := orch.Drain(ctx)
	Drain(ctx context.Context) (*DrainReport, error)

	// SweepStale removes upload items older than maxAge together with their
	// placeholder documents when the remote has never seen them. It returns
	// the number of upload items removed.
	SweepStale(ctx context.Context, maxAge time.Duration) (int, error)

	// Refresh pulls documents changed on the remote since the last refresh.
	// Synced documents are overwritten, unknown ones are cached, documents
	// with local changes are left alone. Conflicts recorded without a server
	// copy get the fetched one. It returns the number of documents that
	// changed locally.
	Refresh(ctx context.Context) (int, error)

	// Retry makes the failed items of documentID eligible again, or of every
	// document when documentID is empty. It returns the number of items reset.
	Retry(ctx context.Context, documentID string) (int, error)

	// Watch drains and refreshes on every transition to online, and once at
	// start when already online. It blocks until ctx is done.
	Watch(ctx context.Context)
}

// DrainReport summarizes one drain.
type DrainReport struct {
	// Applied counts items the remote accepted.
	Applied int `json:"applied"`

	// Conflicts lists documents that moved to conflict.
	Conflicts []string `json:"conflicts,omitempty"`

	// Failed counts transient failures scheduled for retry.
	Failed int `json:"failed"`

	// Rejected counts items the remote refused for good.
	Rejected int `json:"rejected"`

	// Skipped counts items left queued: backing off, exhausted, permanent,
	// or waiting behind a failed item of the same document.
	Skipped int `json:"skipped"`

	// Reset counts items found syncing from an interrupted drain.
	Reset int `json:"reset"`

	Errors []*ItemError `json:"errors,omitempty"`
}

// ItemError describes a failed dispatch.
type ItemError struct {
	DocumentID string           `json:"document_id"`
	ItemID     string           `json:"item_id"`
	Operation  schema.Operation `json:"operation"`
	Kind       remote.Kind      `json:"kind"`
	Message    string           `json:"message"`

	err error
}

// Error implements the error interface.
func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Operation, e.DocumentID, e.Message)
}

// Unwrap returns the remote error.
func (e *ItemError) Unwrap() error {
	return e.err
}

// EventType names an orchestrator event.
type EventType string

const (
	EventDrainComplete EventType = "drain_complete"
	EventConflict      EventType = "conflict"
	EventItemFailed    EventType = "item_failed"
	EventConnectivity  EventType = "connectivity"
)

// Event is emitted to the configured Observer.
type Event struct {
	Type       EventType        `json:"type"`
	Time       time.Time        `json:"time"`
	DocumentID string           `json:"document_id,omitempty"`
	Operation  schema.Operation `json:"operation,omitempty"`
	Message    string           `json:"message,omitempty"`
	Report     *DrainReport     `json:"report,omitempty"`
}

// Observer receives orchestrator events. Notify may be called from several
// goroutines at once and must not block.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Notify implements Observer.
func (f ObserverFunc) Notify(e Event) {
	f(e)
}
