// Package remote defines the contract between the document cache and the
// remote authority, with an HTTP binding and an in-memory implementation.
//
// All operations are keyed by collection and document id. Updates and deletes
// carry the version the client last saw so the remote can detect concurrent
// writes; a mismatch is reported as a conflict error carrying the server's
// current version and snapshot.
package remote

import (
	"context"
	"time"

	"github.com/docsync/docsync/internal/docsync/schema"
)

// Ack is the remote's acknowledgement of an accepted write.
type Ack struct {
	// ID is the server id of the document. It differs from the id sent when
	// the remote assigns its own ids to new documents.
	ID      string `json:"id"`
	Version int64  `json:"version"`
}

// RemoteDocument is a document as the remote authority reports it.
type RemoteDocument struct {
	ID        string        `json:"id"`
	Version   int64         `json:"version"`
	Fields    schema.Fields `json:"fields"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Deleted   bool          `json:"deleted,omitempty"`
}

// Service is the remote document service used by the sync orchestrator.
//
// Errors returned by implementations should be *Error values; anything else is
// treated as a network failure.
type Service interface {
	// Create registers a new document. id is the client id, which may be a
	// local placeholder.
	Create(ctx context.Context, collection, id string, fields schema.Fields) (Ack, error)

	// Update applies delta to the document if its version is still version.
	Update(ctx context.Context, collection, id string, version int64, delta schema.Delta) (Ack, error)

	// Delete removes the document if its version is still version.
	Delete(ctx context.Context, collection, id string, version int64) error

	// Upload registers a new document together with its binary content.
	Upload(ctx context.Context, collection, id string, fields schema.Fields, binary []byte) (Ack, error)

	// FetchAll lists documents changed after since, or every document when
	// since is nil.
	FetchAll(ctx context.Context, collection string, since *time.Time) ([]RemoteDocument, error)
}

// Pinger reports whether the remote is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}
