package schema

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultCollection is the logical resource name used when none is given.
const DefaultCollection = "documents"

// Operation is the kind of mutation a queue item carries.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpUpload Operation = "upload"
)

// IsValid reports whether op is a known operation.
func (op Operation) IsValid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete, OpUpload:
		return true
	}
	return false
}

// QueueStatus is the transmission state of a queue item.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"
	QueueSyncing QueueStatus = "syncing"
	QueueFailed  QueueStatus = "failed"
)

// QueueItem is a durable record of one pending mutation.
type QueueItem struct {
	ID         string          `json:"id" yaml:"id"`
	Seq        int64           `json:"seq" yaml:"seq"`
	DocumentID string          `json:"document_id" yaml:"document_id"`
	Operation  Operation       `json:"operation" yaml:"operation"`
	Collection string          `json:"collection" yaml:"collection"`
	Payload    json.RawMessage `json:"payload,omitempty" yaml:"-"`
	Binary     []byte          `json:"binary,omitempty" yaml:"-"`

	CreatedAt     time.Time   `json:"created_at" yaml:"created_at"`
	RetryCount    int         `json:"retry_count" yaml:"retry_count"`
	Status        QueueStatus `json:"status" yaml:"status"`
	NextAttemptAt *time.Time  `json:"next_attempt_at,omitempty" yaml:"next_attempt_at,omitempty"`
	LastError     string      `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	// Permanent marks a non-retryable failure; drains skip it until reset.
	Permanent bool `json:"permanent,omitempty" yaml:"permanent,omitempty"`
}

// NewQueueItem builds a pending item for documentID. The payload is marshaled
// to JSON; pass nil for operations without one.
func NewQueueItem(op Operation, collection, documentID string, payload any, binary []byte) (*QueueItem, error) {
	if collection == "" {
		collection = DefaultCollection
	}

	item := &QueueItem{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Operation:  op,
		Collection: collection,
		Binary:     binary,
		CreatedAt:  time.Now().UTC(),
		Status:     QueuePending,
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", op, err)
		}
		item.Payload = data
	}

	if err := item.Validate(); err != nil {
		return nil, err
	}
	return item, nil
}

// Validate checks if the QueueItem has valid field values.
func (q *QueueItem) Validate() error {
	if q.ID == "" {
		return fmt.Errorf("id is required")
	}
	if q.DocumentID == "" {
		return fmt.Errorf("document_id is required")
	}
	if !q.Operation.IsValid() {
		return fmt.Errorf("invalid operation %q", q.Operation)
	}
	if q.Operation == OpUpload && q.Binary == nil {
		return fmt.Errorf("upload requires a binary payload")
	}
	if q.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// DecodeFields decodes the payload of a create or upload item.
func (q *QueueItem) DecodeFields() (Fields, error) {
	var f Fields
	if len(q.Payload) == 0 {
		return f, fmt.Errorf("queue item %s has no payload", q.ID)
	}
	if err := json.Unmarshal(q.Payload, &f); err != nil {
		return f, fmt.Errorf("failed to decode fields of queue item %s: %w", q.ID, err)
	}
	return f, nil
}

// DecodeDelta decodes the payload of an update item.
func (q *QueueItem) DecodeDelta() (Delta, error) {
	var d Delta
	if len(q.Payload) == 0 {
		return Delta{}, nil
	}
	if err := json.Unmarshal(q.Payload, &d); err != nil {
		return nil, fmt.Errorf("failed to decode delta of queue item %s: %w", q.ID, err)
	}
	return d, nil
}

// Due reports whether a failed item's backoff has elapsed at now.
func (q *QueueItem) Due(now time.Time) bool {
	return q.NextAttemptAt == nil || !q.NextAttemptAt.After(now)
}

// CacheEntry is one entry of the generic expiring cache.
type CacheEntry struct {
	Key       string     `json:"key"`
	Data      []byte     `json:"data"`
	CachedAt  time.Time  `json:"cached_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the entry is past its expiry at now.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// ConflictRecord keeps the server copy seen when a conflict was detected.
type ConflictRecord struct {
	DocumentID     string    `json:"document_id" yaml:"document_id"`
	RemoteVersion  int64     `json:"remote_version" yaml:"remote_version"`
	RemoteSnapshot Fields    `json:"remote_snapshot" yaml:"remote_snapshot"`
	DetectedAt     time.Time `json:"detected_at" yaml:"detected_at"`
}

// HasSnapshot reports whether the server fields were recorded. A conflict
// reported without them leaves a zero snapshot, which has no name.
func (r *ConflictRecord) HasSnapshot() bool {
	return r.RemoteSnapshot.Name != ""
}

// Stats summarizes the local cache.
type Stats struct {
	DocumentCount int   `json:"document_count" yaml:"document_count"`
	TotalSize     int64 `json:"total_size" yaml:"total_size"`
	PendingSyncs  int   `json:"pending_syncs" yaml:"pending_syncs"`
	ConflictCount int   `json:"conflict_count" yaml:"conflict_count"`
	FailedCount   int   `json:"failed_count" yaml:"failed_count"`
}
