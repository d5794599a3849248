// Package schema defines the records kept by the offline document cache.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// LocalIDPrefix marks ids assigned on the client for documents the remote
// authority has not seen yet.
const LocalIDPrefix = "local-"

// SyncStatus is the reconciliation state of a cached document.
type SyncStatus string

const (
	StatusSynced   SyncStatus = "synced"
	StatusPending  SyncStatus = "pending"
	StatusSyncing  SyncStatus = "syncing"
	StatusConflict SyncStatus = "conflict"
	StatusFailed   SyncStatus = "failed"
)

// IsValid reports whether s is a known status.
func (s SyncStatus) IsValid() bool {
	switch s {
	case StatusSynced, StatusPending, StatusSyncing, StatusConflict, StatusFailed:
		return true
	}
	return false
}

// ParseSyncStatus converts user input into a SyncStatus.
func ParseSyncStatus(s string) (SyncStatus, error) {
	status := SyncStatus(strings.ToLower(strings.TrimSpace(s)))
	if !status.IsValid() {
		return "", fmt.Errorf("invalid sync status %q (want synced, pending, syncing, conflict or failed)", s)
	}
	return status, nil
}

// CachedDocument is the unit of offline state.
type CachedDocument struct {
	// ===== Identity =====
	ID string `json:"id" yaml:"id"`

	// ===== Descriptive fields (reconciled with the remote) =====
	Fields `yaml:",inline"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`

	// ===== Binary payload (stored apart from the metadata row) =====
	Payload []byte `json:"payload,omitempty" yaml:"-"`

	// ===== Versioning =====
	RemoteVersion int64 `json:"remote_version" yaml:"remote_version"`
	LocalVersion  int64 `json:"local_version" yaml:"local_version"`

	// ===== Sync state =====
	SyncStatus   SyncStatus    `json:"sync_status" yaml:"sync_status"`
	LastSyncedAt *time.Time    `json:"last_synced_at,omitempty" yaml:"last_synced_at,omitempty"`
	ChangeLog    []ChangeEntry `json:"change_log,omitempty" yaml:"change_log,omitempty"`
	LastError    string        `json:"last_error,omitempty" yaml:"last_error,omitempty"`

	// Deleted marks a local deletion not yet confirmed by the remote.
	Deleted bool `json:"deleted,omitempty" yaml:"deleted,omitempty"`

	// IsFavorite never takes part in remote reconciliation.
	IsFavorite bool `json:"is_favorite,omitempty" yaml:"is_favorite,omitempty"`
}

// NewLocalID returns a client-assigned id for a document not yet uploaded.
func NewLocalID() string {
	return LocalIDPrefix + uuid.NewString()
}

// IsLocalID reports whether id was assigned on the client.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalIDPrefix)
}

// Validate checks if the document has valid field values.
func (d *CachedDocument) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	if err := d.Fields.Validate(); err != nil {
		return err
	}
	if !d.SyncStatus.IsValid() {
		return fmt.Errorf("invalid sync status %q", d.SyncStatus)
	}
	if d.RemoteVersion < 0 {
		return fmt.Errorf("remote_version must not be negative (got %d)", d.RemoteVersion)
	}
	if d.LocalVersion < d.RemoteVersion {
		return fmt.Errorf("local_version %d is behind remote_version %d", d.LocalVersion, d.RemoteVersion)
	}
	if d.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if d.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (d *CachedDocument) SetDefaults() {
	now := time.Now().UTC()
	if d.SyncStatus == "" {
		d.SyncStatus = StatusSynced
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = now
	}
	if d.LocalVersion < d.RemoteVersion {
		d.LocalVersion = d.RemoteVersion
	}
	if d.Size == 0 && len(d.Payload) > 0 {
		d.Size = int64(len(d.Payload))
	}
}

// HasPayload reports whether a binary payload is attached.
func (d *CachedDocument) HasPayload() bool {
	return d.Payload != nil
}

// NeverSynced reports whether the remote authority has never confirmed this document.
func (d *CachedDocument) NeverSynced() bool {
	return d.RemoteVersion == 0
}

// MarkSynced aligns both versions with the remote and clears the change log.
func (d *CachedDocument) MarkSynced(version int64, at time.Time) {
	d.RemoteVersion = version
	d.LocalVersion = version
	d.SyncStatus = StatusSynced
	d.ChangeLog = nil
	d.LastError = ""
	synced := at.UTC()
	d.LastSyncedAt = &synced
}

// FromRemote builds a freshly cached, synced document from a remote snapshot.
func FromRemote(id string, version int64, fields Fields, createdAt, updatedAt time.Time) *CachedDocument {
	doc := &CachedDocument{
		ID:            id,
		Fields:        fields.Clone(),
		CreatedAt:     createdAt.UTC(),
		UpdatedAt:     updatedAt.UTC(),
		RemoteVersion: version,
		LocalVersion:  version,
		SyncStatus:    StatusSynced,
	}
	doc.SetDefaults()
	return doc
}
