// Package schema defines the records kept by the offline document cache.
//
// # Overview
//
// Three kinds of records live in the local store:
//
//   - CachedDocument - one cached document with version and sync-state metadata
//   - QueueItem      - one pending mutation awaiting transmission to the remote
//   - CacheEntry     - ephemeral server-response data with an optional expiry
//
// A ConflictRecord is kept next to a document in conflict so the caller can
// inspect the server copy before deciding how to resolve it.
//
// # Versioning
//
// Every document carries two counters:
//
//	RemoteVersion  last version confirmed by the remote authority
//	LocalVersion   bumped by every local mutation
//
// LocalVersion never drops below RemoteVersion. A document whose counters are
// equal and whose change log is empty is synced.
//
// # Sync Status
//
//	synced --(local edit)--> pending --(drain picks up)--> syncing
//	syncing --(accepted)--> synced
//	syncing --(remote newer)--> conflict
//	syncing --(transient error)--> failed --(retry)--> syncing
//	conflict --(keep local)--> pending
//	conflict --(keep server)--> synced
//
// # Editable Fields
//
// Local edits address fields by name:
//
//	name, media_type, extracted_text, processing_status, metadata.<key>
//
// Example:
//
//	entry, err := doc.Fields.Set("metadata.owner", "alice")
//	if err != nil {
//	    return err
//	}
//	doc.ChangeLog = append(doc.ChangeLog, entry)
package schema
