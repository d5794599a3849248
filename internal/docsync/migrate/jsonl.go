// Package migrate moves cached documents in and out of a JSONL file.
//
// Each line holds one document together with its queued mutations and its
// conflict record, so an export taken offline can be imported on another
// machine without losing pending work.
package migrate

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/docsync/docsync/internal/docsync/db"
	"github.com/docsync/docsync/internal/docsync/schema"
)

// Record is one line of an export file.
type Record struct {
	Document *schema.CachedDocument `json:"document"`
	Queue    []*schema.QueueItem    `json:"queue,omitempty"`
	Conflict *schema.ConflictRecord `json:"conflict,omitempty"`
}

// Validate checks a record read from a file.
func (r *Record) Validate() error {
	if r.Document == nil {
		return fmt.Errorf("document is required")
	}
	if err := r.Document.Validate(); err != nil {
		return fmt.Errorf("document %s: %w", r.Document.ID, err)
	}
	for _, item := range r.Queue {
		if item.DocumentID != r.Document.ID {
			return fmt.Errorf("queue item %s belongs to %s, not %s", item.ID, item.DocumentID, r.Document.ID)
		}
		if err := item.Validate(); err != nil {
			return fmt.Errorf("queue item %s: %w", item.ID, err)
		}
	}
	if r.Conflict != nil && r.Conflict.DocumentID != r.Document.ID {
		return fmt.Errorf("conflict record belongs to %s, not %s", r.Conflict.DocumentID, r.Document.ID)
	}
	return nil
}

// ExportOptions contains configuration for an export
type ExportOptions struct {
	ToJSONL string // Output JSONL file path
	Backup  bool   // Keep a copy of an existing output file
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	FromJSONL string // Input JSONL file path
	DryRun    bool   // Validate without writing
	Overwrite bool   // Replace documents already cached
}

// Result contains statistics about an export or import
type Result struct {
	Documents     int      `json:"documents"`
	QueueItems    int      `json:"queue_items"`
	Conflicts     int      `json:"conflicts"`
	Skipped       int      `json:"skipped"`
	BackupCreated string   `json:"backup_created,omitempty"`
	Errors        []string `json:"errors,omitempty"`
}

// Records reads every document of store with its queue and conflict record.
func Records(ctx context.Context, store *db.DB) ([]*Record, error) {
	docs, err := store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	items, err := store.ListQueue(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := store.ListConflicts(ctx)
	if err != nil {
		return nil, err
	}

	queues := make(map[string][]*schema.QueueItem)
	for _, item := range items {
		queues[item.DocumentID] = append(queues[item.DocumentID], item)
	}
	byDoc := make(map[string]*schema.ConflictRecord, len(conflicts))
	for _, rec := range conflicts {
		byDoc[rec.DocumentID] = rec
	}

	records := make([]*Record, 0, len(docs))
	for _, doc := range docs {
		records = append(records, &Record{
			Document: doc,
			Queue:    queues[doc.ID],
			Conflict: byDoc[doc.ID],
		})
	}
	return records, nil
}

// WriteJSONL writes one record per line to w.
func WriteJSONL(w io.Writer, records []*Record) error {
	encoder := json.NewEncoder(w)
	for _, rec := range records {
		if err := encoder.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode %s: %w", rec.Document.ID, err)
		}
	}
	return nil
}

// Export writes every cached document to opts.ToJSONL.
func Export(ctx context.Context, store *db.DB, opts ExportOptions) (*Result, error) {
	result := &Result{}

	records, err := Records(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}

	if opts.Backup {
		if existing, err := os.ReadFile(opts.ToJSONL); err == nil {
			backupPath := opts.ToJSONL + ".backup." + time.Now().Format("20060102-150405")
			if err := os.WriteFile(backupPath, existing, 0600); err != nil {
				return nil, fmt.Errorf("failed to create backup: %w", err)
			}
			result.BackupCreated = backupPath
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read existing export: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(opts.ToJSONL), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	// Write atomically via temp file
	tmpPath := opts.ToJSONL + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	buf := bufio.NewWriter(file)
	writeErr := WriteJSONL(buf, records)
	if writeErr == nil {
		writeErr = buf.Flush()
	}
	if closeErr := file.Close(); writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to write export: %w", writeErr)
	}
	if err := os.Rename(tmpPath, opts.ToJSONL); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}

	for _, rec := range records {
		result.Documents++
		result.QueueItems += len(rec.Queue)
		if rec.Conflict != nil {
			result.Conflicts++
		}
	}
	return result, nil
}

// ReadJSONL parses records from r. The first invalid record aborts the read.
func ReadJSONL(r io.Reader) ([]*Record, error) {
	var records []*Record
	decoder := json.NewDecoder(r)
	lineNum := 0

	for {
		var rec Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", lineNum+1, err)
		}
		lineNum++

		if rec.Document != nil {
			rec.Document.SetDefaults()
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid record %d: %w", lineNum, err)
		}
		records = append(records, &rec)
	}

	return records, nil
}

// FromJSONL reads a JSONL export file.
func FromJSONL(path string) ([]*Record, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	return ReadJSONL(file)
}

// Import loads an export file into store.
//
// Documents already cached are skipped unless opts.Overwrite is set, in which
// case their queue and conflict record are replaced too. Work that was in
// flight when the export was taken comes back pending.
func Import(ctx context.Context, store *db.DB, opts ImportOptions) (*Result, error) {
	records, err := FromJSONL(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JSONL: %w", err)
	}

	result := &Result{}
	for _, rec := range records {
		imported, err := importRecord(ctx, store, rec, opts)
		if err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to import %s: %v", rec.Document.ID, err))
			continue
		}
		if !imported {
			result.Skipped++
			continue
		}
		result.Documents++
		result.QueueItems += len(rec.Queue)
		if rec.Conflict != nil {
			result.Conflicts++
		}
	}
	return result, nil
}

func importRecord(ctx context.Context, store *db.DB, rec *Record, opts ImportOptions) (bool, error) {
	doc := rec.Document
	imported := false
	err := store.Mutate(ctx, doc.ID, func(tx *db.Tx, existing *schema.CachedDocument) error {
		if existing != nil && !opts.Overwrite {
			return nil
		}
		imported = true
		if opts.DryRun {
			return nil
		}

		if existing != nil {
			if _, err := tx.DeleteQueueForDocument(ctx, doc.ID); err != nil {
				return err
			}
			if err := tx.DeleteConflict(ctx, doc.ID); err != nil {
				return err
			}
		}

		if doc.SyncStatus == schema.StatusSyncing {
			doc.SyncStatus = schema.StatusPending
		}
		if err := tx.Put(ctx, doc); err != nil {
			return err
		}
		for _, item := range rec.Queue {
			if item.Status == schema.QueueSyncing {
				item.Status = schema.QueuePending
			}
			if err := tx.Enqueue(ctx, item); err != nil {
				return err
			}
		}
		if rec.Conflict != nil {
			return tx.SaveConflict(ctx, rec.Conflict)
		}
		return nil
	})
	return imported, err
}
