// Package db provides the durable local store for the offline document cache.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WAL mode) holding
// five tables:
//
//   - documents          cached document metadata, versions and sync state
//   - document_payloads  binary payloads, one row per document, kept apart from metadata
//   - queue_items        the mutation queue, ordered by insertion sequence
//   - cache_entries      generic expiring key/value cache for server responses
//   - conflicts          server copies recorded when a drain detects a conflict
//
// Every record write runs in its own transaction, so a document row and its payload
// are never partially applied. Writes to the same document id are serialized with a
// per-key lock; readers are served from the latest committed state.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a document, queue item, cache entry or conflict
// does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps the SQLite connection with document-cache functionality.
type DB struct {
	conn  *sql.DB
	path  string
	locks *keyLocks
}

// Open creates a new database connection at the specified path.
//
// The database is opened in WAL mode with a busy timeout and immediate
// transactions so concurrent writers queue instead of failing. Parent
// directories are created as needed.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(".docsync/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string) (*DB, error) {
	path = strings.TrimPrefix(path, "file:")
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	connStr := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{
		conn:  conn,
		path:  path,
		locks: newKeyLocks(),
	}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Close checkpoints the WAL and closes the database connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		media_type TEXT NOT NULL DEFAULT '',
		size INTEGER NOT NULL DEFAULT 0,
		extracted_text TEXT NOT NULL DEFAULT '',
		metadata TEXT,            -- JSON object
		processing_status TEXT NOT NULL DEFAULT '',
		restrictions TEXT,        -- JSON object, NULL when absent
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,

		remote_version INTEGER NOT NULL DEFAULT 0,
		local_version INTEGER NOT NULL DEFAULT 0,
		sync_status TEXT NOT NULL DEFAULT 'synced',
		last_synced_at TEXT,
		change_log TEXT,          -- JSON array
		last_error TEXT NOT NULL DEFAULT '',
		deleted INTEGER NOT NULL DEFAULT 0,
		is_favorite INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS document_payloads (
		document_id TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE ON UPDATE CASCADE
	);

	CREATE TABLE IF NOT EXISTS queue_items (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		document_id TEXT NOT NULL,
		operation TEXT NOT NULL,   -- create, update, delete, upload
		collection TEXT NOT NULL,
		payload BLOB,
		binary_data BLOB,
		created_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		next_attempt_at TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		permanent INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		cached_at TEXT NOT NULL,
		expires_at TEXT
	);

	CREATE TABLE IF NOT EXISTS conflicts (
		document_id TEXT PRIMARY KEY,
		remote_version INTEGER NOT NULL,
		snapshot TEXT NOT NULL,   -- JSON Fields
		detected_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_sync_status ON documents(sync_status);
	DROP INDEX IF EXISTS idx_queue_document;
	CREATE INDEX IF NOT EXISTS idx_queue_document_seq ON queue_items(document_id, seq);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON queue_items(status);
	CREATE INDEX IF NOT EXISTS idx_cache_expires ON cache_entries(expires_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, committing on success.
func (db *DB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// formatTime converts a time to the stored text form.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses a stored timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
