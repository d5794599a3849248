package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/docsync/docsync/internal/docsync/schema"
)

// CacheSet stores data under key. A ttl of zero or less stores the entry
// without expiry.
func (db *DB) CacheSet(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return db.CacheSetAt(ctx, key, data, ttl, time.Now())
}

// CacheSetAt is CacheSet with an explicit clock reading.
func (db *DB) CacheSetAt(ctx context.Context, key string, data []byte, ttl time.Duration, now time.Time) error {
	if key == "" {
		return fmt.Errorf("cache key cannot be empty")
	}
	if data == nil {
		data = []byte{}
	}

	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO cache_entries (key, data, cached_at, expires_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		data = excluded.data,
		cached_at = excluded.cached_at,
		expires_at = excluded.expires_at
	`, key, data, formatTime(now), timeToNullString(expiresAt))
	if err != nil {
		return fmt.Errorf("failed to store cache entry %s: %w", key, err)
	}
	return nil
}

// CacheGet returns the entry stored under key.
//
// Expiry is lazy: reading an entry past its expiry deletes it and reports
// ErrNotFound.
func (db *DB) CacheGet(ctx context.Context, key string) (*schema.CacheEntry, error) {
	return db.CacheGetAt(ctx, key, time.Now())
}

// CacheGetAt is CacheGet with an explicit clock reading.
func (db *DB) CacheGetAt(ctx context.Context, key string, now time.Time) (*schema.CacheEntry, error) {
	row := db.conn.QueryRowContext(ctx, `
	SELECT key, data, cached_at, expires_at FROM cache_entries WHERE key = ?`, key)

	var entry schema.CacheEntry
	var cachedAt string
	var expiresAt sql.NullString
	err := row.Scan(&entry.Key, &entry.Data, &cachedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache entry %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry %s: %w", key, err)
	}

	if entry.CachedAt, err = parseTime(cachedAt); err != nil {
		return nil, err
	}
	if entry.ExpiresAt, err = nullStringToTime(expiresAt); err != nil {
		return nil, err
	}

	if entry.Expired(now) {
		if err := db.CacheDelete(ctx, key); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("cache entry %s expired: %w", key, ErrNotFound)
	}

	return &entry, nil
}

// CacheDelete removes the entry stored under key.
// Returns nil if the entry doesn't exist (idempotent).
func (db *DB) CacheDelete(ctx context.Context, key string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete cache entry %s: %w", key, err)
	}
	return nil
}

// PurgeExpired deletes every entry expired at now and returns how many were removed.
func (db *DB) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := db.conn.ExecContext(ctx, `
	DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at < ?`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged cache entries: %w", err)
	}
	return int(n), nil
}
