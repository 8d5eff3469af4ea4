package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"factcache/internal/core"
)

// SQLiteStore stores cache entries in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the fact_cache table and indexes if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS fact_cache (
			kind TEXT NOT NULL,
			cache_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			citations TEXT NOT NULL DEFAULT '[]',
			written_at INTEGER NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (kind, cache_key)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create fact_cache table: %w", err)
	}

	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_fact_cache_expires_at ON fact_cache(expires_at)"); err != nil {
		return nil, fmt.Errorf("failed to create fact_cache expires_at index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get returns the entry for (kind, key), or nil if there is none.
func (s *SQLiteStore) Get(ctx context.Context, kind, key string) (*core.CacheEntry, error) {
	var (
		payload   string
		citations string
		writtenAt int64
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT payload, citations, written_at, expires_at
		FROM fact_cache
		WHERE kind = ? AND cache_key = ?
	`, kind, key).Scan(&payload, &citations, &writtenAt, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query cache entry: %w", err)
	}

	cites, err := unmarshalCitations([]byte(citations))
	if err != nil {
		return nil, err
	}
	return &core.CacheEntry{
		Key:       key,
		Kind:      kind,
		Payload:   []byte(payload),
		Citations: cites,
		WrittenAt: fromUnixNano(writtenAt),
		ExpiresAt: fromUnixNano(expiresAt),
	}, nil
}

// Upsert writes the entry. Rows with a newer written_at are left alone.
func (s *SQLiteStore) Upsert(ctx context.Context, entry *core.CacheEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	citations, err := marshalCitations(entry.Citations)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO fact_cache (kind, cache_key, payload, citations, written_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, cache_key) DO UPDATE SET
			payload = excluded.payload,
			citations = excluded.citations,
			written_at = excluded.written_at,
			expires_at = excluded.expires_at
		WHERE excluded.written_at >= fact_cache.written_at
	`, entry.Kind, entry.Key, string(entry.Payload), citations,
		entry.WrittenAt.UnixNano(), entry.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// DeleteExpired removes entries that expired before the cutoff.
func (s *SQLiteStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM fact_cache WHERE expires_at < ?", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// Close is a no-op for SQLiteStore as the database connection is shared.
func (s *SQLiteStore) Close() error {
	return nil
}
