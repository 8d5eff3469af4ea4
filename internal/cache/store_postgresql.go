package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"factcache/internal/core"
)

// PostgreSQLStore stores cache entries in PostgreSQL.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the fact_cache table and indexes if needed.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS fact_cache (
			kind TEXT NOT NULL,
			cache_key TEXT NOT NULL,
			payload BYTEA NOT NULL,
			citations JSONB NOT NULL DEFAULT '[]'::jsonb,
			written_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			PRIMARY KEY (kind, cache_key)
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create fact_cache table: %w", err)
	}

	if _, err := pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_fact_cache_expires_at ON fact_cache(expires_at)"); err != nil {
		return nil, fmt.Errorf("failed to create fact_cache expires_at index: %w", err)
	}

	return &PostgreSQLStore{pool: pool}, nil
}

// Get returns the entry for (kind, key), or nil if there is none.
func (s *PostgreSQLStore) Get(ctx context.Context, kind, key string) (*core.CacheEntry, error) {
	var (
		payload   []byte
		citations []byte
		writtenAt int64
		expiresAt int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT payload, citations, written_at, expires_at
		FROM fact_cache
		WHERE kind = $1 AND cache_key = $2
	`, kind, key).Scan(&payload, &citations, &writtenAt, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query cache entry: %w", err)
	}

	cites, err := unmarshalCitations(citations)
	if err != nil {
		return nil, err
	}
	return &core.CacheEntry{
		Key:       key,
		Kind:      kind,
		Payload:   payload,
		Citations: cites,
		WrittenAt: fromUnixNano(writtenAt),
		ExpiresAt: fromUnixNano(expiresAt),
	}, nil
}

// Upsert writes the entry. Rows with a newer written_at are left alone.
func (s *PostgreSQLStore) Upsert(ctx context.Context, entry *core.CacheEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	citations, err := marshalCitations(entry.Citations)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO fact_cache (kind, cache_key, payload, citations, written_at, expires_at)
		VALUES ($1, $2, $3, $4::jsonb, $5, $6)
		ON CONFLICT (kind, cache_key) DO UPDATE SET
			payload = EXCLUDED.payload,
			citations = EXCLUDED.citations,
			written_at = EXCLUDED.written_at,
			expires_at = EXCLUDED.expires_at
		WHERE EXCLUDED.written_at >= fact_cache.written_at
	`, entry.Kind, entry.Key, []byte(entry.Payload), citations,
		entry.WrittenAt.UnixNano(), entry.ExpiresAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// DeleteExpired removes entries that expired before the cutoff.
func (s *PostgreSQLStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "DELETE FROM fact_cache WHERE expires_at < $1", before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close is a no-op for PostgreSQLStore as the pool is shared.
func (s *PostgreSQLStore) Close() error {
	return nil
}
