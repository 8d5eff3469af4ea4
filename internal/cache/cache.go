// Package cache provides the persistent fact cache table.
// It stores one entry per (kind, key) with TTL metadata and applies no
// freshness policy of its own: expired entries stay readable until the
// garbage-collection sweep removes them.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"factcache/internal/core"
)

// Backend names accepted by the factory.
const (
	BackendStorage = "storage"
	BackendLocal   = "local"
	BackendMemory  = "memory"
	BackendRedis   = "redis"
)

// TableName is the SQL table, Mongo collection and bbolt bucket name.
const TableName = "fact_cache"

// Store defines the interface for fact cache storage.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the entry for (kind, key).
	// Returns nil, nil if no entry exists, expired or not.
	Get(ctx context.Context, kind, key string) (*core.CacheEntry, error)

	// Upsert writes a whole entry. An existing entry with a newer WrittenAt
	// wins and the write is dropped.
	Upsert(ctx context.Context, entry *core.CacheEntry) error

	// DeleteExpired removes entries whose ExpiresAt is before the cutoff and
	// returns how many were removed.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}

func validateEntry(entry *core.CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry is nil")
	}
	if entry.Kind == "" || entry.Key == "" {
		return fmt.Errorf("cache entry kind and key are required")
	}
	if entry.WrittenAt.IsZero() || entry.ExpiresAt.IsZero() {
		return fmt.Errorf("cache entry %s timestamps are required", entry.Key)
	}
	return nil
}

func marshalCitations(citations []string) (string, error) {
	if citations == nil {
		citations = []string{}
	}
	b, err := json.Marshal(citations)
	if err != nil {
		return "", fmt.Errorf("marshal citations: %w", err)
	}
	return string(b), nil
}

func unmarshalCitations(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var citations []string
	if err := json.Unmarshal(raw, &citations); err != nil {
		return nil, fmt.Errorf("unmarshal citations: %w", err)
	}
	if len(citations) == 0 {
		return nil, nil
	}
	return citations, nil
}

func serializeEntry(entry *core.CacheEntry) ([]byte, error) {
	b, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("marshal cache entry: %w", err)
	}
	return b, nil
}

func deserializeEntry(raw []byte) (*core.CacheEntry, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty cache entry payload")
	}
	var entry core.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	return &entry, nil
}

func fromUnixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}
