package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"factcache/internal/core"
)

type entryID struct {
	kind string
	key  string
}

// LocalStore keeps entries in process memory, optionally mirrored to a JSON
// snapshot file so they survive restarts.
// This is suitable for single-instance deployments.
type LocalStore struct {
	mu       sync.RWMutex
	entries  map[entryID]*core.CacheEntry
	filePath string
}

// localSnapshot is the on-disk layout of the snapshot file.
type localSnapshot struct {
	Version   int                `json:"version"`
	UpdatedAt time.Time          `json:"updated_at"`
	Entries   []*core.CacheEntry `json:"entries"`
}

// NewMemoryStore creates an empty, purely in-memory store.
func NewMemoryStore() *LocalStore {
	return &LocalStore{entries: make(map[entryID]*core.CacheEntry)}
}

// NewLocalStore creates a store backed by a snapshot file and loads any
// existing snapshot. An empty filePath behaves like NewMemoryStore.
func NewLocalStore(filePath string) (*LocalStore, error) {
	s := &LocalStore{
		entries:  make(map[entryID]*core.CacheEntry),
		filePath: filePath,
	}
	if filePath == "" {
		return s, nil
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil // No snapshot yet, not an error
		}
		return nil, fmt.Errorf("failed to read cache file: %w", err)
	}

	var snap localSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse cache file: %w", err)
	}
	for _, e := range snap.Entries {
		if e == nil || e.Kind == "" || e.Key == "" {
			continue
		}
		s.entries[entryID{kind: e.Kind, key: e.Key}] = e
	}
	return s, nil
}

// Get returns a copy of the stored entry.
func (s *LocalStore) Get(_ context.Context, kind, key string) (*core.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[entryID{kind: kind, key: key}].Clone(), nil
}

// Upsert stores a copy of entry unless a newer one is already present.
func (s *LocalStore) Upsert(_ context.Context, entry *core.CacheEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := entryID{kind: entry.Kind, key: entry.Key}
	if cur, ok := s.entries[id]; ok && cur.WrittenAt.After(entry.WrittenAt) {
		return nil
	}
	s.entries[id] = entry.Clone()
	return s.persistLocked()
}

// DeleteExpired removes entries that expired before the cutoff.
func (s *LocalStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, e := range s.entries {
		if e.ExpiresAt.Before(before) {
			delete(s.entries, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.persistLocked()
}

// Len returns the number of stored entries.
func (s *LocalStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close is a no-op; every write is already on disk.
func (s *LocalStore) Close() error {
	return nil
}

// persistLocked writes the snapshot file. Caller must hold s.mu.
func (s *LocalStore) persistLocked() error {
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	snap := localSnapshot{
		Version:   1,
		UpdatedAt: time.Now().UTC(),
		Entries:   make([]*core.CacheEntry, 0, len(s.entries)),
	}
	for _, e := range s.entries {
		snap.Entries = append(snap.Entries, e)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	// Write atomically using temp file + rename
	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmpFile, s.filePath); err != nil {
		os.Remove(tmpFile) // Clean up temp file
		return fmt.Errorf("failed to rename cache file: %w", err)
	}
	return nil
}
