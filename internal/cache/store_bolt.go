package cache

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"factcache/internal/core"
)

// boltHeaderLen is the fixed record prefix:
// 8 bytes big endian expires_at || 8 bytes big endian written_at.
const boltHeaderLen = 16

// BoltStore stores cache entries in an embedded bbolt file.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
}

// NewBoltStore creates the fact_cache bucket if needed.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	if db == nil {
		return nil, fmt.Errorf("bolt database is required")
	}
	bucket := []byte(TableName)
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to create fact_cache bucket: %w", err)
	}
	return &BoltStore{db: db, bucket: bucket}, nil
}

func boltKey(kind, key string) []byte {
	return []byte(kind + "\x00" + key)
}

func encodeBoltRecord(entry *core.CacheEntry, data []byte) []byte {
	buf := make([]byte, boltHeaderLen+len(data))
	binary.BigEndian.PutUint64(buf[:8], uint64(entry.ExpiresAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(entry.WrittenAt.UnixNano()))
	copy(buf[boltHeaderLen:], data)
	return buf
}

// Get returns the entry for (kind, key), or nil if there is none.
func (s *BoltStore) Get(_ context.Context, kind, key string) (*core.CacheEntry, error) {
	var data []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get(boltKey(kind, key))
		if len(v) < boltHeaderLen {
			return nil
		}
		// v is only valid inside the transaction
		data = append([]byte(nil), v[boltHeaderLen:]...)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("query cache entry: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return deserializeEntry(data)
}

// Upsert writes the entry unless a newer one is already stored.
func (s *BoltStore) Upsert(_ context.Context, entry *core.CacheEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	data, err := serializeEntry(entry)
	if err != nil {
		return err
	}

	k := boltKey(entry.Kind, entry.Key)
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if cur := b.Get(k); len(cur) >= boltHeaderLen {
			curWritten := int64(binary.BigEndian.Uint64(cur[8:16]))
			if curWritten > entry.WrittenAt.UnixNano() {
				return nil
			}
		}
		return b.Put(k, encodeBoltRecord(entry, data))
	})
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// DeleteExpired removes entries that expired before the cutoff.
func (s *BoltStore) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixNano()
	var removed int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		var stale [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < boltHeaderLen || int64(binary.BigEndian.Uint64(v[:8])) < cutoff {
				stale = append(stale, append([]byte(nil), k...))
			}
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = int64(len(stale))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	return removed, nil
}

// Close is a no-op for BoltStore as the database is shared.
func (s *BoltStore) Close() error {
	return nil
}
