package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore stores records as JSON values in an embedded bbolt file, keyed by id.
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
}

// NewBoltStore creates the catalog_records bucket if needed.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	if db == nil {
		return nil, fmt.Errorf("bolt database is required")
	}
	bucket := []byte(TableName)
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("failed to create catalog_records bucket: %w", err)
	}
	return &BoltStore{db: db, bucket: bucket}, nil
}

// Get returns a record by id.
func (s *BoltStore) Get(_ context.Context, id string) (*Record, error) {
	var rec *Record
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var err error
		rec, err = decodeBoltRecord(v)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// List returns records ordered by id, starting after the given id.
// bbolt keeps keys sorted, so this is a cursor seek.
func (s *BoltStore) List(_ context.Context, limit int, after string) ([]*Record, error) {
	limit = normalizeLimit(limit)
	items := make([]*Record, 0, limit)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		k, v := c.Seek([]byte(after))
		if k != nil && string(k) == after {
			k, v = c.Next()
		}
		for ; k != nil && len(items) < limit; k, v = c.Next() {
			r, err := decodeBoltRecord(v)
			if err != nil {
				return err
			}
			items = append(items, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return items, nil
}

// ListByIDs returns the existing records among ids.
func (s *BoltStore) ListByIDs(_ context.Context, ids []string) ([]*Record, error) {
	ids = uniqueIDs(ids)
	sort.Strings(ids)
	items := make([]*Record, 0, len(ids))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for _, id := range ids {
			v := b.Get([]byte(id))
			if v == nil {
				continue
			}
			r, err := decodeBoltRecord(v)
			if err != nil {
				return err
			}
			items = append(items, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return items, nil
}

// All returns every record ordered by id.
func (s *BoltStore) All(_ context.Context) ([]*Record, error) {
	return s.scan(func(*Record) bool { return true })
}

// SelectStale returns records not auto-verified since cutoff.
func (s *BoltStore) SelectStale(_ context.Context, cutoff time.Time) ([]*Record, error) {
	items, err := s.scan(func(r *Record) bool {
		return r.LastAutoVerifiedAt == nil || r.LastAutoVerifiedAt.Before(cutoff)
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].LastAutoVerifiedAt, items[j].LastAutoVerifiedAt
		if a == nil || b == nil {
			return a == nil && b != nil
		}
		return a.Before(*b)
	})
	return items, nil
}

// SaveVerification writes a verification result onto the record.
func (s *BoltStore) SaveVerification(_ context.Context, id string, v Verification) error {
	if err := validateVerification(id, v); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		raw := b.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		r, err := decodeBoltRecord(raw)
		if err != nil {
			return err
		}
		at := v.VerifiedAt.UTC()
		r.LastAutoVerifiedAt = &at
		r.VerifiedStatus = NormalizeStatus(v.Status)
		r.VerificationNotes = v.Notes
		r.VerificationSources = v.Sources
		r.UpdatedAt = at
		return putBoltRecord(b, r)
	})
}

// Upsert inserts a record or refreshes its identity fields.
func (s *BoltStore) Upsert(_ context.Context, rec *Record) error {
	r, err := prepareUpsert(rec, time.Now().UTC())
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if raw := b.Get([]byte(r.ID)); raw != nil {
			cur, err := decodeBoltRecord(raw)
			if err != nil {
				return err
			}
			cur.Name = r.Name
			cur.Organization = r.Organization
			cur.Region = r.Region
			cur.URL = r.URL
			cur.UpdatedAt = r.UpdatedAt
			r = cur
		}
		return putBoltRecord(b, r)
	})
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// Close is a no-op for BoltStore as the database is shared.
func (s *BoltStore) Close() error {
	return nil
}

func (s *BoltStore) scan(keep func(*Record) bool) ([]*Record, error) {
	items := make([]*Record, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(_, v []byte) error {
			r, err := decodeBoltRecord(v)
			if err != nil {
				return err
			}
			if keep(r) {
				items = append(items, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return items, nil
}

func putBoltRecord(b *bolt.Bucket, r *Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return b.Put([]byte(r.ID), data)
}

// decodeBoltRecord copies out of v, which is only valid inside the transaction.
func decodeBoltRecord(v []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(v, &r); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &r, nil
}
