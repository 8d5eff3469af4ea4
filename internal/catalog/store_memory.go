package catalog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory.
// Data survives across requests but not process restarts.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*Record
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]*Record),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Get retrieves one record by id.
func (s *MemoryStore) Get(_ context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

// List returns records ordered by id, starting after the given id.
func (s *MemoryStore) List(_ context.Context, limit int, after string) ([]*Record, error) {
	limit = normalizeLimit(limit)
	items := s.sorted(func(r *Record) bool { return r.ID > after })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// ListByIDs returns the existing records among ids.
func (s *MemoryStore) ListByIDs(_ context.Context, ids []string) ([]*Record, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range uniqueIDs(ids) {
		want[id] = struct{}{}
	}
	return s.sorted(func(r *Record) bool {
		_, ok := want[r.ID]
		return ok
	}), nil
}

// All returns every record ordered by id.
func (s *MemoryStore) All(_ context.Context) ([]*Record, error) {
	return s.sorted(func(*Record) bool { return true }), nil
}

// SelectStale returns records not auto-verified since cutoff.
func (s *MemoryStore) SelectStale(_ context.Context, cutoff time.Time) ([]*Record, error) {
	items := s.sorted(func(r *Record) bool {
		return r.LastAutoVerifiedAt == nil || r.LastAutoVerifiedAt.Before(cutoff)
	})
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].LastAutoVerifiedAt, items[j].LastAutoVerifiedAt
		switch {
		case a == nil || b == nil:
			return a == nil && b != nil
		default:
			return a.Before(*b)
		}
	})
	return items, nil
}

// SaveVerification writes a verification result onto the record.
func (s *MemoryStore) SaveVerification(_ context.Context, id string, v Verification) error {
	if err := validateVerification(id, v); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	at := v.VerifiedAt.UTC()
	r.LastAutoVerifiedAt = &at
	r.VerifiedStatus = NormalizeStatus(v.Status)
	r.VerificationNotes = nil
	if v.Notes != nil {
		n := *v.Notes
		r.VerificationNotes = &n
	}
	r.VerificationSources = append([]string(nil), v.Sources...)
	r.UpdatedAt = at
	return nil
}

// Upsert inserts a record or refreshes its identity fields.
func (s *MemoryStore) Upsert(_ context.Context, rec *Record) error {
	c, err := prepareUpsert(rec, s.now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.items[c.ID]
	if !exists {
		s.items[c.ID] = c
		return nil
	}
	cur.Name = c.Name
	cur.Organization = c.Organization
	cur.Region = c.Region
	cur.URL = c.URL
	cur.UpdatedAt = c.UpdatedAt
	return nil
}

// Close releases resources (no-op for memory store).
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) sorted(keep func(*Record) bool) []*Record {
	s.mu.RLock()
	items := make([]*Record, 0, len(s.items))
	for _, r := range s.items {
		if keep(r) {
			items = append(items, r.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items
}
