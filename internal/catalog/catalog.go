// Package catalog persists the verifiable records the batch verifier sweeps.
// Records are created by ingestion and mutated in place by verification;
// nothing in this package deletes them.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound indicates a requested record was not found.
var ErrNotFound = errors.New("record not found")

// TableName is the SQL table, Mongo collection and bbolt bucket name.
const TableName = "catalog_records"

// Verification statuses.
const (
	StatusOpen    = "open"
	StatusClosed  = "closed"
	StatusUnknown = "unknown"
)

// Record is one catalog entry.
// LastAutoVerifiedAt is written only through SaveVerification.
type Record struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Organization        string     `json:"organization,omitempty"`
	Region              string     `json:"region,omitempty"`
	URL                 string     `json:"url,omitempty"`
	LastAutoVerifiedAt  *time.Time `json:"last_auto_verified_at"`
	VerifiedStatus      string     `json:"verified_status"`
	VerificationNotes   *string    `json:"verification_notes"`
	VerificationSources []string   `json:"verification_sources,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.LastAutoVerifiedAt != nil {
		t := *r.LastAutoVerifiedAt
		c.LastAutoVerifiedAt = &t
	}
	if r.VerificationNotes != nil {
		n := *r.VerificationNotes
		c.VerificationNotes = &n
	}
	if r.VerificationSources != nil {
		c.VerificationSources = append([]string(nil), r.VerificationSources...)
	}
	return &c
}

// Verification is the outcome of one successful record check.
type Verification struct {
	Status     string
	Notes      *string
	Sources    []string
	VerifiedAt time.Time
}

// NormalizeStatus maps a provider status onto open, closed or unknown.
func NormalizeStatus(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case StatusOpen, "active", "operating":
		return StatusOpen
	case StatusClosed, "inactive", "defunct":
		return StatusClosed
	default:
		return StatusUnknown
	}
}

// Store defines persistence operations for the catalog.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns one record or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// List returns up to limit records ordered by id, starting after the given id.
	List(ctx context.Context, limit int, after string) ([]*Record, error)

	// ListByIDs returns the records that exist among ids, ordered by id.
	ListByIDs(ctx context.Context, ids []string) ([]*Record, error)

	// All returns every record ordered by id.
	All(ctx context.Context) ([]*Record, error)

	// SelectStale returns records never auto-verified or last auto-verified
	// before cutoff, oldest first with never-verified records leading.
	SelectStale(ctx context.Context, cutoff time.Time) ([]*Record, error)

	// SaveVerification writes a verification result onto the record.
	SaveVerification(ctx context.Context, id string, v Verification) error

	// Upsert inserts a record or refreshes its identity fields. The
	// verification state of an existing record is left alone.
	Upsert(ctx context.Context, rec *Record) error

	// Close releases any resources held by the store.
	Close() error
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 20
	case limit > 500:
		return 500
	default:
		return limit
	}
}

// prepareUpsert validates rec and returns a copy with timestamps and
// status filled in.
func prepareUpsert(rec *Record, now time.Time) (*Record, error) {
	if rec == nil {
		return nil, fmt.Errorf("record is nil")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return nil, fmt.Errorf("record id is required")
	}
	if strings.TrimSpace(rec.Name) == "" {
		return nil, fmt.Errorf("record %s name is required", rec.ID)
	}
	c := rec.Clone()
	c.VerifiedStatus = NormalizeStatus(c.VerifiedStatus)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return c, nil
}

func validateVerification(id string, v Verification) error {
	if id == "" {
		return fmt.Errorf("record id is required")
	}
	if v.VerifiedAt.IsZero() {
		return fmt.Errorf("verification time is required")
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func toUnixNano(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ns := t.UnixNano()
	return &ns
}

func fromUnixNano(ns *int64) *time.Time {
	if ns == nil {
		return nil
	}
	t := time.Unix(0, *ns).UTC()
	return &t
}

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// recordColumns is the column list every SQL query selects, in scanRecord order.
const recordColumns = `id, name, organization, region, url, verified_status,
	verification_notes, verification_sources, last_auto_verified_at, created_at, updated_at`

func scanRecord(row rowScanner) (*Record, error) {
	var (
		r                  Record
		sources            string
		lastAutoVerifiedAt *int64
		createdAt          int64
		updatedAt          int64
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Organization, &r.Region, &r.URL, &r.VerifiedStatus,
		&r.VerificationNotes, &sources, &lastAutoVerifiedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	cites, err := unmarshalSources([]byte(sources))
	if err != nil {
		return nil, err
	}
	r.VerificationSources = cites
	r.LastAutoVerifiedAt = fromUnixNano(lastAutoVerifiedAt)
	r.CreatedAt = time.Unix(0, createdAt).UTC()
	r.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &r, nil
}

func marshalSources(sources []string) (string, error) {
	if sources == nil {
		sources = []string{}
	}
	b, err := json.Marshal(sources)
	if err != nil {
		return "", fmt.Errorf("marshal verification sources: %w", err)
	}
	return string(b), nil
}

func unmarshalSources(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var sources []string
	if err := json.Unmarshal(raw, &sources); err != nil {
		return nil, fmt.Errorf("unmarshal verification sources: %w", err)
	}
	if len(sources) == 0 {
		return nil, nil
	}
	return sources, nil
}
