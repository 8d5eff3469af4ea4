package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStore stores records in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the catalog_records table and indexes if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS catalog_records (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			organization TEXT NOT NULL DEFAULT '',
			region TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			verified_status TEXT NOT NULL DEFAULT 'unknown',
			verification_notes TEXT,
			verification_sources TEXT NOT NULL DEFAULT '[]',
			last_auto_verified_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog_records table: %w", err)
	}

	if _, err := db.Exec("CREATE INDEX IF NOT EXISTS idx_catalog_records_last_auto_verified_at ON catalog_records(last_auto_verified_at)"); err != nil {
		return nil, fmt.Errorf("failed to create catalog_records last_auto_verified_at index: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get returns a record by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM catalog_records WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query record: %w", err)
	}
	return r, nil
}

// List returns records ordered by id, starting after the given id.
func (s *SQLiteStore) List(ctx context.Context, limit int, after string) ([]*Record, error) {
	return s.query(ctx, "SELECT "+recordColumns+" FROM catalog_records WHERE id > ? ORDER BY id LIMIT ?",
		after, normalizeLimit(limit))
}

// ListByIDs returns the existing records among ids.
func (s *SQLiteStore) ListByIDs(ctx context.Context, ids []string) ([]*Record, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return []*Record{}, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	return s.query(ctx, "SELECT "+recordColumns+" FROM catalog_records WHERE id IN ("+placeholders+") ORDER BY id", args...)
}

// All returns every record ordered by id.
func (s *SQLiteStore) All(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, "SELECT "+recordColumns+" FROM catalog_records ORDER BY id")
}

// SelectStale returns records not auto-verified since cutoff.
// SQLite sorts NULL first in ascending order.
func (s *SQLiteStore) SelectStale(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	return s.query(ctx, `
		SELECT `+recordColumns+`
		FROM catalog_records
		WHERE last_auto_verified_at IS NULL OR last_auto_verified_at < ?
		ORDER BY last_auto_verified_at, id
	`, cutoff.UnixNano())
}

// SaveVerification writes a verification result onto the record.
func (s *SQLiteStore) SaveVerification(ctx context.Context, id string, v Verification) error {
	if err := validateVerification(id, v); err != nil {
		return err
	}
	sources, err := marshalSources(v.Sources)
	if err != nil {
		return err
	}

	at := v.VerifiedAt.UnixNano()
	result, err := s.db.ExecContext(ctx, `
		UPDATE catalog_records
		SET verified_status = ?, verification_notes = ?, verification_sources = ?,
			last_auto_verified_at = ?, updated_at = ?
		WHERE id = ?
	`, NormalizeStatus(v.Status), v.Notes, sources, at, at, id)
	if err != nil {
		return fmt.Errorf("save verification: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read update rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Upsert inserts a record or refreshes its identity fields.
func (s *SQLiteStore) Upsert(ctx context.Context, rec *Record) error {
	r, err := prepareUpsert(rec, time.Now().UTC())
	if err != nil {
		return err
	}
	sources, err := marshalSources(r.VerificationSources)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO catalog_records (id, name, organization, region, url, verified_status,
			verification_notes, verification_sources, last_auto_verified_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			organization = excluded.organization,
			region = excluded.region,
			url = excluded.url,
			updated_at = excluded.updated_at
	`, r.ID, r.Name, r.Organization, r.Region, r.URL, r.VerifiedStatus,
		r.VerificationNotes, sources, toUnixNano(r.LastAutoVerifiedAt),
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// Close is a no-op; DB lifecycle is managed by storage layer.
func (s *SQLiteStore) Close() error {
	return nil
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	items := make([]*Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record row: %w", err)
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate record rows: %w", err)
	}
	return items, nil
}
