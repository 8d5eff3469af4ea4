package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgRecordColumns matches recordColumns with the JSONB column read as text.
var pgRecordColumns = strings.Replace(recordColumns, "verification_sources", "verification_sources::text", 1)

// PostgreSQLStore stores records in PostgreSQL.
type PostgreSQLStore struct {
	pool *pgxpool.Pool
}

// NewPostgreSQLStore creates the catalog_records table and indexes if needed.
func NewPostgreSQLStore(ctx context.Context, pool *pgxpool.Pool) (*PostgreSQLStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}

	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS catalog_records (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			organization TEXT NOT NULL DEFAULT '',
			region TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL DEFAULT '',
			verified_status TEXT NOT NULL DEFAULT 'unknown',
			verification_notes TEXT,
			verification_sources JSONB NOT NULL DEFAULT '[]'::jsonb,
			last_auto_verified_at BIGINT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create catalog_records table: %w", err)
	}

	if _, err := pool.Exec(ctx, "CREATE INDEX IF NOT EXISTS idx_catalog_records_last_auto_verified_at ON catalog_records(last_auto_verified_at NULLS FIRST)"); err != nil {
		return nil, fmt.Errorf("failed to create catalog_records last_auto_verified_at index: %w", err)
	}

	return &PostgreSQLStore{pool: pool}, nil
}

// Get returns a record by id.
func (s *PostgreSQLStore) Get(ctx context.Context, id string) (*Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx, "SELECT "+pgRecordColumns+" FROM catalog_records WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query record: %w", err)
	}
	return r, nil
}

// List returns records ordered by id, starting after the given id.
func (s *PostgreSQLStore) List(ctx context.Context, limit int, after string) ([]*Record, error) {
	return s.query(ctx, "SELECT "+pgRecordColumns+" FROM catalog_records WHERE id > $1 ORDER BY id LIMIT $2",
		after, normalizeLimit(limit))
}

// ListByIDs returns the existing records among ids.
func (s *PostgreSQLStore) ListByIDs(ctx context.Context, ids []string) ([]*Record, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return []*Record{}, nil
	}
	return s.query(ctx, "SELECT "+pgRecordColumns+" FROM catalog_records WHERE id = ANY($1) ORDER BY id", ids)
}

// All returns every record ordered by id.
func (s *PostgreSQLStore) All(ctx context.Context) ([]*Record, error) {
	return s.query(ctx, "SELECT "+pgRecordColumns+" FROM catalog_records ORDER BY id")
}

// SelectStale returns records not auto-verified since cutoff.
func (s *PostgreSQLStore) SelectStale(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	return s.query(ctx, `
		SELECT `+pgRecordColumns+`
		FROM catalog_records
		WHERE last_auto_verified_at IS NULL OR last_auto_verified_at < $1
		ORDER BY last_auto_verified_at ASC NULLS FIRST, id
	`, cutoff.UnixNano())
}

// SaveVerification writes a verification result onto the record.
func (s *PostgreSQLStore) SaveVerification(ctx context.Context, id string, v Verification) error {
	if err := validateVerification(id, v); err != nil {
		return err
	}
	sources, err := marshalSources(v.Sources)
	if err != nil {
		return err
	}

	at := v.VerifiedAt.UnixNano()
	tag, err := s.pool.Exec(ctx, `
		UPDATE catalog_records
		SET verified_status = $1, verification_notes = $2, verification_sources = $3::jsonb,
			last_auto_verified_at = $4, updated_at = $4
		WHERE id = $5
	`, NormalizeStatus(v.Status), v.Notes, sources, at, id)
	if err != nil {
		return fmt.Errorf("save verification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Upsert inserts a record or refreshes its identity fields.
func (s *PostgreSQLStore) Upsert(ctx context.Context, rec *Record) error {
	r, err := prepareUpsert(rec, time.Now().UTC())
	if err != nil {
		return err
	}
	sources, err := marshalSources(r.VerificationSources)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO catalog_records (id, name, organization, region, url, verified_status,
			verification_notes, verification_sources, last_auto_verified_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			organization = EXCLUDED.organization,
			region = EXCLUDED.region,
			url = EXCLUDED.url,
			updated_at = EXCLUDED.updated_at
	`, r.ID, r.Name, r.Organization, r.Region, r.URL, r.VerifiedStatus,
		r.VerificationNotes, sources, toUnixNano(r.LastAutoVerifiedAt),
		r.CreatedAt.UnixNano(), r.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// Close is a no-op for PostgreSQLStore as the pool is shared.
func (s *PostgreSQLStore) Close() error {
	return nil
}

func (s *PostgreSQLStore) query(ctx context.Context, query string, args ...any) ([]*Record, error) {
	rows, err := s.pool.Query(ctx, query, args...)
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
