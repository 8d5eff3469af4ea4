//go:build integration

// Package dbassert reads rows written by the fact cache straight from
// PostgreSQL and MongoDB so tests can assert on persisted state.
package dbassert

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// CacheRow is one persisted cache entry.
type CacheRow struct {
	Kind      string
	Key       string
	Payload   json.RawMessage
	Citations []string
	WrittenAt time.Time
	ExpiresAt time.Time
}

// RecordRow is the verification state of one catalog record.
type RecordRow struct {
	ID                  string
	VerifiedStatus      string
	VerificationNotes   *string
	VerificationSources []string
	LastAutoVerifiedAt  *time.Time
}

// QueryCacheRowsPG returns every fact_cache row of kind.
func QueryCacheRowsPG(t *testing.T, pool *pgxpool.Pool, kind string) []CacheRow {
	t.Helper()

	rows, err := pool.Query(context.Background(), `
		SELECT kind, cache_key, payload, citations::text, written_at, expires_at
		FROM fact_cache WHERE kind = $1 ORDER BY cache_key`, kind)
	require.NoError(t, err)
	defer rows.Close()

	var out []CacheRow
	for rows.Next() {
		var (
			row                  CacheRow
			payload              []byte
			citations            string
			writtenAt, expiresAt int64
		)
		require.NoError(t, rows.Scan(&row.Kind, &row.Key, &payload, &citations, &writtenAt, &expiresAt))
		row.Payload = payload
		require.NoError(t, json.Unmarshal([]byte(citations), &row.Citations))
		row.WrittenAt = time.Unix(0, writtenAt).UTC()
		row.ExpiresAt = time.Unix(0, expiresAt).UTC()
		out = append(out, row)
	}
	require.NoError(t, rows.Err())
	return out
}

// QueryCacheRowsMongo returns every fact_cache document of kind.
func QueryCacheRowsMongo(t *testing.T, db *mongo.Database, kind string) []CacheRow {
	t.Helper()
	ctx := context.Background()

	cursor, err := db.Collection("fact_cache").Find(ctx, bson.D{{Key: "kind", Value: kind}})
	require.NoError(t, err)
	defer func() { _ = cursor.Close(ctx) }()

	var out []CacheRow
	for cursor.Next(ctx) {
		var doc struct {
			Kind      string   `bson:"kind"`
			Key       string   `bson:"key"`
			Payload   []byte   `bson:"payload"`
			Citations []string `bson:"citations"`
			WrittenAt int64    `bson:"written_at"`
			ExpiresAt int64    `bson:"expires_at"`
		}
		require.NoError(t, cursor.Decode(&doc))
		out = append(out, CacheRow{
			Kind:      doc.Kind,
			Key:       doc.Key,
			Payload:   doc.Payload,
			Citations: doc.Citations,
			WrittenAt: time.Unix(0, doc.WrittenAt).UTC(),
			ExpiresAt: time.Unix(0, doc.ExpiresAt).UTC(),
		})
	}
	require.NoError(t, cursor.Err())
	return out
}

// QueryRecordPG returns the verification state of record id.
func QueryRecordPG(t *testing.T, pool *pgxpool.Pool, id string) RecordRow {
	t.Helper()

	var (
		row      RecordRow
		sources  string
		verified *int64
	)
	err := pool.QueryRow(context.Background(), `
		SELECT id, verified_status, verification_notes, verification_sources::text, last_auto_verified_at
		FROM catalog_records WHERE id = $1`, id).
		Scan(&row.ID, &row.VerifiedStatus, &row.VerificationNotes, &sources, &verified)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(sources), &row.VerificationSources))
	if verified != nil {
		ts := time.Unix(0, *verified).UTC()
		row.LastAutoVerifiedAt = &ts
	}
	return row
}

// QueryRecordMongo returns the verification state of record id.
func QueryRecordMongo(t *testing.T, db *mongo.Database, id string) RecordRow {
	t.Helper()

	var doc struct {
		ID                  string   `bson:"_id"`
		VerifiedStatus      string   `bson:"verified_status"`
		VerificationNotes   *string  `bson:"verification_notes"`
		VerificationSources []string `bson:"verification_sources"`
		LastAutoVerifiedAt  *int64   `bson:"last_auto_verified_at"`
	}
	err := db.Collection("catalog_records").FindOne(context.Background(), bson.D{{Key: "_id", Value: id}}).Decode(&doc)
	require.NoError(t, err)

	row := RecordRow{
		ID:                  doc.ID,
		VerifiedStatus:      doc.VerifiedStatus,
		VerificationNotes:   doc.VerificationNotes,
		VerificationSources: doc.VerificationSources,
	}
	if doc.LastAutoVerifiedAt != nil {
		ts := time.Unix(0, *doc.LastAutoVerifiedAt).UTC()
		row.LastAutoVerifiedAt = &ts
	}
	return row
}
