package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"factcache/internal/core"
)

type mongoCacheDocument struct {
	ID        string   `bson:"_id"`
	Kind      string   `bson:"kind"`
	Key       string   `bson:"key"`
	Payload   []byte   `bson:"payload"`
	Citations []string `bson:"citations"`
	WrittenAt int64    `bson:"written_at"`
	ExpiresAt int64    `bson:"expires_at"`
}

// MongoDBStore stores cache entries in MongoDB.
type MongoDBStore struct {
	collection *mongo.Collection
}

// NewMongoDBStore creates collection indexes if needed.
func NewMongoDBStore(database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	coll := database.Collection(TableName)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("create fact_cache indexes: %w", err)
	}

	return &MongoDBStore{collection: coll}, nil
}

func mongoDocumentID(kind, key string) string {
	return kind + "|" + key
}

// Get returns the entry for (kind, key), or nil if there is none.
func (s *MongoDBStore) Get(ctx context.Context, kind, key string) (*core.CacheEntry, error) {
	var doc mongoCacheDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": mongoDocumentID(kind, key)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("query cache entry: %w", err)
	}

	var citations []string
	if len(doc.Citations) > 0 {
		citations = doc.Citations
	}
	return &core.CacheEntry{
		Key:       doc.Key,
		Kind:      doc.Kind,
		Payload:   doc.Payload,
		Citations: citations,
		WrittenAt: fromUnixNano(doc.WrittenAt),
		ExpiresAt: fromUnixNano(doc.ExpiresAt),
	}, nil
}

// Upsert writes the entry. A document with a newer written_at is left alone:
// the filter misses, the upsert collides on _id, and the duplicate key error
// is swallowed.
func (s *MongoDBStore) Upsert(ctx context.Context, entry *core.CacheEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}

	citations := entry.Citations
	if citations == nil {
		citations = []string{}
	}
	id := mongoDocumentID(entry.Kind, entry.Key)
	writtenAt := entry.WrittenAt.UnixNano()

	filter := bson.M{"_id": id, "written_at": bson.M{"$lte": writtenAt}}
	update := bson.M{"$set": bson.M{
		"kind":       entry.Kind,
		"key":        entry.Key,
		"payload":    []byte(entry.Payload),
		"citations":  citations,
		"written_at": writtenAt,
		"expires_at": entry.ExpiresAt.UnixNano(),
	}}
	_, err := s.collection.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// DeleteExpired removes entries that expired before the cutoff.
func (s *MongoDBStore) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.collection.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": before.UnixNano()}})
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	return result.DeletedCount, nil
}

// Close is a no-op for MongoDBStore as the client is shared.
func (s *MongoDBStore) Close() error {
	return nil
}
