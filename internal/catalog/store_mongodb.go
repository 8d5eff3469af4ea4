package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type mongoRecordDocument struct {
	ID                  string   `bson:"_id"`
	Name                string   `bson:"name"`
	Organization        string   `bson:"organization"`
	Region              string   `bson:"region"`
	URL                 string   `bson:"url"`
	VerifiedStatus      string   `bson:"verified_status"`
	VerificationNotes   *string  `bson:"verification_notes"`
	VerificationSources []string `bson:"verification_sources"`
	LastAutoVerifiedAt  *int64   `bson:"last_auto_verified_at"`
	CreatedAt           int64    `bson:"created_at"`
	UpdatedAt           int64    `bson:"updated_at"`
}

func (d *mongoRecordDocument) record() *Record {
	r := &Record{
		ID:                 d.ID,
		Name:               d.Name,
		Organization:       d.Organization,
		Region:             d.Region,
		URL:                d.URL,
		VerifiedStatus:     d.VerifiedStatus,
		VerificationNotes:  d.VerificationNotes,
		LastAutoVerifiedAt: fromUnixNano(d.LastAutoVerifiedAt),
		CreatedAt:          time.Unix(0, d.CreatedAt).UTC(),
		UpdatedAt:          time.Unix(0, d.UpdatedAt).UTC(),
	}
	if len(d.VerificationSources) > 0 {
		r.VerificationSources = d.VerificationSources
	}
	return r
}

// MongoDBStore stores records in MongoDB.
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
		{Keys: bson.D{{Key: "last_auto_verified_at", Value: 1}, {Key: "_id", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("create catalog_records indexes: %w", err)
	}

	return &MongoDBStore{collection: coll}, nil
}

// Get returns a record by id.
func (s *MongoDBStore) Get(ctx context.Context, id string) (*Record, error) {
	var doc mongoRecordDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query record: %w", err)
	}
	return doc.record(), nil
}

// List returns records ordered by id, starting after the given id.
func (s *MongoDBStore) List(ctx context.Context, limit int, after string) ([]*Record, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(normalizeLimit(limit)))
	return s.find(ctx, bson.M{"_id": bson.M{"$gt": after}}, opts)
}

// ListByIDs returns the existing records among ids.
func (s *MongoDBStore) ListByIDs(ctx context.Context, ids []string) ([]*Record, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return []*Record{}, nil
	}
	return s.find(ctx, bson.M{"_id": bson.M{"$in": ids}}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

// All returns every record ordered by id.
func (s *MongoDBStore) All(ctx context.Context) ([]*Record, error) {
	return s.find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
}

// SelectStale returns records not auto-verified since cutoff.
// Null sorts before numbers, so never-verified records come first.
func (s *MongoDBStore) SelectStale(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"last_auto_verified_at": nil},
		bson.M{"last_auto_verified_at": bson.M{"$lt": cutoff.UnixNano()}},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "last_auto_verified_at", Value: 1}, {Key: "_id", Value: 1}})
	return s.find(ctx, filter, opts)
}

// SaveVerification writes a verification result onto the record.
func (s *MongoDBStore) SaveVerification(ctx context.Context, id string, v Verification) error {
	if err := validateVerification(id, v); err != nil {
		return err
	}
	sources := v.Sources
	if sources == nil {
		sources = []string{}
	}

	at := v.VerifiedAt.UnixNano()
	result, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{
			"verified_status":       NormalizeStatus(v.Status),
			"verification_notes":    v.Notes,
			"verification_sources":  sources,
			"last_auto_verified_at": at,
			"updated_at":            at,
		}},
	)
	if err != nil {
		return fmt.Errorf("save verification: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Upsert inserts a record or refreshes its identity fields.
func (s *MongoDBStore) Upsert(ctx context.Context, rec *Record) error {
	r, err := prepareUpsert(rec, time.Now().UTC())
	if err != nil {
		return err
	}
	sources := r.VerificationSources
	if sources == nil {
		sources = []string{}
	}

	_, err = s.collection.UpdateOne(ctx,
		bson.M{"_id": r.ID},
		bson.M{
			"$set": bson.M{
				"name":         r.Name,
				"organization": r.Organization,
				"region":       r.Region,
				"url":          r.URL,
				"updated_at":   r.UpdatedAt.UnixNano(),
			},
			"$setOnInsert": bson.M{
				"verified_status":       r.VerifiedStatus,
				"verification_notes":    r.VerificationNotes,
				"verification_sources":  sources,
				"last_auto_verified_at": toUnixNano(r.LastAutoVerifiedAt),
				"created_at":            r.CreatedAt.UnixNano(),
			},
		},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert record: %w", err)
	}
	return nil
}

// Close is a no-op; Mongo client lifecycle is managed by storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}

func (s *MongoDBStore) find(ctx context.Context, filter any, opts *options.FindOptionsBuilder) ([]*Record, error) {
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer cursor.Close(ctx)

	items := make([]*Record, 0)
	for cursor.Next(ctx) {
		var doc mongoRecordDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode record document: %w", err)
		}
		items = append(items, doc.record())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate records cursor: %w", err)
	}
	return items, nil
}
