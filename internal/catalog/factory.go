package catalog

import (
	"context"
	"errors"
	"fmt"

	"factcache/internal/storage"
)

// Result holds the initialized catalog store and optional owned storage.
type Result struct {
	Store   Store
	Storage storage.Storage
}

// Close releases resources held by the catalog store.
func (r *Result) Close() error {
	var errs []error
	if r.Store != nil {
		if err := r.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close: %w", err))
		}
	}
	if r.Storage != nil {
		if err := r.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}

// New opens its own storage connection and creates a catalog store on it.
func New(ctx context.Context, cfg storage.Config) (*Result, error) {
	store, err := storage.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	catalogStore, err := createStore(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &Result{
		Store:   catalogStore,
		Storage: store,
	}, nil
}

// NewWithSharedStorage creates a catalog store using a shared storage connection.
func NewWithSharedStorage(ctx context.Context, shared storage.Storage) (*Result, error) {
	if shared == nil {
		return nil, fmt.Errorf("shared storage is required")
	}
	catalogStore, err := createStore(ctx, shared)
	if err != nil {
		return nil, err
	}
	return &Result{
		Store: catalogStore,
	}, nil
}

func createStore(ctx context.Context, store storage.Storage) (Store, error) {
	switch store.Type() {
	case storage.TypeSQLite:
		return NewSQLiteStore(store.SQLiteDB())
	case storage.TypePostgreSQL:
		pool := store.PostgreSQLPool()
		if pool == nil {
			return nil, fmt.Errorf("PostgreSQL pool is nil")
		}
		return NewPostgreSQLStore(ctx, pool)
	case storage.TypeMongoDB:
		db := store.MongoDatabase()
		if db == nil {
			return nil, fmt.Errorf("MongoDB database is nil")
		}
		return NewMongoDBStore(db)
	case storage.TypeBolt:
		db := store.BoltDB()
		if db == nil {
			return nil, fmt.Errorf("bolt database is nil")
		}
		return NewBoltStore(db)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", store.Type())
	}
}
