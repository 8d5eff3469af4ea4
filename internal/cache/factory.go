package cache

import (
	"context"
	"errors"
	"fmt"

	"factcache/config"
	"factcache/internal/storage"
)

// Result holds the initialized cache store and optional owned storage.
type Result struct {
	Store   Store
	Storage storage.Storage
}

// Close releases resources held by the cache store.
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

// New creates a cache store from app configuration. For the "storage"
// backend it opens its own database connection, owned by the Result.
func New(ctx context.Context, cfg *config.Config) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Cache.Backend != BackendStorage && cfg.Cache.Backend != "" {
		store, err := newStandalone(cfg)
		if err != nil {
			return nil, err
		}
		return &Result{Store: store}, nil
	}

	store, err := storage.New(ctx, BuildStorageConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}
	cacheStore, err := createStore(ctx, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &Result{Store: cacheStore, Storage: store}, nil
}

// NewWithSharedStorage creates a cache store using a shared storage
// connection. Backends other than "storage" ignore the shared connection.
func NewWithSharedStorage(ctx context.Context, cfg *config.Config, shared storage.Storage) (*Result, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Cache.Backend != BackendStorage && cfg.Cache.Backend != "" {
		store, err := newStandalone(cfg)
		if err != nil {
			return nil, err
		}
		return &Result{Store: store}, nil
	}
	if shared == nil {
		return nil, fmt.Errorf("shared storage is required")
	}
	cacheStore, err := createStore(ctx, shared)
	if err != nil {
		return nil, err
	}
	return &Result{Store: cacheStore}, nil
}

func newStandalone(cfg *config.Config) (Store, error) {
	switch cfg.Cache.Backend {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendLocal:
		return NewLocalStore(cfg.Cache.LocalPath)
	case BackendRedis:
		return NewRedisStore(RedisConfig{
			URL:       cfg.Cache.Redis.URL,
			Prefix:    cfg.Cache.Redis.Prefix,
			Retention: cfg.Cache.Retention,
		})
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Cache.Backend)
	}
}

// BuildStorageConfig maps the storage section onto storage.Config.
func BuildStorageConfig(cfg *config.Config) storage.Config {
	storageCfg := storage.Config{
		Type: cfg.Storage.Type,
		SQLite: storage.SQLiteConfig{
			Path: cfg.Storage.SQLite.Path,
		},
		PostgreSQL: storage.PostgreSQLConfig{
			URL:      cfg.Storage.PostgreSQL.URL,
			MaxConns: cfg.Storage.PostgreSQL.MaxConns,
		},
		MongoDB: storage.MongoDBConfig{
			URL:      cfg.Storage.MongoDB.URL,
			Database: cfg.Storage.MongoDB.Database,
		},
		Bolt: storage.BoltConfig{
			Path: cfg.Storage.Bolt.Path,
		},
	}

	if storageCfg.Type == "" {
		storageCfg.Type = storage.TypeSQLite
	}
	if storageCfg.SQLite.Path == "" {
		storageCfg.SQLite.Path = storage.DefaultSQLitePath
	}
	if storageCfg.MongoDB.Database == "" {
		storageCfg.MongoDB.Database = storage.DefaultDatabaseName
	}
	return storageCfg
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
