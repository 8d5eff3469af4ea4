package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	bolt "go.etcd.io/bbolt"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// boltStorage implements Storage for an embedded bbolt file
type boltStorage struct {
	db *bolt.DB
}

// NewBolt opens (or creates) a bbolt database file.
// bbolt takes an exclusive file lock, so only one process may open the path.
func NewBolt(cfg BoltConfig) (Storage, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultBoltPath
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	return &boltStorage{db: db}, nil
}

func (s *boltStorage) Type() string {
	return TypeBolt
}

func (s *boltStorage) SQLiteDB() *sql.DB {
	return nil
}

func (s *boltStorage) PostgreSQLPool() *pgxpool.Pool {
	return nil
}

func (s *boltStorage) MongoDatabase() *mongo.Database {
	return nil
}

func (s *boltStorage) BoltDB() *bolt.DB {
	return s.db
}

func (s *boltStorage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying *bolt.DB for direct access
func (s *boltStorage) DB() *bolt.DB {
	return s.db
}
