package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func TestNewUnknownType(t *testing.T) {
	_, err := New(context.Background(), Config{Type: "cassandra"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage type")
}

func TestNewBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "facts.bolt")
	store, err := New(context.Background(), Config{Type: TypeBolt, Bolt: BoltConfig{Path: path}})
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, TypeBolt, store.Type())
	assert.Nil(t, store.SQLiteDB())
	assert.Nil(t, store.PostgreSQLPool())
	assert.Nil(t, store.MongoDatabase())

	db := store.BoltDB()
	require.NotNil(t, db)
	require.NoError(t, db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("facts"))
		return err
	}))
}

func TestNewSQLiteAccessors(t *testing.T) {
	store, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "facts.db")})
	require.NoError(t, err)
	defer store.Close()

	assert.Equal(t, TypeSQLite, store.Type())
	assert.NotNil(t, store.SQLiteDB())
	assert.Nil(t, store.BoltDB())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, TypeSQLite, cfg.Type)
	assert.Equal(t, DefaultSQLitePath, cfg.SQLite.Path)
	assert.Equal(t, DefaultBoltPath, cfg.Bolt.Path)
	assert.Equal(t, DefaultDatabaseName, cfg.MongoDB.Database)
	assert.Equal(t, 10, cfg.PostgreSQL.MaxConns)
}
