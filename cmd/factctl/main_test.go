package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factcache/config"
	"factcache/internal/cache"
	"factcache/internal/catalog"
)

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "facts.db")
	t.Setenv("FACTCACHE_CONFIG", "")
	t.Setenv("STORAGE_TYPE", "sqlite")
	t.Setenv("SQLITE_PATH", dbPath)
	t.Setenv("CACHE_BACKEND", "storage")
	t.Setenv("LOG_FORMAT", "json")
	return dir
}

func TestRunRequiresCommand(t *testing.T) {
	err := run(context.Background(), nil, &bytes.Buffer{})
	require.Error(t, err)
}

func TestRunUnknownCommand(t *testing.T) {
	setupEnv(t)

	err := run(context.Background(), []string{"frobnicate"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestImportAndGC(t *testing.T) {
	dir := setupEnv(t)

	file := filepath.Join(dir, "records.json")
	require.NoError(t, os.WriteFile(file, []byte(`[
		{"id":"rec-2","name":"Green Grant","organization":"EU","region":"EU","url":"https://example.org/green"},
		{"id":"rec-1","name":"Seed Fund","organization":"City","region":"US","url":"https://example.org/seed"}
	]`), 0o644))

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"import", "-file=" + file}, &out))
	assert.JSONEq(t, `{"imported":2}`, out.String())

	cfg, err := config.Load()
	require.NoError(t, err)
	result, err := catalog.New(context.Background(), cache.BuildStorageConfig(cfg))
	require.NoError(t, err)
	records, err := result.Store.All(context.Background())
	require.NoError(t, err)
	require.NoError(t, result.Close())
	require.Len(t, records, 2)
	assert.Equal(t, "rec-1", records[0].ID)
	assert.Equal(t, catalog.StatusUnknown, records[0].VerifiedStatus)

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"gc"}, &out))
	assert.JSONEq(t, `{"removed":0}`, out.String())
}

func TestImportRequiresFile(t *testing.T) {
	setupEnv(t)

	err := run(context.Background(), []string{"import"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-file is required")
}

func TestVerifyRejectsMixedSelection(t *testing.T) {
	setupEnv(t)

	err := run(context.Background(), []string{"verify", "-all", "-ids=rec-1"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestSplitIDs(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitIDs(" a, ,b,"))
	assert.Nil(t, splitIDs(" , "))
}
