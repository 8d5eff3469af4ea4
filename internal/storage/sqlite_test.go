package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestSQLiteConcurrentWriteSafety(t *testing.T) {
	store, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create SQLite storage: %v", err)
	}
	defer store.Close()

	db := store.SQLiteDB()

	// Two tables stand in for the fact cache and the record catalog sharing one connection.
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS test_cache (id TEXT PRIMARY KEY, data TEXT)`)
	if err != nil {
		t.Fatalf("failed to create test_cache table: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS test_catalog (id TEXT PRIMARY KEY, data TEXT)`)
	if err != nil {
		t.Fatalf("failed to create test_catalog table: %v", err)
	}

	const goroutines = 10
	const insertsPerGoroutine = 50

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*insertsPerGoroutine*2)

	// Read-path upserts and batch verification writes land on different tables.
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			table := "test_cache"
			if id%2 == 1 {
				table = "test_catalog"
			}
			for j := 0; j < insertsPerGoroutine; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, err := db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)`, table),
					fmt.Sprintf("%d-%d", id, j), `{"businesses":[]}`)
				cancel()
				if err != nil {
					errs <- fmt.Errorf("goroutine %d insert %d into %s: %w", id, j, table, err)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent write error: %v", err)
	}

	// Verify all rows were inserted.
	var cacheCount, catalogCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM test_cache").Scan(&cacheCount); err != nil {
		t.Fatalf("failed to count cache rows: %v", err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM test_catalog").Scan(&catalogCount); err != nil {
		t.Fatalf("failed to count catalog rows: %v", err)
	}

	expectedPerTable := (goroutines / 2) * insertsPerGoroutine
	if cacheCount != expectedPerTable {
		t.Errorf("test_cache: got %d rows, want %d", cacheCount, expectedPerTable)
	}
	if catalogCount != expectedPerTable {
		t.Errorf("test_catalog: got %d rows, want %d", catalogCount, expectedPerTable)
	}
}
