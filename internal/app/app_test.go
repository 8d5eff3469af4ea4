package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factcache/config"
	"factcache/internal/catalog"
	"factcache/internal/core"
	"factcache/internal/verify"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Server: config.ServerConfig{BodySizeLimit: "1M"},
		Storage: config.StorageConfig{
			Type:   "sqlite",
			SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "facts.db")},
		},
		Cache: config.CacheConfig{
			Backend:      "storage",
			DefaultTTL:   time.Hour,
			Retention:    24 * time.Hour,
			GCInterval:   time.Hour,
			FetchTimeout: 5 * time.Second,
		},
		Kinds: map[string]config.KindConfig{
			"grants": {
				TTL:    time.Hour,
				Fields: []config.FieldConfig{{Name: "region", Type: config.FieldDiscrete}},
			},
		},
		Verify: config.VerifyConfig{
			Kind:          "verification",
			Deadline:      10 * time.Second,
			RecordTimeout: 2 * time.Second,
			Interval:      time.Millisecond,
			StaleDays:     30,
		},
	}
}

func stubFetcher(calls *atomic.Int32) core.Fetcher {
	return core.FetcherFunc(func(_ context.Context, kind string, _ core.Request) (*core.FetchResult, error) {
		calls.Add(1)
		if kind == "verification" {
			return &core.FetchResult{
				Payload:   json.RawMessage(`{"status":"closed","notes":"program ended"}`),
				Citations: []string{"https://example.org/notice"},
			}, nil
		}
		return &core.FetchResult{Payload: json.RawMessage(`{"grants":["a"]}`)}, nil
	})
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestAppServesFactsThroughCache(t *testing.T) {
	var calls atomic.Int32
	a, err := New(context.Background(), Config{AppConfig: testConfig(t), Fetcher: stubFetcher(&calls)})
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Shutdown(context.Background())) }()

	lookup := func() core.Result {
		req := httptest.NewRequest(http.MethodPost, "/v1/facts/grants", strings.NewReader(`{"region":"US"}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		a.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var res core.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		return res
	}

	first := lookup()
	assert.False(t, first.FromCache)
	assert.JSONEq(t, `{"grants":["a"]}`, string(first.Payload))

	second := lookup()
	assert.True(t, second.FromCache)
	assert.False(t, second.Stale)
	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAppVerifiesCatalogRecord(t *testing.T) {
	var calls atomic.Int32
	a, err := New(context.Background(), Config{AppConfig: testConfig(t), Fetcher: stubFetcher(&calls)})
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Shutdown(context.Background())) }()

	ctx := context.Background()
	require.NoError(t, a.Catalog().Upsert(ctx, &catalog.Record{
		ID:           "rec-1",
		Name:         "Seed Fund",
		Organization: "City Council",
		Region:       "US",
		URL:          "https://example.org/seed",
	}))

	req := httptest.NewRequest(http.MethodPost, "/admin/records/rec-1/verify", nil)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var report verify.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Succeeded)
	assert.Empty(t, report.Failed)

	got, err := a.Catalog().Get(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusClosed, got.VerifiedStatus)
	require.NotNil(t, got.LastAutoVerifiedAt)
	require.NotNil(t, got.VerificationNotes)
	assert.Equal(t, "program ended", *got.VerificationNotes)
	assert.Contains(t, got.VerificationSources, "https://example.org/notice")
}

func TestAppShutdownIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	a, err := New(context.Background(), Config{AppConfig: testConfig(t), Fetcher: stubFetcher(&calls)})
	require.NoError(t, err)

	require.NoError(t, a.Shutdown(context.Background()))
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Verify.Schedule = "not a cron spec"

	var calls atomic.Int32
	_, err := New(context.Background(), Config{AppConfig: cfg, Fetcher: stubFetcher(&calls)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to schedule background tasks")
}
