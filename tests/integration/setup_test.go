//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"factcache/config"
	"factcache/internal/app"
)

// verificationMarker appears only in the verification prompt, so the mock
// upstream can tell lookups and verifications apart.
const verificationMarker = "still open"

// TestServerConfig configures how the test server is set up.
type TestServerConfig struct {
	// DBType is either "postgresql" or "mongodb"
	DBType string

	// MasterKey sets the authentication master key (empty = unsafe mode)
	MasterKey string
}

// TestServerFixture holds test server resources.
type TestServerFixture struct {
	// ServerURL is the base URL of the test server
	ServerURL string

	// App is the running application
	App *app.App

	// Upstream is the mock fact provider
	Upstream *MockUpstream

	// PgPool is the PostgreSQL connection pool (for DB assertions)
	PgPool *pgxpool.Pool

	// MongoDb is the MongoDB database (for DB assertions)
	MongoDb *mongo.Database

	// DBType is the configured database type
	DBType string

	cancelFunc context.CancelFunc
}

// SetupTestServer creates a test server with the specified configuration.
func SetupTestServer(t *testing.T, cfg TestServerConfig) *TestServerFixture {
	t.Helper()

	ctx, cancel := context.WithCancel(GetTestContext())

	upstream := NewMockUpstream()

	port, err := findAvailablePort()
	require.NoError(t, err, "failed to find available port")

	appCfg := buildAppConfig(t, cfg, upstream.URL(), port)

	application, err := app.New(ctx, app.Config{AppConfig: appCfg})
	require.NoError(t, err, "failed to create app")

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", port)
	go func() {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		_ = application.Start(addr)
	}()

	err = waitForServer(serverURL + "/health")
	require.NoError(t, err, "server failed to become healthy")

	fixture := &TestServerFixture{
		ServerURL:  serverURL,
		App:        application,
		Upstream:   upstream,
		DBType:     cfg.DBType,
		cancelFunc: cancel,
	}

	switch cfg.DBType {
	case "postgresql":
		fixture.PgPool = GetPostgreSQLPool()
	case "mongodb":
		fixture.MongoDb = GetMongoDatabase()
	}

	return fixture
}

// Shutdown gracefully shuts down the test server.
func (f *TestServerFixture) Shutdown(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if f.App != nil {
		require.NoError(t, f.App.Shutdown(ctx), "failed to shutdown app")
	}
	if f.Upstream != nil {
		f.Upstream.Close()
	}
	if f.cancelFunc != nil {
		f.cancelFunc()
	}
}

// buildAppConfig creates an application config for testing.
func buildAppConfig(t *testing.T, cfg TestServerConfig, upstreamURL string, port int) *config.Config {
	t.Helper()

	appCfg := &config.Config{
		Server: config.ServerConfig{
			Port:          fmt.Sprintf("%d", port),
			MasterKey:     cfg.MasterKey,
			BodySizeLimit: "1M",
		},
		Cache: config.CacheConfig{
			Backend:      "storage",
			DefaultTTL:   time.Hour,
			Retention:    24 * time.Hour,
			GCInterval:   time.Hour,
			FetchTimeout: 10 * time.Second,
		},
		Kinds: map[string]config.KindConfig{
			"grants": {
				TTL:    time.Hour,
				Prompt: "List grants in {{region}} for {{sector}} needing {{amount}}.",
				Fields: []config.FieldConfig{
					{Name: "region", Type: config.FieldDiscrete},
					{Name: "sector", Type: config.FieldText},
					{Name: "amount", Type: config.FieldRange, Bands: []float64{0, 5000, 25000}},
				},
			},
			"verification": {
				Prompt: "Is {{name}} by {{organization}} " + verificationMarker + "?",
			},
		},
		Upstream: config.UpstreamConfig{
			BaseURL: upstreamURL + "/v1",
			APIKey:  "sk-test-key",
			Model:   "test-model",
			Timeout: 10 * time.Second,
		},
		Verify: config.VerifyConfig{
			Kind:          "verification",
			Deadline:      30 * time.Second,
			RecordTimeout: 5 * time.Second,
			Interval:      time.Millisecond,
			StaleDays:     30,
		},
	}

	switch cfg.DBType {
	case "postgresql":
		appCfg.Storage = config.StorageConfig{
			Type: "postgresql",
			PostgreSQL: config.PostgreSQLConfig{
				URL:      GetPostgreSQLURL(),
				MaxConns: 5,
			},
		}
	case "mongodb":
		appCfg.Storage = config.StorageConfig{
			Type: "mongodb",
			MongoDB: config.MongoDBConfig{
				URL:      GetMongoURL(),
				Database: "factcache_test",
			},
		}
	default:
		t.Fatalf("unsupported DB type: %s", cfg.DBType)
	}

	require.NoError(t, appCfg.Validate())
	return appCfg
}

// waitForServer waits for the server to become healthy.
func waitForServer(healthURL string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	for i := 0; i < 50; i++ {
		resp, err := client.Get(healthURL)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("server did not become healthy within timeout")
}

// findAvailablePort finds an available TCP port on loopback.
func findAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = listener.Close() }()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// MockUpstream is an OpenAI-compatible chat completions server answering
// with canned facts.
type MockUpstream struct {
	server *httptest.Server
	calls  atomic.Int32
	fail   atomic.Bool
}

// NewMockUpstream creates a new mock upstream server.
func NewMockUpstream() *MockUpstream {
	m := &MockUpstream{}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the server URL.
func (m *MockUpstream) URL() string {
	return m.server.URL
}

// Calls returns how many chat completions were served.
func (m *MockUpstream) Calls() int {
	return int(m.calls.Load())
}

// SetFailing makes every following request fail with 503.
func (m *MockUpstream) SetFailing(fail bool) {
	m.fail.Store(fail)
}

// Close shuts down the server.
func (m *MockUpstream) Close() {
	m.server.Close()
}

func (m *MockUpstream) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/chat/completions" {
		http.NotFound(w, r)
		return
	}
	m.calls.Add(1)
	if m.fail.Load() {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
		return
	}

	body, _ := io.ReadAll(r.Body)
	var req struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	_ = json.Unmarshal(body, &req)

	prompt := ""
	for _, msg := range req.Messages {
		if msg.Role == "user" {
			prompt = msg.Content
		}
	}

	content := `{"grants":[{"name":"Seed Fund"}]}`
	if strings.Contains(prompt, verificationMarker) {
		content = `{"status":"closed","notes":"applications closed","sources":["https://example.org/closed"]}`
	}

	resp := map[string]interface{}{
		"id":     "chatcmpl-test",
		"object": "chat.completion",
		"model":  "test-model",
		"choices": []map[string]interface{}{{
			"index": 0,
			"message": map[string]interface{}{
				"role":    "assistant",
				"content": content,
				"annotations": []map[string]interface{}{{
					"type":         "url_citation",
					"url_citation": map[string]string{"url": "https://example.org/source"},
				}},
			},
			"finish_reason": "stop",
		}},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
