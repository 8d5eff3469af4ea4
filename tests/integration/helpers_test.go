//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"factcache/internal/cache"
	"factcache/internal/catalog"
)

// API endpoints
const (
	factsPath   = "/v1/facts/"
	verifyPath  = "/admin/verify"
	recordsPath = "/admin/records/"
	healthPath  = "/health"
)

// lookupFact posts a fact lookup and returns the response.
func lookupFact(t *testing.T, serverURL, kind string, payload map[string]interface{}, fresh bool) *http.Response {
	t.Helper()
	url := serverURL + factsPath + kind
	if fresh {
		url += "?fresh=true"
	}
	return sendJSONRequest(t, url, payload, nil)
}

// sendJSONRequest sends a JSON POST request and returns the response.
func sendJSONRequest(t *testing.T, url string, payload interface{}, headers map[string]string) *http.Response {
	t.Helper()

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		require.NoError(t, err, "failed to marshal request payload")
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err, "failed to create request")

	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err, "failed to send request")

	return resp
}

// decodeJSON reads resp into v and closes the body.
func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer closeBody(resp)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

// closeBody is a helper to close response body in defer statements.
func closeBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

// clearTables removes cache entries and catalog records left by earlier tests.
func clearTables(t *testing.T, f *TestServerFixture) {
	t.Helper()
	ctx := context.Background()

	switch f.DBType {
	case "postgresql":
		for _, table := range []string{cache.TableName, catalog.TableName} {
			_, err := f.PgPool.Exec(ctx, "DELETE FROM "+table)
			require.NoError(t, err, "failed to clear %s", table)
		}
	case "mongodb":
		for _, coll := range []string{cache.TableName, catalog.TableName} {
			_, err := f.MongoDb.Collection(coll).DeleteMany(ctx, bson.D{})
			require.NoError(t, err, "failed to clear %s", coll)
		}
	}
}
