//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"factcache/internal/catalog"
	"factcache/internal/scheduler"
	"factcache/internal/verify"
	"factcache/tests/integration/dbassert"
)

func seedRecords(t *testing.T, f *TestServerFixture, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.App.Catalog().Upsert(context.Background(), &catalog.Record{
			ID:           id,
			Name:         "Program " + id,
			Organization: "City Council",
			Region:       "US",
			URL:          "https://example.org/" + id,
		}))
	}
}

func queryRecord(t *testing.T, f *TestServerFixture, id string) dbassert.RecordRow {
	t.Helper()
	if f.DBType == "postgresql" {
		return dbassert.QueryRecordPG(t, f.PgPool, id)
	}
	return dbassert.QueryRecordMongo(t, f.MongoDb, id)
}

func TestVerifySweepWritesRecords(t *testing.T) {
	for _, dbType := range []string{"postgresql", "mongodb"} {
		t.Run(dbType, func(t *testing.T) {
			fixture := SetupTestServer(t, TestServerConfig{DBType: dbType})
			defer fixture.Shutdown(t)
			clearTables(t, fixture)
			seedRecords(t, fixture, "rec-a", "rec-b")

			resp := sendJSONRequest(t, fixture.ServerURL+verifyPath, map[string]interface{}{
				"ids": []string{"rec-a", "rec-missing"},
			}, nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var report verify.Report
			decodeJSON(t, resp, &report)
			assert.Equal(t, 2, report.TotalSelected)
			assert.Equal(t, 1, report.Succeeded)
			require.Len(t, report.Failed, 1)
			assert.Equal(t, "rec-missing", report.Failed[0].ID)
			assert.False(t, report.TimedOut)

			verified := queryRecord(t, fixture, "rec-a")
			assert.Equal(t, catalog.StatusClosed, verified.VerifiedStatus)
			require.NotNil(t, verified.VerificationNotes)
			assert.Equal(t, "applications closed", *verified.VerificationNotes)
			assert.ElementsMatch(t, []string{"https://example.org/closed", "https://example.org/source"}, verified.VerificationSources)
			require.NotNil(t, verified.LastAutoVerifiedAt)

			untouched := queryRecord(t, fixture, "rec-b")
			assert.Equal(t, catalog.StatusUnknown, untouched.VerifiedStatus)
			assert.Nil(t, untouched.LastAutoVerifiedAt)

			// A stale sweep only picks the record never verified.
			calls := fixture.Upstream.Calls()
			resp = sendJSONRequest(t, fixture.ServerURL+verifyPath, map[string]interface{}{"stale_days": 30}, nil)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			decodeJSON(t, resp, &report)
			assert.Equal(t, 1, report.TotalSelected)
			assert.Equal(t, calls+1, fixture.Upstream.Calls())
		})
	}
}

func TestVerifyAsyncJob(t *testing.T) {
	fixture := SetupTestServer(t, TestServerConfig{DBType: "postgresql"})
	defer fixture.Shutdown(t)
	clearTables(t, fixture)
	seedRecords(t, fixture, "rec-1", "rec-2", "rec-3")

	resp := sendJSONRequest(t, fixture.ServerURL+verifyPath+"?async=true", map[string]interface{}{"all": true}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var accepted struct {
		JobID string `json:"job_id"`
	}
	decodeJSON(t, resp, &accepted)
	require.NotEmpty(t, accepted.JobID)

	var job scheduler.Job
	require.Eventually(t, func() bool {
		resp, err := http.Get(fixture.ServerURL + verifyPath + "/jobs/" + accepted.JobID)
		if err != nil {
			return false
		}
		defer closeBody(resp)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return false
		}
		return job.Status == scheduler.JobCompleted
	}, 10*time.Second, 50*time.Millisecond)

	require.NotNil(t, job.Report)
	assert.Equal(t, 3, job.Report.Succeeded)
	for _, id := range []string{"rec-1", "rec-2", "rec-3"} {
		assert.Equal(t, catalog.StatusClosed, queryRecord(t, fixture, id).VerifiedStatus)
	}
}

func TestVerifySingleRecord(t *testing.T) {
	fixture := SetupTestServer(t, TestServerConfig{DBType: "mongodb"})
	defer fixture.Shutdown(t)
	clearTables(t, fixture)
	seedRecords(t, fixture, "rec-x")

	resp := sendJSONRequest(t, fixture.ServerURL+recordsPath+"rec-x/verify", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var report verify.Report
	decodeJSON(t, resp, &report)
	assert.Equal(t, 1, report.Succeeded)

	resp = sendJSONRequest(t, fixture.ServerURL+recordsPath+"rec-unknown/verify", nil, nil)
	closeBody(resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
