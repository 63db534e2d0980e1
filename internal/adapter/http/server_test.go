package http_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpadapter "github.com/couchcryptid/point-verif/internal/adapter/http"
	"github.com/couchcryptid/point-verif/internal/pipeline"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockStatus struct {
	status pipeline.Status
}

func (m mockStatus) Status() pipeline.Status { return m.status }

func newTestServer(readyErr error) *httpadapter.Server {
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, mockStatus{}, slog.Default())
}

func get(srv *httpadapter.Server, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthzReturns200(t *testing.T) {
	rec := get(newTestServer(nil), "/healthz")

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	rec := get(newTestServer(nil), "/readyz")

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	rec := get(newTestServer(errors.New("verifier has not processed any chunks yet")), "/readyz")

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "verifier has not processed any chunks yet", body["error"])
}

func TestChecksStopAtFirstFailure(t *testing.T) {
	dbDown := errors.New("database unreachable")
	checks := httpadapter.Checks{&mockReadiness{}, &mockReadiness{err: dbDown}, &mockReadiness{err: errors.New("later")}}
	assert.ErrorIs(t, checks.CheckReadiness(context.Background()), dbDown)
	assert.NoError(t, httpadapter.Checks{}.CheckReadiness(context.Background()))
}

func TestMetricsEndpoint(t *testing.T) {
	rec := get(newTestServer(nil), "/metrics")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStatusEndpoint(t *testing.T) {
	started := time.Date(2024, 3, 2, 6, 0, 0, 0, time.UTC)
	srv := httpadapter.NewServer(":0", &mockReadiness{}, mockStatus{status: pipeline.Status{
		RunID:      "run-1",
		Running:    true,
		Parameter:  "T2m",
		Iterations: 4,
		Completed:  2,
		Skipped:    1,
		StartedAt:  started,
	}}, slog.Default())

	rec := get(srv, "/status")

	assert.Equal(t, http.StatusOK, rec.Code)
	var body pipeline.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "run-1", body.RunID)
	assert.True(t, body.Running)
	assert.Equal(t, 4, body.Iterations)
	assert.Equal(t, started, body.StartedAt)
	assert.NotContains(t, rec.Body.String(), "finished_at")
}
