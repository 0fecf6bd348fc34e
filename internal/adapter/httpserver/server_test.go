package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/workspace-broker/internal/adapter/broker/inmemory"
	"github.com/fairyhunter13/workspace-broker/internal/config"
	"github.com/fairyhunter13/workspace-broker/internal/usecase"
)

func newTestServer(t *testing.T) (*Server, *inmemory.Broker) {
	t.Helper()
	cfg := config.Config{
		AppEnv:                "test",
		TaskTimeout:           time.Minute,
		ConsumerSetupRetries:  3,
		ConsumerSetupBaseWait: time.Millisecond,
		HealthCheckInterval:   time.Minute,
		HealthCheckTimeout:    time.Second,
	}
	b := inmemory.NewBroker(config.DefaultTopology("", ""))
	sched := usecase.NewScheduler(cfg, b, nil)
	require.NoError(t, sched.Start(t.Context()))
	t.Cleanup(sched.Stop)
	integ := usecase.NewIntegrator(cfg, b, "broker")
	t.Cleanup(integ.Stop)
	return NewServer(cfg, b, sched, integ, nil), b
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Readyz(t *testing.T) {
	t.Parallel()
	s, b := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	b.SetReady(false)
	rec = doRequest(t, s, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_ScheduleAndInspectTask(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	body := `{"type":"generate","inputs":["draft"],"node_id":"n1","project_id":"p1","user_id":"u1","priority":"high"}`
	rec := doRequest(t, s, http.MethodPost, "/api/tasks", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	taskID := resp["task_id"]
	require.True(t, strings.HasPrefix(taskID, "task-"))

	rec = doRequest(t, s, http.MethodGet, "/api/tasks/"+taskID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queued"`)

	rec = doRequest(t, s, http.MethodGet, "/api/tasks/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), taskID)

	rec = doRequest(t, s, http.MethodPost, "/api/tasks/"+taskID+"/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/tasks/"+taskID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ScheduleValidation(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/tasks", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Missing inputs violates the task contract.
	rec = doRequest(t, s, http.MethodPost, "/api/tasks", `{"type":"generate","node_id":"n1","project_id":"p1","user_id":"u1"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestServer_CancelUnknownTask(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/api/tasks/task-missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Stats(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Contains(t, resp, "scheduler")
	assert.Contains(t, resp, "services")
}

func TestServer_Services(t *testing.T) {
	t.Parallel()
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/services", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "engine-results-to-realtime")
}
