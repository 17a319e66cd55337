package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalalune/babylon-train/internal/backend"
	"github.com/lalalune/babylon-train/internal/config"
	"github.com/lalalune/babylon-train/internal/converter"
	"github.com/lalalune/babylon-train/internal/httpserver"
	"github.com/lalalune/babylon-train/internal/judge"
	"github.com/lalalune/babylon-train/internal/models"
	"github.com/lalalune/babylon-train/internal/outcome"
	"github.com/lalalune/babylon-train/internal/reader"
	"github.com/lalalune/babylon-train/internal/recorder"
	"github.com/lalalune/babylon-train/internal/registry"
	"github.com/lalalune/babylon-train/internal/store"
	"github.com/lalalune/babylon-train/internal/trainer"
)

func newTestServer(t *testing.T, authToken string) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	cfg := config.Config{LineageID: "babylon-agent", BaseModel: "qwen3-14b", AuthToken: authToken}
	rec := recorder.New(st, time.Hour)
	tracker := outcome.NewTracker(st)
	rd := reader.New(st, tracker, reader.Config{MinGroupSize: 2})
	conv := converter.New(converter.Config{TargetCount: 8, MaxDropoutRate: 0.5})
	orch := trainer.New(trainer.Config{
		LineageID:         "babylon-agent",
		BaseModel:         "qwen3-14b",
		MinTrajectories:   3,
		MinScenarioGroups: 1,
		MinGroupSize:      2,
	}, st, rd, conv, judge.NewHeuristicClient(), backend.NewFakeBackend(), registry.New(st), nil, nil)

	server := httptest.NewServer(httpserver.New(cfg, st, rec, tracker, registry.New(st), orch).Router())
	t.Cleanup(server.Close)
	return server, st
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestTrajectoryLifecycleOverHTTP(t *testing.T) {
	server, _ := newTestServer(t, "")

	resp := postJSON(t, server.URL+"/agents", map[string]string{"id": "agent-1", "name": "Agent One"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	var traj models.Trajectory
	resp = postJSON(t, server.URL+"/trajectories", map[string]interface{}{
		"agentId":   "agent-1",
		"startTime": "2025-05-01T10:42:00Z",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	decode(t, resp, &traj)
	assert.Equal(t, "2025-05-01T10:00", traj.WindowID)

	resp = postJSON(t, fmt.Sprintf("%s/trajectories/%s/steps", server.URL, traj.ID), models.TrajectoryStep{
		Index:     0,
		Timestamp: time.Date(2025, 5, 1, 10, 43, 0, 0, time.UTC),
		LLMCalls:  []models.LLMCall{{UserPrompt: "state", Response: "hold"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, fmt.Sprintf("%s/trajectories/%s/finalize", server.URL, traj.ID), map[string]float64{"finalReward": 0.9})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var finalized models.Trajectory
	decode(t, resp, &finalized)
	assert.Equal(t, models.TrajectoryFinalized, finalized.Status)
	assert.True(t, finalized.Valid)

	resp, err := http.Get(fmt.Sprintf("%s/trajectories/%s", server.URL, traj.ID))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestErrorMapping(t *testing.T) {
	server, _ := newTestServer(t, "")

	// Unknown agent is a caller mistake.
	resp := postJSON(t, server.URL+"/trajectories", map[string]string{"agentId": "ghost"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Unknown trajectory id is not found.
	resp, err := http.Get(server.URL + "/trajectories/6fa459ea-ee8a-3ca4-894e-db77e160355e")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Writes after finalize conflict.
	postJSON(t, server.URL+"/agents", map[string]string{"id": "agent-1"}).Body.Close()
	var traj models.Trajectory
	resp = postJSON(t, server.URL+"/trajectories", map[string]string{"agentId": "agent-1"})
	decode(t, resp, &traj)
	postJSON(t, fmt.Sprintf("%s/trajectories/%s/finalize", server.URL, traj.ID), map[string]float64{}).Body.Close()
	resp = postJSON(t, fmt.Sprintf("%s/trajectories/%s/steps", server.URL, traj.ID), models.TrajectoryStep{Index: 0, Timestamp: time.Now().UTC()})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestOutcomeEndpoints(t *testing.T) {
	server, _ := newTestServer(t, "")

	req, err := http.NewRequest(http.MethodPut, server.URL+"/windows/2025-05-01T10:00/outcome", bytes.NewReader([]byte(`{
		"stocks": {"TECH": {"ticker": "TECH", "startPrice": 100, "endPrice": 110, "changePercent": 10}}
	}`)))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(server.URL + "/windows/2025-05-01T10:00/outcome")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out models.WindowOutcome
	decode(t, resp, &out)
	assert.Equal(t, "2025-05-01T10:00", out.WindowID)
	assert.Equal(t, 110.0, out.Stocks["TECH"].EndPrice)

	resp, err = http.Get(server.URL + "/windows/2099-01-01T00:00/outcome")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestReadinessAndStatusEndpoints(t *testing.T) {
	server, _ := newTestServer(t, "")

	resp, err := http.Get(server.URL + "/training/readiness")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var readiness trainer.Readiness
	decode(t, resp, &readiness)
	assert.False(t, readiness.Ready)
	assert.NotEmpty(t, readiness.Reasons)

	resp, err = http.Get(server.URL + "/training/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status trainer.Status
	decode(t, resp, &status)
	assert.Equal(t, "babylon-agent", status.LineageID)
}

func TestListBatchesEndpoint(t *testing.T) {
	server, st := newTestServer(t, "")

	resp, err := http.Get(server.URL + "/training/batches")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var batches []models.TrainingBatch
	decode(t, resp, &batches)
	assert.Empty(t, batches)

	_, err = st.CreateBatch(context.Background(), models.TrainingBatch{
		LineageID: "babylon-agent",
		Status:    models.BatchCompleted,
	})
	require.NoError(t, err)

	resp, err = http.Get(server.URL + "/training/batches")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &batches)
	require.Len(t, batches, 1)
	assert.Equal(t, models.BatchCompleted, batches[0].Status)

	resp, err = http.Get(server.URL + "/training/batches?limit=bogus")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestWriteAuthGuardsMutations(t *testing.T) {
	server, _ := newTestServer(t, "secret")

	resp := postJSON(t, server.URL+"/agents", map[string]string{"id": "agent-1"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodPost, server.URL+"/agents", bytes.NewReader([]byte(`{"id":"agent-1"}`)))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Reads stay open.
	resp, err = http.Get(server.URL + "/training/readiness")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, "")
	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, true, body["ok"])
}
