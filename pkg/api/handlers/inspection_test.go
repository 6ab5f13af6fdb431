package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postJSON(t *testing.T, app interface {
	Test(*http.Request, ...int) (*http.Response, error)
}, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, _ := http.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	return doc
}

func TestCreateJobRejectsEmptyTests(t *testing.T) {
	env := setupTestEnv(t)
	handler := NewInspectionHandlers(env.Manager, nil)
	env.App.Post("/api/gpu-inspection/create-job", handler.CreateJob)

	resp := postJSON(t, env.App, "/api/gpu-inspection/create-job", map[string]any{
		"nodes": []map[string]any{{
			"host": "n1", "username": "ops",
			"auth": map[string]string{"type": "password", "value": "pw"},
		}},
		"tests": []string{},
	})
	assert.Equal(t, 400, resp.StatusCode)
	doc := decodeEnvelope(t, resp)
	assert.Equal(t, false, doc["success"])
}

func TestCreateGetAndListJob(t *testing.T) {
	env := setupTestEnv(t)
	env.Sessions["n1"] = &fakeSession{rules: []fakeRule{
		{match: "nvidia-smi -L", stdout: "GPU 0: NVIDIA H100 80GB HBM3\n"},
		{match: "p2pBandwidthLatencyTest", stdout: "Bidirectional P2P=Enabled Bandwidth Matrix (GB/s)\n   D\\D 0 1\n0 900.0 750.0\n1 751.0 901.0\nP2P=Disabled Latency Matrix\n"},
	}}
	handler := NewInspectionHandlers(env.Manager, nil)
	env.App.Post("/api/gpu-inspection/create-job", handler.CreateJob)
	env.App.Get("/api/gpu-inspection/job/:jobId", handler.GetJob)
	env.App.Get("/api/gpu-inspection/jobs", handler.ListJobs)

	resp := postJSON(t, env.App, "/api/gpu-inspection/create-job", map[string]any{
		"nodes": []map[string]any{{
			"host": "n1", "username": "ops",
			"auth": map[string]string{"type": "password", "value": "pw"},
		}},
		"tests": []string{"p2p"},
	})
	require.Equal(t, 200, resp.StatusCode)
	doc := decodeEnvelope(t, resp)
	jobID := doc["data"].(map[string]any)["jobId"].(string)
	require.NotEmpty(t, jobID)

	// Poll the read endpoint until the worker settles the job.
	deadline := time.Now().Add(5 * time.Second)
	var job map[string]any
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest("GET", "/api/gpu-inspection/job/"+jobID, nil)
		getResp, err := env.App.Test(req, -1)
		require.NoError(t, err)
		require.Equal(t, 200, getResp.StatusCode)
		job = decodeEnvelope(t, getResp)["data"].(map[string]any)
		if job["status"] == "completed" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, "completed", job["status"])

	nodes := job["nodes"].([]any)
	require.Len(t, nodes, 1)
	node := nodes[0].(map[string]any)
	assert.Equal(t, "passed", node["status"])
	assert.Equal(t, "H100", node["gpuType"])
	// Credentials must not appear anywhere in the payload.
	raw, _ := json.Marshal(job)
	assert.NotContains(t, string(raw), "pw")
	assert.NotContains(t, string(raw), "auth")

	req, _ := http.NewRequest("GET", "/api/gpu-inspection/jobs", nil)
	listResp, err := env.App.Test(req, -1)
	require.NoError(t, err)
	list := decodeEnvelope(t, listResp)["data"].([]any)
	assert.Len(t, list, 1)
}

func TestGetJobNotFound(t *testing.T) {
	env := setupTestEnv(t)
	handler := NewInspectionHandlers(env.Manager, nil)
	env.App.Get("/api/gpu-inspection/job/:jobId", handler.GetJob)

	req, _ := http.NewRequest("GET", "/api/gpu-inspection/job/missing", nil)
	resp, err := env.App.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestStopJobNotFound(t *testing.T) {
	env := setupTestEnv(t)
	handler := NewInspectionHandlers(env.Manager, nil)
	env.App.Post("/api/gpu-inspection/stop-job/:jobId", handler.StopJob)

	req, _ := http.NewRequest("POST", "/api/gpu-inspection/stop-job/missing", nil)
	resp, err := env.App.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestGetBenchmarksEndpoint(t *testing.T) {
	env := setupTestEnv(t)
	handler := NewBenchmarkHandlers(env.Catalog)
	env.App.Get("/api/config/gpu-benchmarks", handler.GetBenchmarks)

	req, _ := http.NewRequest("GET", "/api/config/gpu-benchmarks", nil)
	resp, err := env.App.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	data := decodeEnvelope(t, resp)["data"].(map[string]any)
	benchmarks := data["benchmarks"].(map[string]any)
	h100 := benchmarks["H100"].(map[string]any)
	assert.Equal(t, 139.0, h100["nccl"])
}
