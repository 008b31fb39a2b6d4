package metrics_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loadbalancer/internal/metrics"
	"loadbalancer/internal/pool"
)

func TestCollector_Snapshot_MatchesShape(t *testing.T) {
	p, err := pool.New("round_robin", []pool.BackendSpec{
		{Host: "a", Port: 8080, Weight: 1},
		{Host: "b", Port: 8081, Weight: 2},
	})
	require.NoError(t, err)
	p.MarkUnhealthy("b:8081", "probe failed")

	start := time.Now().Add(-5 * time.Second)
	c := metrics.NewCollector(p, start)

	snap := c.Snapshot()
	assert.Equal(t, os.Getpid(), snap.WorkerPid)
	assert.Equal(t, 2, snap.ServerPool.TotalServers)
	assert.Equal(t, 1, snap.ServerPool.HealthyServers)
	assert.Equal(t, 1, snap.ServerPool.UnhealthyServers)
	assert.Equal(t, "round_robin", snap.ServerPool.LoadBalancingAlgorithm)
	assert.GreaterOrEqual(t, snap.UptimeSeconds, 5.0)
	assert.Greater(t, snap.MemoryUsage, uint64(0))
	require.Len(t, snap.ServerPool.Servers, 2)
}

func TestCollector_SnapshotHandler_ReturnsValidJSON(t *testing.T) {
	p, err := pool.New("round_robin", []pool.BackendSpec{{Host: "a", Port: 8080, Weight: 1}})
	require.NoError(t, err)
	c := metrics.NewCollector(p, time.Now())

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	c.SnapshotHandler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Contains(t, body, "workerPid")
	assert.Contains(t, body, "requestsHandled")
	assert.Contains(t, body, "serverPool")
	assert.Contains(t, body, "uptimeSeconds")
	assert.Contains(t, body, "memoryUsage")
}

func TestCollector_Handler_ServesPrometheusAndJSON(t *testing.T) {
	p, err := pool.New("round_robin", []pool.BackendSpec{{Host: "a", Port: 8080, Weight: 1}})
	require.NoError(t, err)
	c := metrics.NewCollector(p, time.Now())
	srv := httptest.NewServer(c.Handler("/stats"))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestObserveRequest_DoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		metrics.ObserveRequest("a:8080", "GET", 200, 10*time.Millisecond)
		metrics.SetBackendUp("a:8080", true)
		metrics.SetActiveConnections("a:8080", 3)
	})
}
