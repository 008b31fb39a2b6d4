// Package metrics exposes the gateway's request/backend counters two ways:
// a Prometheus registry for scraping, and a JSON worker-stats snapshot
// handler served on the metrics listener.
package metrics

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loadbalancer/internal/pool"
)

// Low-cardinality proxy-side metrics, labeled by backend id rather than by
// request path to keep the label space bounded.
var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total proxied responses by backend, method and status",
		},
		[]string{"backend", "method", "status"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "End-to-end proxied request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "method"},
	)
	backendUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_backend_up",
			Help: "1 if the backend is selectable (healthy and not blocked), else 0",
		},
		[]string{"backend"},
	)
	backendActiveConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_backend_active_connections",
			Help: "In-flight requests currently routed to the backend",
		},
		[]string{"backend"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, backendUp, backendActiveConns)
}

// ObserveRequest records one completed proxied request against backend.
func ObserveRequest(backend, method string, status int, dur time.Duration) {
	requestsTotal.WithLabelValues(backend, method, strconv.Itoa(status)).Inc()
	requestDuration.WithLabelValues(backend, method).Observe(dur.Seconds())
}

// SetBackendUp updates the backend_up gauge for backend.
func SetBackendUp(backend string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	backendUp.WithLabelValues(backend).Set(v)
}

// SetActiveConnections updates the in-flight gauge for backend.
func SetActiveConnections(backend string, n int64) {
	backendActiveConns.WithLabelValues(backend).Set(float64(n))
}

// Collector owns the worker-stats JSON endpoint described by the gateway's
// external interfaces: worker pid, requests handled, server pool summary,
// process uptime and current memory usage.
type Collector struct {
	pool  *pool.Pool
	start time.Time
}

// NewCollector builds a Collector reading live state from p.
func NewCollector(p *pool.Pool, start time.Time) *Collector {
	return &Collector{pool: p, start: start}
}

type serverSnapshot struct {
	ID                string `json:"id"`
	Healthy           bool   `json:"healthy"`
	Weight            int    `json:"weight"`
	ActiveConnections int64  `json:"activeConnections"`
}

type serverPoolSnapshot struct {
	TotalServers           int              `json:"totalServers"`
	HealthyServers         int              `json:"healthyServers"`
	UnhealthyServers       int              `json:"unhealthyServers"`
	LoadBalancingAlgorithm string           `json:"loadBalancingAlgorithm"`
	Servers                []serverSnapshot `json:"servers"`
}

type workerStats struct {
	WorkerPid       int                `json:"workerPid"`
	RequestsHandled int64              `json:"requestsHandled"`
	ServerPool      serverPoolSnapshot `json:"serverPool"`
	UptimeSeconds   float64            `json:"uptimeSeconds"`
	MemoryUsage     uint64             `json:"memoryUsage"`
}

// Snapshot builds the worker-stats payload from the current pool state.
func (c *Collector) Snapshot() workerStats {
	snap := c.pool.Snapshot()

	var requestsHandled int64
	servers := make([]serverSnapshot, len(snap.Servers))
	for i, b := range snap.Servers {
		requestsHandled += b.TotalRequests
		servers[i] = serverSnapshot{
			ID:                b.ID,
			Healthy:           b.Healthy && !b.Blocked,
			Weight:            b.Weight,
			ActiveConnections: b.ActiveConns,
		}
		SetBackendUp(b.ID, b.Healthy && !b.Blocked)
		SetActiveConnections(b.ID, b.ActiveConns)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return workerStats{
		WorkerPid:       os.Getpid(),
		RequestsHandled: requestsHandled,
		ServerPool: serverPoolSnapshot{
			TotalServers:           snap.TotalServers,
			HealthyServers:         snap.HealthyServers,
			UnhealthyServers:       snap.UnhealthyServers,
			LoadBalancingAlgorithm: snap.Algorithm,
			Servers:                servers,
		},
		UptimeSeconds: time.Since(c.start).Seconds(),
		MemoryUsage:   mem.Alloc,
	}
}

// SnapshotHandler serves the JSON worker-stats payload at the configured
// metrics endpoint.
func (c *Collector) SnapshotHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c.Snapshot()) //nolint:errcheck
}

// Handler returns the route table for the metrics listener: the Prometheus
// scrape endpoint and the JSON worker-stats endpoint.
func (c *Collector) Handler(jsonEndpoint string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc(jsonEndpoint, c.SnapshotHandler)
	return mux
}
