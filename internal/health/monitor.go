// Package health implements active health checking for upstream backends.
// A Monitor runs in the background and periodically probes each backend
// with a configurable method, path, expected status, and optional body
// substring. Health transitions are reported through internal/pool, which
// is the sole owner of each Backend's health flag.
//
// Passive (fast-path) health checks — marking a backend unhealthy
// immediately after a proxy dial/timeout error — are handled inside
// internal/proxy; this package only covers active probing.
package health

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"loadbalancer/internal/pool"
)

// Config holds the parameters for the health monitor.
type Config struct {
	Enabled             bool
	Interval            time.Duration
	Timeout             time.Duration
	Path                string // e.g. "/healthz"
	Method              string // e.g. "GET"; defaults to GET
	ExpectStatus        int    // defaults to 200
	ExpectBodySubstring string // optional; checked only if non-empty
}

func (c Config) method() string {
	if c.Method == "" {
		return http.MethodGet
	}
	return c.Method
}

func (c Config) expectStatus() int {
	if c.ExpectStatus == 0 {
		return http.StatusOK
	}
	return c.ExpectStatus
}

// Monitor periodically probes all pool backends and reports health
// transitions back through the pool. Safe to Start/Stop repeatedly;
// Start is idempotent and restarts the timer if already running.
type Monitor struct {
	pool   *pool.Pool
	cfg    Config
	client *http.Client

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Monitor but does not start it; call Start to begin probing.
func New(p *pool.Pool, cfg Config) *Monitor {
	return &Monitor{
		pool:   p,
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// Start begins the background health-check loop, firing one sweep
// immediately so backends are classified quickly at startup. Calling
// Start while already running stops the previous timer first.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		m.wg.Wait()
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.probeAll(ctx) // immediate check on startup

		for {
			select {
			case <-ticker.C:
				m.probeAll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the timer and, because every in-flight probe request carries
// the same context, aborts those requests too — so the wait below returns
// as soon as the cancelled requests unwind rather than after their timeout.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// probeAll checks every backend concurrently and waits for all to finish
// before returning — the post-sweep point described in the gateway's
// health-check contract, after which routing reflects the latest sweep.
func (m *Monitor) probeAll(ctx context.Context) {
	backends := m.pool.Backends()

	var wg sync.WaitGroup
	for _, b := range backends {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			m.probe(ctx, id)
		}(b.ID)
	}
	wg.Wait()
}

// probe sends a single request to one backend and reports the outcome
// through pool.SetHealthy, which performs the actual flip-and-log and,
// since it changes the underlying flag, rebuilds the weighted sequence.
func (m *Monitor) probe(ctx context.Context, id string) {
	b, ok := m.pool.GetByID(id)
	if !ok {
		return
	}

	target := b.BaseURL() + m.cfg.Path
	req, err := http.NewRequestWithContext(ctx, m.cfg.method(), target, nil)
	if err != nil {
		m.pool.SetHealthy(id, false, err.Error())
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.pool.SetHealthy(id, false, "probe error: "+err.Error())
		return
	}
	defer resp.Body.Close()

	pass := resp.StatusCode == m.cfg.expectStatus()
	if pass && m.cfg.ExpectBodySubstring != "" {
		pass = bodyContains(resp, m.cfg.ExpectBodySubstring)
	}

	if pass {
		m.pool.SetHealthy(id, true, "probe succeeded")
	} else {
		m.pool.SetHealthy(id, false, "probe returned unexpected status "+http.StatusText(resp.StatusCode))
	}
}

func bodyContains(resp *http.Response, substr string) bool {
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			sb.Write(buf[:n])
			if strings.Contains(sb.String(), substr) {
				return true
			}
		}
		if err != nil {
			break
		}
	}
	return strings.Contains(sb.String(), substr)
}
