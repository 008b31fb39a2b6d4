// Package proxy is the core request-forwarding layer of the gateway.
//
// Gateway wraps net/http/httputil.ReverseProxy and adds:
//   - Backend selection via internal/pool, honoring sticky-session cookies.
//   - Standard proxy header injection (X-Forwarded-For, X-Real-IP, …).
//   - Exactly-once Release per request, however the request terminates.
//   - Passive health checks: a backend is marked unhealthy on any dial,
//     protocol, or timeout error; the active health monitor re-enables it
//     later.
//   - Enforced dial and overall-request timeouts (TimeoutConfig), so a
//     hung or slow-connecting backend is reported and marked unhealthy
//     instead of hanging the client indefinitely.
package proxy

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"sync"
	"time"

	"loadbalancer/internal/metrics"
	"loadbalancer/internal/pool"
	"loadbalancer/internal/strategy"
)

// StickyConfig controls cookie-based session affinity.
type StickyConfig struct {
	Enabled       bool
	CookieName    string // defaults to "lb_sticky_session"
	CookiePath    string // defaults to "/"
	MaxAgeSeconds int
	Secure        bool
}

func (c StickyConfig) cookieName() string {
	if c.CookieName == "" {
		return "lb_sticky_session"
	}
	return c.CookieName
}

func (c StickyConfig) cookiePath() string {
	if c.CookiePath == "" {
		return "/"
	}
	return c.CookiePath
}

// TimeoutConfig controls the upstream dial timeout and the overall
// per-request deadline enforced on every proxied request. A request that
// exceeds either is reported to errorHandler as an upstream error, driving
// the same MarkUnhealthy-plus-502 fast path as a dial refusal.
type TimeoutConfig struct {
	ConnectTimeout time.Duration // dial timeout; defaults to 5s
	ProxyTimeout   time.Duration // overall request deadline; defaults to 30s
}

func (c TimeoutConfig) connectTimeout() time.Duration {
	if c.ConnectTimeout <= 0 {
		return 5 * time.Second
	}
	return c.ConnectTimeout
}

func (c TimeoutConfig) proxyTimeout() time.Duration {
	if c.ProxyTimeout <= 0 {
		return 30 * time.Second
	}
	return c.ProxyTimeout
}

// ctxKey is the unexported type used as the context key for request-scoped
// proxy state, preventing accidental collisions with other packages.
type ctxKey struct{}

// requestState tracks the backend picked for one request and guarantees its
// Release fires exactly once regardless of which ReverseProxy hook runs
// last (modifyResponse on success, errorHandler on failure).
type requestState struct {
	backend   *strategy.Backend
	method    string
	startedAt time.Time
	cancel    context.CancelFunc
	once      sync.Once
}

// Gateway is the central http.Handler. It is safe for concurrent use.
type Gateway struct {
	mu       sync.RWMutex
	pool     *pool.Pool
	sticky   StickyConfig
	timeouts TimeoutConfig
	rp       *httputil.ReverseProxy
}

// New creates a Gateway backed by p. The returned Gateway is ready to be
// wrapped in middleware and passed to http.Server. timeouts.ConnectTimeout
// bounds the upstream dial and timeouts.ProxyTimeout bounds the overall
// request, both per spec's proxyTimeoutMs/proxyConnectTimeoutMs knobs.
func New(p *pool.Pool, sticky StickyConfig, timeouts TimeoutConfig) *Gateway {
	gw := &Gateway{pool: p, sticky: sticky, timeouts: timeouts}
	dialer := &net.Dialer{Timeout: timeouts.connectTimeout()}
	gw.rp = &httputil.ReverseProxy{
		Director:       gw.director,
		ModifyResponse: gw.modifyResponse,
		ErrorHandler:   gw.errorHandler,
		Transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: timeouts.proxyTimeout(),
		},
	}
	return gw
}

// UpdatePool atomically swaps the active pool, used when dynamic
// reconfiguration replaces the whole server set.
func (gw *Gateway) UpdatePool(p *pool.Pool) {
	gw.mu.Lock()
	gw.pool = p
	gw.mu.Unlock()
}

// UpdateSticky atomically swaps the sticky-session configuration, used when
// dynamic reconfiguration changes cookie settings.
func (gw *Gateway) UpdateSticky(sticky StickyConfig) {
	gw.mu.Lock()
	gw.sticky = sticky
	gw.mu.Unlock()
}

// UpdateTimeouts atomically swaps the dial/overall-request timeouts, used
// when dynamic reconfiguration changes proxy_timeout_ms or
// proxy_connect_timeout_ms. Only the per-request deadline set by director
// picks up the new ProxyTimeout immediately; the dial timeout baked into
// the Transport's Dialer at New time is unaffected until the process
// restarts, matching the teacher's transport-is-built-once convention.
func (gw *Gateway) UpdateTimeouts(timeouts TimeoutConfig) {
	gw.mu.Lock()
	gw.timeouts = timeouts
	gw.mu.Unlock()
}

// ServeHTTP satisfies http.Handler.
func (gw *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gw.rp.ServeHTTP(w, r)
}

func (gw *Gateway) currentPool() *pool.Pool {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return gw.pool
}

func (gw *Gateway) currentSticky() StickyConfig {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return gw.sticky
}

func (gw *Gateway) currentTimeouts() TimeoutConfig {
	gw.mu.RLock()
	defer gw.mu.RUnlock()
	return gw.timeouts
}

// director rewrites the incoming request to target a backend chosen by the
// pool, honoring a sticky-session cookie when one is present. The chosen
// backend is stashed on the request context so modifyResponse and
// errorHandler can release it and, on failure, mark it unhealthy.
func (gw *Gateway) director(req *http.Request) {
	p := gw.currentPool()
	proxyTimeout := gw.currentTimeouts().proxyTimeout()

	stickyID := gw.stickyIDFromRequest(req)
	b, err := p.Pick(stickyID)
	if err != nil {
		slog.Error("no healthy backend available", "error", err)
		req.URL.Scheme = "http"
		req.URL.Host = "0.0.0.0:0" // forces ReverseProxy into errorHandler via dial failure
		st := &requestState{method: req.Method, startedAt: time.Now()}
		ctx, cancel := context.WithTimeout(req.Context(), proxyTimeout)
		st.cancel = cancel
		*req = *req.WithContext(context.WithValue(ctx, ctxKey{}, st))
		return
	}

	originalHost := req.Host

	req.URL.Scheme = b.Scheme
	req.URL.Host = b.ID
	req.Host = b.ID

	// Strip hop-by-hop headers that must not be forwarded upstream.
	req.Header.Del("Te")
	req.Header.Del("Trailers")

	if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
		req.Header.Set("X-Forwarded-For", prior+", "+req.RemoteAddr)
	} else {
		req.Header.Set("X-Forwarded-For", req.RemoteAddr)
	}
	req.Header.Set("X-Real-IP", req.RemoteAddr)
	req.Header.Set("X-Forwarded-Host", originalHost)
	req.Header.Set("X-Forwarded-Proto", requestScheme(req))

	b.IncRequests()

	slog.Debug("proxying request",
		"method", req.Method,
		"path", req.URL.Path,
		"backend", b.ID,
	)

	st := &requestState{backend: b, method: req.Method, startedAt: time.Now()}
	ctx, cancel := context.WithTimeout(req.Context(), proxyTimeout)
	st.cancel = cancel
	*req = *req.WithContext(context.WithValue(ctx, ctxKey{}, st))
}

// stickyIDFromRequest reads the sticky cookie, if enabled and present.
func (gw *Gateway) stickyIDFromRequest(req *http.Request) string {
	sticky := gw.currentSticky()
	if !sticky.Enabled {
		return ""
	}
	c, err := req.Cookie(sticky.cookieName())
	if err != nil {
		return ""
	}
	return c.Value
}

// modifyResponse runs on every successful upstream response. It releases
// the selected backend's in-flight counter exactly once and, when sticky
// sessions are enabled, emits the affinity cookie if the request carried
// no sticky cookie or one naming a different backend.
func (gw *Gateway) modifyResponse(resp *http.Response) error {
	st := requestStateFromCtx(resp.Request.Context())
	if st == nil || st.backend == nil {
		return nil
	}
	gw.release(st)
	metrics.ObserveRequest(st.backend.ID, st.method, resp.StatusCode, time.Since(st.startedAt))

	sticky := gw.currentSticky()
	if sticky.Enabled && gw.stickyIDFromRequest(resp.Request) != st.backend.ID {
		resp.Header.Set("Set-Cookie", gw.stickyCookie(sticky, st.backend.ID).String())
	}
	return nil
}

// errorHandler runs when ReverseProxy cannot reach the backend: a dial
// error, a response-header timeout (ResponseHeaderTimeout), or the
// per-request deadline set in director (TimeoutConfig.ProxyTimeout)
// expiring mid-flight. All three are treated alike: it releases the
// in-flight counter exactly once, performs a passive health check by
// marking the backend unhealthy, and distinguishes "no healthy backend"
// (503) from an upstream connect/timeout failure (502).
func (gw *Gateway) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	st := requestStateFromCtx(r.Context())
	if st == nil || st.backend == nil {
		if st != nil {
			st.once.Do(func() {
				if st.cancel != nil {
					st.cancel()
				}
			})
		}
		slog.Error("no healthy backend available", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, "no healthy backend available", http.StatusServiceUnavailable)
		return
	}

	b := st.backend
	gw.release(st)
	b.IncErrors()
	metrics.ObserveRequest(b.ID, st.method, http.StatusBadGateway, time.Since(st.startedAt))

	p := gw.currentPool()
	p.MarkUnhealthy(b.ID, err.Error())

	slog.Error("backend error", "backend", b.ID, "method", r.Method, "path", r.URL.Path, "error", err)
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

// release fires the request's completion token exactly once, regardless of
// whether modifyResponse and errorHandler could somehow both be reached.
func (gw *Gateway) release(st *requestState) {
	st.once.Do(func() {
		gw.currentPool().Release(st.backend.ID)
		if st.cancel != nil {
			st.cancel()
		}
	})
}

func (gw *Gateway) stickyCookie(sticky StickyConfig, backendID string) *http.Cookie {
	c := &http.Cookie{
		Name:     sticky.cookieName(),
		Value:    backendID,
		Path:     sticky.cookiePath(),
		Secure:   sticky.Secure,
		HttpOnly: true,
	}
	if sticky.MaxAgeSeconds > 0 {
		c.MaxAge = sticky.MaxAgeSeconds
	}
	return c
}

func requestStateFromCtx(ctx context.Context) *requestState {
	st, _ := ctx.Value(ctxKey{}).(*requestState)
	return st
}

func requestScheme(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	return "http"
}
