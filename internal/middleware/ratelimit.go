package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter returns a per-IP token-bucket rate-limiting middleware.
//
//   - rps     — sustained allowed requests per second per IP.
//   - burst   — maximum instantaneous burst above the sustained rate.
//   - exclude — exact URL paths that bypass rate limiting (e.g. "/healthz"),
//     the same exact-path exclusion convention JWTAuth uses.
//
// The client IP is taken from the TCP remote address. RateLimiter sits
// ahead of internal/proxy's Director in the middleware chain (Logger wraps
// RateLimiter wraps JWTAuth wraps the Gateway), so the X-Real-IP header
// Director injects for the chosen backend has not been set yet at this
// point and must not be trusted here. Stale limiter entries are purged
// every 5 minutes to prevent unbounded memory growth.
func RateLimiter(rps float64, burst int, exclude []string) func(http.Handler) http.Handler {
	var mu sync.Mutex
	entries := make(map[string]*ipEntry)

	excludeSet := make(map[string]struct{}, len(exclude))
	for _, p := range exclude {
		excludeSet[p] = struct{}{}
	}

	// Background cleanup goroutine — removes entries idle for >10 minutes.
	go func() {
		for range time.Tick(5 * time.Minute) {
			mu.Lock()
			for ip, e := range entries {
				if time.Since(e.lastSeen) > 10*time.Minute {
					delete(entries, ip)
				}
			}
			mu.Unlock()
		}
	}()

	getLimiter := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		e, ok := entries[ip]
		if !ok {
			e = &ipEntry{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			entries[ip] = e
		}
		e.lastSeen = time.Now()
		return e.limiter
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := excludeSet[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			ip := clientIP(r)
			if !getLimiter(ip).Allow() {
				slog.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
				http.Error(w, "too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP extracts the client's TCP remote address with the port stripped.
func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
