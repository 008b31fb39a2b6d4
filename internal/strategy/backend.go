// Package strategy implements the backend record and the pluggable
// selection policies consumed by internal/pool. Policies are pure
// functions over a slice of backends; all shared mutable state (health,
// the round-robin cursor, the weighted sequence) is owned by the pool.
package strategy

import (
	"fmt"
	"sync/atomic"
)

// Backend is the runtime representation of one upstream server.
// Mutable state (health, blocked flag, counters) uses atomics so the
// metrics/admin snapshot paths can read them without taking the pool lock.
type Backend struct {
	ID     string // stable identity "host:port"
	Host   string
	Port   int
	Scheme string // "http" or "https"; defaults to "http"
	Weight int

	healthy       atomic.Bool
	blocked       atomic.Bool
	activeConns   atomic.Int64
	totalRequests atomic.Int64
	totalErrors   atomic.Int64
}

// NewBackend builds a Backend for host:port with the given weight and
// scheme ("" defaults to "http"). weight <= 0 is normalized to 1.
func NewBackend(host string, port int, weight int, scheme string) (*Backend, error) {
	if host == "" {
		return nil, fmt.Errorf("strategy: backend host must not be empty")
	}
	if port <= 0 {
		return nil, fmt.Errorf("strategy: invalid backend port %d for host %q", port, host)
	}
	if scheme == "" {
		scheme = "http"
	}
	if weight <= 0 {
		weight = 1
	}
	b := &Backend{
		ID:     fmt.Sprintf("%s:%d", host, port),
		Host:   host,
		Port:   port,
		Scheme: scheme,
		Weight: weight,
	}
	b.healthy.Store(true) // backends are assumed healthy at startup
	return b, nil
}

// BaseURL returns the "scheme://host:port" prefix used to forward requests.
func (b *Backend) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", b.Scheme, b.Host, b.Port)
}

func (b *Backend) IsHealthy() bool      { return b.healthy.Load() }
func (b *Backend) IsBlocked() bool      { return b.blocked.Load() }
func (b *Backend) SetBlocked(v bool)    { b.blocked.Store(v) }
func (b *Backend) ActiveConns() int64   { return b.activeConns.Load() }
func (b *Backend) TotalRequests() int64 { return b.totalRequests.Load() }
func (b *Backend) IncRequests()         { b.totalRequests.Add(1) }
func (b *Backend) TotalErrors() int64   { return b.totalErrors.Load() }
func (b *Backend) IncErrors()           { b.totalErrors.Add(1) }

// SetHealthy flips the health flag and reports whether it actually changed.
// Exported for internal/pool, which applies every health transition
// (including those internal/health reports through pool.SetHealthy).
func (b *Backend) SetHealthy(v bool) (changed bool) {
	prev := b.healthy.Swap(v)
	return prev != v
}

// IncConns increments the in-flight counter; called exactly once per pick.
func (b *Backend) IncConns() int64 { return b.activeConns.Add(1) }

// DecConns decrements the in-flight counter, guarding against underflow so
// a duplicate release never drives the count below zero.
func (b *Backend) DecConns() {
	for {
		cur := b.activeConns.Load()
		if cur <= 0 {
			return
		}
		if b.activeConns.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Selectable reports whether b is eligible to receive traffic: healthy and
// not administratively blocked.
func (b *Backend) Selectable() bool {
	return b.IsHealthy() && !b.IsBlocked()
}
