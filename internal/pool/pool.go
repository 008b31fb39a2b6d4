// Package pool owns the set of backend records and the precomputed
// structures (round-robin cursor, weighted sequence) that the selection
// policies in internal/strategy consume. It is the single shared mutable
// resource of the gateway: every request path, the health prober, and
// dynamic reconfiguration all go through the pool's mutex.
package pool

import (
	"fmt"
	"log/slog"
	"sync"

	"loadbalancer/internal/strategy"
)

// ErrNoHealthyBackend is returned by Pick when every backend is unhealthy
// or administratively blocked.
var ErrNoHealthyBackend = strategy.ErrNoHealthyBackend

// BackendSpec is the host/port/weight description of one upstream, as
// parsed from configuration or an admin API call.
type BackendSpec struct {
	Host   string
	Port   int
	Weight int
	Scheme string
}

// BackendSnapshot is the serializable view of one backend returned by Snapshot.
type BackendSnapshot struct {
	ID            string `json:"id"`
	Host          string `json:"host"`
	Port          int    `json:"port"`
	Healthy       bool   `json:"healthy"`
	Blocked       bool   `json:"blocked"`
	Weight        int    `json:"weight"`
	ActiveConns   int64  `json:"active_conns"`
	TotalRequests int64  `json:"total_requests"`
	TotalErrors   int64  `json:"total_errors"`
}

// Snapshot is the serializable view of the whole pool, used by the admin
// API and the metrics endpoint.
type Snapshot struct {
	Algorithm        string            `json:"load_balancing_algorithm"`
	TotalServers     int               `json:"total_servers"`
	HealthyServers   int               `json:"healthy_servers"`
	UnhealthyServers int               `json:"unhealthy_servers"`
	Servers          []BackendSnapshot `json:"servers"`
}

// Pool owns the backend set plus the round-robin cursor and weighted
// sequence that the selection policies consume. All reads and mutations
// serialize through mu, satisfying the single shared-mutable-resource
// model described for the gateway's concurrency design.
type Pool struct {
	mu sync.Mutex

	backends []*strategy.Backend
	byID     map[string]*strategy.Backend
	policy   strategy.Name

	rrCursor         int // shared by RoundRobin and WeightedRoundRobin, starts at -1
	weightedSequence []*strategy.Backend
}

// New builds a Pool from specs using the named policy. At least one spec
// is required.
func New(policyName string, specs []BackendSpec) (*Pool, error) {
	name, err := strategy.ParseName(policyName)
	if err != nil {
		slog.Warn("pool: unknown algorithm, defaulting to weighted_round_robin", "algorithm", policyName)
		name = strategy.WeightedRoundRobin
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("pool: at least one backend required")
	}

	backends, err := buildBackends(specs, nil)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		policy:   name,
		rrCursor: -1,
	}
	p.setBackendsLocked(backends)
	return p, nil
}

func buildBackends(specs []BackendSpec, previous map[string]*strategy.Backend) ([]*strategy.Backend, error) {
	out := make([]*strategy.Backend, 0, len(specs))
	seen := make(map[string]struct{}, len(specs))
	for _, s := range specs {
		b, err := strategy.NewBackend(s.Host, s.Port, s.Weight, s.Scheme)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[b.ID]; dup {
			return nil, fmt.Errorf("pool: duplicate backend id %q", b.ID)
		}
		seen[b.ID] = struct{}{}

		// Reconfiguration preserves health/active-conn state for ids that
		// survive; new ids start healthy with a zero counter.
		if prev, ok := previous[b.ID]; ok {
			if !prev.IsHealthy() {
				b.SetHealthy(false)
			}
			for i := int64(0); i < prev.ActiveConns(); i++ {
				b.IncConns()
			}
		}
		out = append(out, b)
	}
	return out, nil
}

// setBackendsLocked installs a new backend slice and rebuilds derived
// structures. Caller must hold mu.
func (p *Pool) setBackendsLocked(backends []*strategy.Backend) {
	p.backends = backends
	p.byID = make(map[string]*strategy.Backend, len(backends))
	for _, b := range backends {
		p.byID[b.ID] = b
	}
	p.rrCursor = -1
	p.rebuildWeightedLocked()
}

// rebuildWeightedLocked recomputes the weighted sequence from the current
// selectable backends. Called whenever health, blocked state, or the
// backend set changes. Caller must hold mu.
func (p *Pool) rebuildWeightedLocked() {
	if !p.policy.IsWeighted() {
		p.weightedSequence = nil
		return
	}
	p.weightedSequence = strategy.ExpandWeighted(selectable(p.backends))
}

func selectable(all []*strategy.Backend) []*strategy.Backend {
	out := make([]*strategy.Backend, 0, len(all))
	for _, b := range all {
		if b.Selectable() {
			out = append(out, b)
		}
	}
	return out
}

// Pick selects a healthy backend and increments its in-flight counter
// before returning it. If stickyID resolves to a selectable backend, it
// always wins over the configured policy. Returns ErrNoHealthyBackend if
// no backend is currently selectable.
func (p *Pool) Pick(stickyID string) (*strategy.Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	healthy := selectable(p.backends)
	if len(healthy) == 0 {
		return nil, ErrNoHealthyBackend
	}

	if stickyID != "" {
		if b, ok := p.byID[stickyID]; ok && b.Selectable() {
			b.IncConns()
			return b, nil
		}
	}

	chosen := p.selectLocked(healthy)
	if chosen == nil {
		// Defensive guard: the policy failed despite a non-empty healthy
		// set. Fall back to the first healthy backend.
		slog.Warn("pool: selection policy returned no backend, using defensive fallback")
		chosen = healthy[0]
	}

	chosen.IncConns()
	return chosen, nil
}

func (p *Pool) selectLocked(healthy []*strategy.Backend) *strategy.Backend {
	switch p.policy {
	case strategy.Random:
		return strategy.SelectRandom(healthy)
	case strategy.RoundRobin:
		return strategy.SelectRoundRobin(healthy, &p.rrCursor)
	case strategy.WeightedRandom:
		if len(p.weightedSequence) > 0 {
			return strategy.SelectWeightedRandom(p.weightedSequence)
		}
		slog.Warn("pool: weighted sequence empty, falling back to round_robin for this pick")
		return strategy.SelectRoundRobin(healthy, &p.rrCursor)
	case strategy.WeightedRoundRobin:
		if len(p.weightedSequence) > 0 {
			return strategy.SelectRoundRobin(p.weightedSequence, &p.rrCursor)
		}
		slog.Warn("pool: weighted sequence empty, falling back to round_robin for this pick")
		return strategy.SelectRoundRobin(healthy, &p.rrCursor)
	case strategy.LeastConnections:
		return strategy.SelectLeastConnections(healthy)
	default:
		return strategy.SelectRoundRobin(healthy, &p.rrCursor)
	}
}

// Release decrements the in-flight counter for id. A no-op if the id is
// unknown (e.g. dropped by a concurrent ReplaceServers) or already at zero.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	b, ok := p.byID[id]
	p.mu.Unlock()
	if !ok {
		return
	}
	b.DecConns()
}

// MarkUnhealthy flips the backend's health flag to false if it is
// currently true, logs the transition, and rebuilds the weighted sequence
// if the policy is weighted. A no-op for unknown ids or already-unhealthy
// backends.
func (p *Pool) MarkUnhealthy(id, reason string) {
	p.setHealthy(id, false, reason)
}

// SetHealthy is the general health-flip entry point used by the active
// prober, covering both failure and recovery transitions.
func (p *Pool) SetHealthy(id string, healthy bool, reason string) {
	p.setHealthy(id, healthy, reason)
}

func (p *Pool) setHealthy(id string, healthy bool, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.byID[id]
	if !ok {
		return
	}
	if !b.SetHealthy(healthy) {
		return // no change
	}

	if healthy {
		slog.Info("backend recovered", "backend", id, "reason", reason)
	} else {
		slog.Warn("backend marked unhealthy", "backend", id, "reason", reason)
	}
	p.rebuildWeightedLocked()
}

// SetBlocked administratively blocks or unblocks a backend, independent of
// its health flag, and rebuilds the weighted sequence since blocking
// changes the selectable set. A no-op for unknown ids.
func (p *Pool) SetBlocked(id string, blocked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.byID[id]
	if !ok {
		return
	}
	b.SetBlocked(blocked)
	p.rebuildWeightedLocked()
}

// GetByID returns the backend with the given id, if any.
func (p *Pool) GetByID(id string) (*strategy.Backend, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.byID[id]
	return b, ok
}

// Backends returns a shallow copy of the current backend slice, primarily
// for the health prober to iterate without holding the pool lock.
func (p *Pool) Backends() []*strategy.Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*strategy.Backend, len(p.backends))
	copy(out, p.backends)
	return out
}

// Policy returns the pool's configured selection policy name.
func (p *Pool) Policy() strategy.Name {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.policy
}

// Snapshot returns a serializable view of every backend plus totals,
// suitable for the admin API and the metrics endpoint.
func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := Snapshot{
		Algorithm:    string(p.policy),
		TotalServers: len(p.backends),
		Servers:      make([]BackendSnapshot, len(p.backends)),
	}
	for i, b := range p.backends {
		out.Servers[i] = BackendSnapshot{
			ID:            b.ID,
			Host:          b.Host,
			Port:          b.Port,
			Healthy:       b.IsHealthy(),
			Blocked:       b.IsBlocked(),
			Weight:        b.Weight,
			ActiveConns:   b.ActiveConns(),
			TotalRequests: b.TotalRequests(),
			TotalErrors:   b.TotalErrors(),
		}
		if b.Selectable() {
			out.HealthyServers++
		} else {
			out.UnhealthyServers++
		}
	}
	return out
}

// ReplaceServers swaps the entire backend set, preserving health and
// in-flight counters for ids that survive the swap. rrCursor resets to -1
// and the weighted sequence is rebuilt. Backends absent from specs are
// discarded; requests still in flight against them become no-op releases.
func (p *Pool) ReplaceServers(specs []BackendSpec) error {
	if len(specs) == 0 {
		return fmt.Errorf("pool: at least one backend required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	backends, err := buildBackends(specs, p.byID)
	if err != nil {
		return err
	}
	p.setBackendsLocked(backends)
	return nil
}

// SetPolicy changes the active selection policy and rebuilds the weighted
// sequence accordingly. Used by dynamic reconfiguration.
func (p *Pool) SetPolicy(policyName string) error {
	name, err := strategy.ParseName(policyName)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = name
	p.rrCursor = -1
	p.rebuildWeightedLocked()
	return nil
}
