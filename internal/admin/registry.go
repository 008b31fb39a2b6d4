// Package admin provides the management dashboard API for the gateway: a
// thin read/control surface over internal/pool, not a second owner of
// backend state.
package admin

import (
	"fmt"

	"loadbalancer/internal/config"
	"loadbalancer/internal/pool"
)

// Registry adapts internal/pool to the admin API's URL-addressed backend
// operations (add/remove/block/unblock/list), translating each into the
// pool's id/spec-addressed contract.
type Registry struct {
	pool *pool.Pool
}

// NewRegistry wraps p. The pool remains the single owner of backend state;
// Registry only translates requests into pool calls.
func NewRegistry(p *pool.Pool) *Registry {
	return &Registry{pool: p}
}

// List returns a snapshot of every backend with its current runtime state.
func (r *Registry) List() pool.Snapshot {
	return r.pool.Snapshot()
}

// Add appends a new backend built from rawURL/weight to the pool's server
// set. Returns an error if rawURL is malformed or already registered.
func (r *Registry) Add(rawURL string, weight int) error {
	spec, err := config.BackendCfg{URL: rawURL, Weight: weight}.ToSpec()
	if err != nil {
		return err
	}

	specs := r.currentSpecs()
	for _, s := range specs {
		if s.Host == spec.Host && s.Port == spec.Port {
			return fmt.Errorf("backend %q already exists", rawURL)
		}
	}
	return r.pool.ReplaceServers(append(specs, spec))
}

// Remove deletes the backend with the given URL from the pool's server set.
// Returns an error if no backend with that URL is found.
func (r *Registry) Remove(rawURL string) error {
	spec, err := config.BackendCfg{URL: rawURL, Weight: 1}.ToSpec()
	if err != nil {
		return err
	}

	specs := r.currentSpecs()
	out := specs[:0:0]
	found := false
	for _, s := range specs {
		if s.Host == spec.Host && s.Port == spec.Port {
			found = true
			continue
		}
		out = append(out, s)
	}
	if !found {
		return fmt.Errorf("backend %q not found", rawURL)
	}
	if len(out) == 0 {
		return fmt.Errorf("cannot remove the last backend")
	}
	return r.pool.ReplaceServers(out)
}

// Block marks the backend as administratively blocked so the pool skips it
// regardless of health.
func (r *Registry) Block(rawURL string) error {
	return r.setBlocked(rawURL, true)
}

// Unblock clears the blocked flag, allowing traffic to the backend again.
func (r *Registry) Unblock(rawURL string) error {
	return r.setBlocked(rawURL, false)
}

func (r *Registry) setBlocked(rawURL string, blocked bool) error {
	spec, err := config.BackendCfg{URL: rawURL, Weight: 1}.ToSpec()
	if err != nil {
		return err
	}
	id := fmt.Sprintf("%s:%d", spec.Host, spec.Port)
	if _, ok := r.pool.GetByID(id); !ok {
		return fmt.Errorf("backend %q not found", rawURL)
	}
	r.pool.SetBlocked(id, blocked)
	return nil
}

func (r *Registry) currentSpecs() []pool.BackendSpec {
	backends := r.pool.Backends()
	out := make([]pool.BackendSpec, len(backends))
	for i, b := range backends {
		out[i] = pool.BackendSpec{Host: b.Host, Port: b.Port, Weight: b.Weight, Scheme: b.Scheme}
	}
	return out
}
