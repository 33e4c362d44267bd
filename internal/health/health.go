// Package health aggregates the engine's dependency probes behind a
// single readiness answer. The server registers one checker per
// backing service (database, redis, chain indexer) and the readiness
// endpoint runs them all.
package health

import (
	"context"
	"sync"
)

// Status is the probe result for one dependency.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one dependency. It must respect ctx so a slow
// dependency cannot stall the readiness endpoint.
type Checker func(ctx context.Context) Status

// Registry holds named dependency checkers and runs them on demand.
// Checkers run in registration order, so /health/ready output is
// stable across requests.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

type entry struct {
	name  string
	check Checker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named dependency checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.entries = append(r.entries, entry{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll probes every registered dependency. The aggregate is
// healthy only if every probe is.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	entries := make([]entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	healthy = true
	statuses = make([]Status, len(entries))

	for i, e := range entries {
		statuses[i] = e.check(ctx)
		if !statuses[i].Healthy {
			healthy = false
		}
	}

	return healthy, statuses
}
