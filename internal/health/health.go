// Package health aggregates liveness checks for named subsystems.
package health

import (
	"context"
	"sync"
)

// Status is the result of checking one subsystem.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. It must respect ctx deadlines: a slow
// dependency should report unhealthy, not hang the health endpoint.
type Checker func(ctx context.Context) Status

// Registry collects checkers and runs them together.
type Registry struct {
	mu     sync.RWMutex
	checks []struct {
		name string
		fn   Checker
	}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a checker under a name. Names appear in the health
// endpoint response in registration order.
func (r *Registry) Register(name string, fn Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks = append(r.checks, struct {
		name string
		fn   Checker
	}{name, fn})
}

// CheckAll runs every checker and reports overall health: healthy only
// when every subsystem is.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checks := append(r.checks[:0:0], r.checks...)
	r.mu.RUnlock()

	all := true
	statuses := make([]Status, 0, len(checks))
	for _, c := range checks {
		st := c.fn(ctx)
		if !st.Healthy {
			all = false
		}
		statuses = append(statuses, st)
	}
	return all, statuses
}
