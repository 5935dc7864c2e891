package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Registry maps agent identifiers to agents and manages their lifecycle as a
// group. Lookups after construction are read-only and need no locking.
type Registry struct {
	agents map[string]Agent
}

// NewRegistry builds a registry from the given agents. Duplicate identifiers
// are a configuration error.
func NewRegistry(agents ...Agent) (*Registry, error) {
	m := make(map[string]Agent, len(agents))
	for _, a := range agents {
		if _, ok := m[a.ID()]; ok {
			return nil, fmt.Errorf("duplicate agent id %q", a.ID())
		}
		m[a.ID()] = a
	}
	return &Registry{agents: m}, nil
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (Agent, bool) {
	a, ok := r.agents[id]
	return a, ok
}

// IDs returns the registered agent identifiers, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartAll starts every agent concurrently and aggregates failures.
func (r *Registry) StartAll(ctx context.Context) error {
	return r.each(func(a Agent) error { return a.Start(ctx) })
}

// StopAll stops every agent concurrently and aggregates failures.
func (r *Registry) StopAll() error {
	return r.each(func(a Agent) error { return a.Stop() })
}

func (r *Registry) each(fn func(Agent) error) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(r.agents))
	for _, a := range r.agents {
		wg.Add(1)
		go func(a Agent) {
			defer wg.Done()
			if err := fn(a); err != nil {
				errCh <- fmt.Errorf("agent %s: %w", a.ID(), err)
			}
		}(a)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
