package match

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"curling-server/matcherrors"
)

// Registry holds the running machines, one per match, and caps how many may
// run at once.
type Registry struct {
	mu       sync.Mutex
	machines map[uuid.UUID]*Machine
	max      int
}

// NewRegistry returns a registry allowing max concurrent matches (at least one).
func NewRegistry(max int) *Registry {
	if max < 1 {
		max = 1
	}
	return &Registry{machines: make(map[uuid.UUID]*Machine), max: max}
}

// Reserve fails with ErrTooManyMatches when no slot is free.
func (r *Registry) Reserve() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.machines) >= r.max {
		return fmt.Errorf("%d running: %w", len(r.machines), matcherrors.ErrTooManyMatches)
	}
	return nil
}

// Start registers m and runs it until it completes or ctx is cancelled.
func (r *Registry) Start(ctx context.Context, m *Machine) error {
	r.mu.Lock()
	if _, ok := r.machines[m.ID()]; ok {
		r.mu.Unlock()
		return fmt.Errorf("match %s already running", m.ID())
	}
	if len(r.machines) >= r.max {
		r.mu.Unlock()
		return fmt.Errorf("%d running: %w", len(r.machines), matcherrors.ErrTooManyMatches)
	}
	r.machines[m.ID()] = m
	r.mu.Unlock()

	go func() {
		m.Run(ctx)
		r.mu.Lock()
		if r.machines[m.ID()] == m {
			delete(r.machines, m.ID())
		}
		r.mu.Unlock()
	}()
	return nil
}

// Get returns the running machine for a match.
func (r *Registry) Get(matchID uuid.UUID) (*Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.machines[matchID]
	if !ok {
		return nil, matcherrors.ErrMatchNotFound
	}
	return m, nil
}

// Len returns the number of running machines.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.machines)
}
