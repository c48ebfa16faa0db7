package broadcast

import (
	"sync"

	"github.com/google/uuid"

	"curling-server/models"
)

// Registry holds one Log per match.
type Registry struct {
	mu        sync.Mutex
	logs      map[uuid.UUID]*Log
	capacity  int
	subBuffer int
}

func NewRegistry(capacity, subBuffer int) *Registry {
	return &Registry{
		logs:      make(map[uuid.UUID]*Log),
		capacity:  capacity,
		subBuffer: subBuffer,
	}
}

// Get returns the match's log, creating it on first use.
func (r *Registry) Get(matchID uuid.UUID) *Log {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[matchID]
	if !ok {
		l = NewLog(matchID, r.capacity, r.subBuffer)
		r.logs[matchID] = l
	}
	return l
}

// Publish routes s to its match's log.
func (r *Registry) Publish(s models.State) {
	r.Get(s.MatchID).Publish(s)
}

// Lookup returns the match's log if one exists.
func (r *Registry) Lookup(matchID uuid.UUID) (*Log, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[matchID]
	return l, ok
}

// Remove closes and forgets the match's log.
func (r *Registry) Remove(matchID uuid.UUID) {
	r.mu.Lock()
	l, ok := r.logs[matchID]
	delete(r.logs, matchID)
	r.mu.Unlock()
	if ok {
		l.Close()
	}
}
