package broadcast

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"curling-server/models"
)

// Event is one State delivered to a spectator. Historical events replay the
// current end's backlog on connect; Latest marks the newest State the
// spectator has been sent so far.
type Event struct {
	Historical bool
	Latest     bool
	State      models.State
}

// Seq is the event's position in the match.
func (e Event) Seq() int {
	return e.State.TotalShotNumber
}

// Subscription is one spectator connection's view of a Log.
type Subscription struct {
	events chan Event
	once   sync.Once
	log    *Log
}

// Events delivers live events. It is closed when the subscriber overflows,
// is closed, or the log shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Close unsubscribes. Safe to call more than once.
func (s *Subscription) Close() {
	s.log.remove(s)
}

func (s *Subscription) shutdown() {
	s.once.Do(func() {
		close(s.events)
	})
}

// Log keeps the States of the currently open end and fans new States out to
// subscribers. Publish never blocks on a spectator: a subscriber whose buffer
// is full is disconnected and recovers by reconnecting, which replays the
// backlog.
type Log struct {
	mu        sync.Mutex
	matchID   uuid.UUID
	capacity  int
	subBuffer int
	end       int
	lastSeq   int
	backlog   []models.State
	subs      map[*Subscription]struct{}
	closed    bool
}

// NewLog returns an empty log. capacity bounds the backlog; subBuffer is the
// per-subscriber live queue length.
func NewLog(matchID uuid.UUID, capacity, subBuffer int) *Log {
	if capacity <= 0 {
		capacity = 64
	}
	if subBuffer <= 0 {
		subBuffer = 32
	}
	return &Log{
		matchID:   matchID,
		capacity:  capacity,
		subBuffer: subBuffer,
		subs:      make(map[*Subscription]struct{}),
	}
}

// Publish appends s and pushes it to every subscriber. States at or before
// the last published position are ignored, so replays from a notification
// follower are idempotent.
func (l *Log) Publish(s models.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || s.TotalShotNumber <= l.lastSeq {
		return
	}
	if s.EndNumber != l.end {
		l.backlog = l.backlog[:0]
		l.end = s.EndNumber
	}
	l.backlog = append(l.backlog, s)
	if len(l.backlog) > l.capacity {
		l.backlog = append(l.backlog[:0], l.backlog[len(l.backlog)-l.capacity:]...)
	}
	l.lastSeq = s.TotalShotNumber

	ev := Event{Latest: true, State: s}
	for sub := range l.subs {
		select {
		case sub.events <- ev:
		default:
			slog.Warn("spectator too slow, disconnecting", "tag", "broadcast", "match", l.matchID, "seq", s.TotalShotNumber)
			delete(l.subs, sub)
			sub.shutdown()
		}
	}
}

// Subscribe registers a spectator and returns the backlog to replay. The
// backlog and registration are taken under one lock, so no State can fall
// between the replay and the live stream.
func (l *Log) Subscribe() (*Subscription, []Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub := &Subscription{
		events: make(chan Event, l.subBuffer),
		log:    l,
	}
	history := make([]Event, len(l.backlog))
	for i, s := range l.backlog {
		history[i] = Event{Historical: true, Latest: i == len(l.backlog)-1, State: s}
	}
	if l.closed {
		sub.shutdown()
		return sub, history
	}
	l.subs[sub] = struct{}{}
	return sub, history
}

// Backlog returns a copy of the current end's States.
func (l *Log) Backlog() []models.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]models.State(nil), l.backlog...)
}

// Subscribers returns the number of connected spectators.
func (l *Log) Subscribers() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs)
}

// LastSeq returns the position of the newest published State.
func (l *Log) LastSeq() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

func (l *Log) remove(sub *Subscription) {
	l.mu.Lock()
	delete(l.subs, sub)
	l.mu.Unlock()
	sub.shutdown()
}

// Close disconnects every subscriber and stops accepting States.
func (l *Log) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	for sub := range l.subs {
		delete(l.subs, sub)
		sub.shutdown()
	}
}
