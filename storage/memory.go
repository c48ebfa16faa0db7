package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"curling-server/matcherrors"
	"curling-server/models"
)

type memMatch struct {
	match  models.Match
	states []models.State
	setups map[int]models.EndSetup
}

// MemoryStore is an in-process Gateway used when no database is configured
// and in tests. Notifications are delivered to subscribers of this process only.
type MemoryStore struct {
	mu      sync.Mutex
	matches map[uuid.UUID]*memMatch
	shots   map[uuid.UUID]models.ShotInfo
	subs    map[*memSub]struct{}
}

type memSub struct {
	matchID uuid.UUID
	ch      chan uuid.UUID
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		matches: make(map[uuid.UUID]*memMatch),
		shots:   make(map[uuid.UUID]models.ShotInfo),
		subs:    make(map[*memSub]struct{}),
	}
}

func (s *MemoryStore) Close() {}

func (s *MemoryStore) notifyLocked(matchID uuid.UUID) {
	for sub := range s.subs {
		if sub.matchID == uuid.Nil || sub.matchID == matchID {
			coalesce(sub.ch, matchID)
		}
	}
}

func assignSnapshotIDs(st *models.State) {
	if st.Stones.ID == uuid.Nil {
		st.Stones.ID = newID()
	}
	if st.Score.ID == uuid.Nil {
		st.Score.ID = newID()
	}
}

func (s *MemoryStore) CreateMatch(ctx context.Context, m models.Match, initial models.State) (models.State, error) {
	if err := ctx.Err(); err != nil {
		return models.State{}, persistErr("create match", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matches[m.ID]; ok {
		return models.State{}, persistErr("create match", fmt.Errorf("match %s exists", m.ID))
	}
	if m.MixedDoubles != nil {
		md := *m.MixedDoubles
		m.MixedDoubles = &md
	}
	prepareState(&initial)
	assignSnapshotIDs(&initial)
	s.matches[m.ID] = &memMatch{
		match:  m,
		states: []models.State{initial},
		setups: make(map[int]models.EndSetup),
	}
	s.notifyLocked(m.ID)
	return initial, nil
}

func (s *MemoryStore) get(matchID uuid.UUID) (*memMatch, error) {
	mm, ok := s.matches[matchID]
	if !ok {
		return nil, matcherrors.ErrMatchNotFound
	}
	return mm, nil
}

func (s *MemoryStore) ReadMatch(ctx context.Context, matchID uuid.UUID) (models.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mm, err := s.get(matchID)
	if err != nil {
		return models.Match{}, err
	}
	m := mm.match
	if m.MixedDoubles != nil {
		md := *m.MixedDoubles
		m.MixedDoubles = &md
	}
	return m, nil
}

func (s *MemoryStore) LatestState(ctx context.Context, matchID uuid.UUID) (models.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mm, err := s.get(matchID)
	if err != nil {
		return models.State{}, err
	}
	return mm.states[len(mm.states)-1], nil
}

func (s *MemoryStore) StatesSince(ctx context.Context, matchID uuid.UUID, after int) ([]models.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mm, err := s.get(matchID)
	if err != nil {
		return nil, err
	}
	var out []models.State
	for _, st := range mm.states {
		if st.TotalShotNumber > after {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendState(ctx context.Context, st models.State, shot *models.ShotInfo) (models.State, error) {
	if err := ctx.Err(); err != nil {
		return models.State{}, persistErr("append", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mm, err := s.get(st.MatchID)
	if err != nil {
		return models.State{}, err
	}
	if mm.match.Finished() {
		return models.State{}, matcherrors.ErrMatchFinished
	}
	if err := checkSequence(mm.states[len(mm.states)-1], st); err != nil {
		return models.State{}, err
	}
	var completed models.ShotInfo
	if shot != nil {
		stored, ok := s.shots[shot.ID]
		if !ok || stored.PostStateID != nil {
			return models.State{}, persistErr("complete shot", fmt.Errorf("shot %s missing or already completed", shot.ID))
		}
		completed = *shot
		completed.CreatedAt = stored.CreatedAt
	}

	prepareState(&st)
	assignSnapshotIDs(&st)
	mm.states = append(mm.states, st)
	if shot != nil {
		completed.PostStateID = &st.ID
		if completed.Result != nil {
			res := completed.Result.Clone()
			res.ID = newID()
			completed.Result = &res
		}
		if completed.Trajectory != nil {
			traj := *completed.Trajectory
			if traj.ID == uuid.Nil {
				traj.ID = newID()
			}
			traj.ShotID = completed.ID
			completed.Trajectory = &traj
		}
		s.shots[shot.ID] = completed
	}
	if st.Final() {
		at := st.CreatedAt
		mm.match.Winner = st.Winner
		mm.match.EndReason = st.EndReason
		mm.match.FinishedAt = &at
	}
	s.notifyLocked(st.MatchID)
	return st, nil
}

func (s *MemoryStore) AppendShotInfo(ctx context.Context, info models.ShotInfo) error {
	if err := ctx.Err(); err != nil {
		return persistErr("insert shot", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.get(info.MatchID); err != nil {
		return err
	}
	if _, ok := s.shots[info.ID]; ok {
		return nil
	}
	if info.CreatedAt.IsZero() {
		info.CreatedAt = time.Now().UTC()
	}
	s.shots[info.ID] = info
	return nil
}

func (s *MemoryStore) ReadShotInfo(ctx context.Context, shotID uuid.UUID) (models.ShotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.shots[shotID]
	if !ok {
		return models.ShotInfo{}, fmt.Errorf("shot %s: %w", shotID, matcherrors.ErrMatchNotFound)
	}
	return info, nil
}

func (s *MemoryStore) EndSetup(ctx context.Context, matchID uuid.UUID, end int) (models.EndSetup, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mm, err := s.get(matchID)
	if err != nil {
		return models.EndSetup{}, false, err
	}
	es, ok := mm.setups[end]
	return es, ok, nil
}

func (s *MemoryStore) PutEndSetup(ctx context.Context, es models.EndSetup) error {
	if err := ctx.Err(); err != nil {
		return persistErr("put end setup", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mm, err := s.get(es.MatchID)
	if err != nil {
		return err
	}
	mm.setups[es.EndNumber] = models.EndSetup{MatchID: es.MatchID, EndNumber: es.EndNumber, SetupTeam: es.SetupTeam}
	return nil
}

func (s *MemoryStore) CompleteEndSetup(ctx context.Context, es models.EndSetup, st models.State) (models.State, error) {
	if err := ctx.Err(); err != nil {
		return models.State{}, persistErr("complete end setup", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mm, err := s.get(es.MatchID)
	if err != nil {
		return models.State{}, err
	}
	cur, ok := mm.setups[es.EndNumber]
	if !ok {
		return models.State{}, fmt.Errorf("no setup record for end %d: %w", es.EndNumber, matcherrors.ErrEndSetupIncomplete)
	}
	if cur.Done {
		return models.State{}, matcherrors.ErrEndSetupDone
	}
	if err := checkSequence(mm.states[len(mm.states)-1], st); err != nil {
		return models.State{}, err
	}
	es.Done = true
	mm.setups[es.EndNumber] = es
	if es.PowerPlay != models.PowerPlayNone && mm.match.MixedDoubles != nil {
		end := es.EndNumber
		mm.match.MixedDoubles.PowerPlayEnd[es.SetupTeam] = &end
	}
	prepareState(&st)
	assignSnapshotIDs(&st)
	mm.states = append(mm.states, st)
	s.notifyLocked(st.MatchID)
	return st, nil
}

func (s *MemoryStore) SubscribeStateChanges(ctx context.Context, matchID uuid.UUID) (<-chan uuid.UUID, error) {
	sub := &memSub{matchID: matchID, ch: make(chan uuid.UUID, 1)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	out := make(chan uuid.UUID, 1)
	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.subs, sub)
			s.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case id := <-sub.ch:
				select {
				case out <- id:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *MemoryStore) DeleteMatchesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, mm := range s.matches {
		if mm.match.CreatedAt.Before(cutoff) {
			delete(s.matches, id)
			for sid, shot := range s.shots {
				if shot.MatchID == id {
					delete(s.shots, sid)
				}
			}
			n++
		}
	}
	return n, nil
}
