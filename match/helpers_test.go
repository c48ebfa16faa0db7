package match

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"curling-server/dispatch"
	"curling-server/matcherrors"
	"curling-server/models"
	"curling-server/simulator"
	"curling-server/storage"
)

// fakeAgent answers every request after delay. A negative delay never answers.
type fakeAgent struct {
	delay time.Duration
	calls atomic.Int32
}

func (a *fakeAgent) RequestShot(ctx context.Context, matchID uuid.UUID, side models.Side, req dispatch.ShotRequest) (models.ShotParams, error) {
	a.calls.Add(1)
	if a.delay < 0 {
		<-ctx.Done()
		return models.ShotParams{}, ctx.Err()
	}
	select {
	case <-time.After(a.delay):
		return models.ShotParams{TranslationalVelocity: 2.3, AngularVelocity: 1.57, ShotAngle: 91}, nil
	case <-ctx.Done():
		return models.ShotParams{}, ctx.Err()
	}
}

// fakeSim echoes the stones it receives. While failing is set it errors.
type fakeSim struct {
	failing atomic.Bool
	calls   atomic.Int32
}

func (s *fakeSim) Simulate(ctx context.Context, req simulator.Request) (simulator.Result, error) {
	s.calls.Add(1)
	if s.failing.Load() {
		return simulator.Result{}, errors.New("simulator unavailable")
	}
	stones := req.Stones.Clone()
	return simulator.Result{
		Actual:     req.Shot,
		Stones:     &stones,
		Trajectory: &models.Trajectory{DataFormatVersion: "1", Frames: []byte(`[]`)},
	}, nil
}

type endResult struct {
	scorer *models.Side
	points int
}

// scriptedScorer returns end results in order, then blank ends.
type scriptedScorer struct {
	mu      sync.Mutex
	results []endResult
	next    int
}

func (s *scriptedScorer) ScoreEnd(models.StoneCoordinate) (*models.Side, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.results) {
		return nil, 0
	}
	r := s.results[s.next]
	s.next++
	return r.scorer, r.points
}

func side(s models.Side) *models.Side { return &s }

// flakyStore fails the next failAppends AppendState calls.
type flakyStore struct {
	*storage.MemoryStore
	failAppends atomic.Int32
}

func (f *flakyStore) AppendState(ctx context.Context, s models.State, shot *models.ShotInfo) (models.State, error) {
	if f.failAppends.Add(-1) >= 0 {
		return models.State{}, matcherrors.ErrPersistenceFailure
	}
	return f.MemoryStore.AppendState(ctx, s, shot)
}

type recordingNotifier struct {
	mu    sync.Mutex
	final []models.State
}

func (n *recordingNotifier) NotifyMatchOver(matchID uuid.UUID, final models.State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.final = append(n.final, final)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.final)
}

type recordingLog struct {
	mu     sync.Mutex
	states []models.State
}

func (l *recordingLog) Publish(s models.State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, s)
}

func newDeps(store storage.Gateway, agent dispatch.AgentTransport, sim dispatch.Simulator) Deps {
	return Deps{
		Store:       store,
		Dispatcher:  dispatch.New(agent, sim, dispatch.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond, MaxAttempts: 2}),
		CommitRetry: 10 * time.Millisecond,
	}
}

func players(n int) []models.Player {
	out := make([]models.Player, n)
	for i := range out {
		out[i] = models.Player{MaxVelocity: 4, ShotStdDev: 0.01, AngleStdDev: 0.01}
	}
	return out
}

func standardConfig() Config {
	return Config{
		Teams:             [2]models.Team{{Name: "North", Players: players(4)}, {Name: "South", Players: players(4)}},
		Rule:              models.RuleStandard,
		StandardEndCount:  8,
		TimeLimit:         600,
		ExtraEndTimeLimit: 120,
	}
}

func mixedDoublesConfig() Config {
	return Config{
		Teams:                   [2]models.Team{{Name: "Red", Players: players(2)}, {Name: "Yellow", Players: players(2)}},
		Rule:                    models.RuleMixedDoubles,
		StandardEndCount:        8,
		TimeLimit:               600,
		ExtraEndTimeLimit:       120,
		PositionedStonesPattern: 2,
	}
}

func begin(t *testing.T, deps Deps, cfg Config) *Machine {
	t.Helper()
	m, err := Begin(context.Background(), deps, cfg)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return m
}

func start(t *testing.T, m *Machine) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-m.Done
	})
	return cancel
}

func waitDone(t *testing.T, m *Machine, timeout time.Duration) {
	t.Helper()
	select {
	case <-m.Done:
	case <-time.After(timeout):
		t.Fatalf("match did not finish; snapshot: %+v", m.Snapshot())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func allStates(t *testing.T, store storage.Gateway, matchID uuid.UUID) []models.State {
	t.Helper()
	states, err := store.StatesSince(context.Background(), matchID, 0)
	if err != nil {
		t.Fatalf("StatesSince: %v", err)
	}
	return states
}

// checkOrdering verifies the State sequence invariants of a match.
func checkOrdering(t *testing.T, states []models.State) {
	t.Helper()
	for i, s := range states {
		if s.TotalShotNumber != i+1 {
			t.Fatalf("state %d has total_shot_number %d", i, s.TotalShotNumber)
		}
		if i == 0 {
			continue
		}
		prev := states[i-1]
		switch {
		case s.EndNumber < prev.EndNumber:
			t.Fatalf("end number decreased at %d: %d -> %d", i, prev.EndNumber, s.EndNumber)
		case s.EndNumber == prev.EndNumber+1:
			if s.ShotNumber != 0 {
				t.Fatalf("new end %d starts at shot %d", s.EndNumber, s.ShotNumber)
			}
		case s.EndNumber > prev.EndNumber+1:
			t.Fatalf("end number skipped at %d: %d -> %d", i, prev.EndNumber, s.EndNumber)
		}
		for _, side := range []models.Side{models.Team0, models.Team1} {
			if s.RemainingTime[side] < 0 || s.ExtraEndRemainingTime[side] < 0 {
				t.Fatalf("negative clock at %d: %+v", i, s)
			}
		}
	}
}
