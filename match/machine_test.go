package match

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"curling-server/matcherrors"
	"curling-server/models"
	"curling-server/storage"
)

func TestMachine_TiedAfterRegulationPlaysExtraEnd(t *testing.T) {
	store := storage.NewMemoryStore()
	scorer := &scriptedScorer{results: []endResult{
		{side(models.Team0), 1}, {side(models.Team1), 1},
		{side(models.Team0), 1}, {side(models.Team1), 1},
		{side(models.Team0), 1}, {side(models.Team1), 1},
		{nil, 0}, {nil, 0}, // 3-3 after eight ends
		{side(models.Team1), 2}, // extra end
	}}
	deps := newDeps(store, &fakeAgent{}, &fakeSim{})
	deps.Scorer = scorer
	deps.AutoAdvance = true
	notifier := &recordingNotifier{}
	deps.Agents = notifier

	m := begin(t, deps, standardConfig())
	start(t, m)
	waitDone(t, m, 20*time.Second)

	states := allStates(t, store, m.ID())
	checkOrdering(t, states)
	if want := 9*16 + 1; len(states) != want {
		t.Fatalf("expected %d states, got %d", want, len(states))
	}

	final := states[len(states)-1]
	if final.EndNumber != 8 {
		t.Errorf("expected the match to end in extra end 8, got end %d", final.EndNumber)
	}
	if final.Winner == nil || *final.Winner != models.Team1 || final.EndReason != models.ReasonCompleted {
		t.Errorf("unexpected result: winner=%v reason=%s", final.Winner, final.EndReason)
	}
	if final.Score.Total(models.Team0) != 3 || final.Score.Total(models.Team1) != 5 {
		t.Errorf("unexpected totals %d-%d", final.Score.Total(models.Team0), final.Score.Total(models.Team1))
	}
	if notifier.count() != 1 {
		t.Errorf("expected one match_over notification, got %d", notifier.count())
	}

	// Hammer: the non-scoring team throws first next end; a blank end keeps the order.
	first := models.Team0
	openings := map[int]models.State{}
	for _, s := range states {
		if _, ok := openings[s.EndNumber]; !ok {
			openings[s.EndNumber] = s
		}
	}
	for end := 0; end <= 8; end++ {
		open := openings[end]
		if open.NextTeam == nil || *open.NextTeam != first {
			t.Errorf("end %d: expected %s to throw first, got %v", end, first, open.NextTeam)
		}
		if end < len(scorer.results) && scorer.results[end].scorer != nil {
			first = scorer.results[end].scorer.Other()
		}
	}

	// Running totals at each end boundary follow the scripted results.
	var want [2]int
	for end := 1; end <= 8; end++ {
		if r := scorer.results[end-1]; r.scorer != nil {
			want[*r.scorer] += r.points
		}
		open := openings[end]
		if open.Score.Ends() != end {
			t.Errorf("end %d opens with %d recorded ends", end, open.Score.Ends())
		}
		if got0, got1 := open.Score.Total(models.Team0), open.Score.Total(models.Team1); got0 != want[0] || got1 != want[1] {
			t.Errorf("end %d opens at %d-%d, want %d-%d", end, got0, got1, want[0], want[1])
		}
	}

	// Extra-end shots draw on the extra pool only.
	extraOpen := openings[8]
	if final.RemainingTime != extraOpen.RemainingTime {
		t.Errorf("regulation pool changed during the extra end: %v -> %v", extraOpen.RemainingTime, final.RemainingTime)
	}
	if final.ExtraEndRemainingTime[0] >= 120 || final.ExtraEndRemainingTime[1] >= 120 {
		t.Errorf("extra pool not charged: %v", final.ExtraEndRemainingTime)
	}

	got, _ := store.ReadMatch(context.Background(), m.ID())
	if got.Winner == nil || *got.Winner != models.Team1 {
		t.Errorf("match row winner not recorded: %+v", got.Winner)
	}
}

func TestMachine_SlowAgentForfeitsOnClock(t *testing.T) {
	store := storage.NewMemoryStore()
	// 5 seconds left, agent needs 6, scaled down.
	deps := newDeps(store, &fakeAgent{delay: 60 * time.Millisecond}, &fakeSim{})
	deps.AutoAdvance = true
	notifier := &recordingNotifier{}
	deps.Agents = notifier
	cfg := standardConfig()
	cfg.TimeLimit = 0.05

	m := begin(t, deps, cfg)
	start(t, m)
	waitDone(t, m, 5*time.Second)

	snap := m.Snapshot()
	if snap.Phase != MatchComplete {
		t.Fatalf("expected MatchComplete, got %s", snap.Phase)
	}
	final := snap.State
	if final.Winner == nil || *final.Winner != models.Team1 {
		t.Errorf("expected team1 to win, got %v", final.Winner)
	}
	if final.EndReason != models.ReasonClockExhausted {
		t.Errorf("expected clock_exhausted, got %s", final.EndReason)
	}
	if final.RemainingTime[models.Team0] != 0 || final.RemainingTime[models.Team1] != 0.05 {
		t.Errorf("unexpected clocks %v", final.RemainingTime)
	}
	if final.TotalShotNumber != 2 || final.ShotNumber != 0 {
		t.Errorf("forfeit should add exactly one State: %+v", final)
	}
	checkOrdering(t, allStates(t, store, m.ID()))
	if notifier.count() != 1 {
		t.Errorf("agents not told the match is over")
	}

	if err := m.RequestShot(context.Background()); !errors.Is(err, matcherrors.ErrMatchFinished) {
		t.Errorf("expected ErrMatchFinished after completion, got %v", err)
	}
}

func TestMachine_MixedDoublesEndSetup(t *testing.T) {
	store := storage.NewMemoryStore()
	scorer := &scriptedScorer{results: []endResult{
		{side(models.Team0), 1},
		{nil, 0},
		{side(models.Team1), 2},
	}}
	deps := newDeps(store, &fakeAgent{}, &fakeSim{})
	deps.Scorer = scorer
	deps.AutoAdvance = true
	m := begin(t, deps, mixedDoublesConfig())
	start(t, m)
	ctx := context.Background()

	snap := m.Snapshot()
	if snap.Phase != AwaitingEndSetup || snap.EndSetup == nil || snap.EndSetup.SetupTeam != models.Team0 {
		t.Fatalf("expected end 0 setup by team0, got %+v", snap)
	}
	if err := m.RequestShot(ctx); !errors.Is(err, matcherrors.ErrEndSetupIncomplete) {
		t.Fatalf("expected ErrEndSetupIncomplete, got %v", err)
	}
	if err := m.MarkEndSetupDone(ctx, EndSetupRequest{EndNumber: 0, Team: models.Team1}); !errors.Is(err, matcherrors.ErrNotSetupTeam) {
		t.Errorf("expected ErrNotSetupTeam, got %v", err)
	}
	err := m.MarkEndSetupDone(ctx, EndSetupRequest{EndNumber: 0, Team: models.Team0, SelectorThrowsFirst: true, PowerPlay: models.PowerPlayLeft})
	if !errors.Is(err, matcherrors.ErrInvalidEndSetup) {
		t.Errorf("power play without the hammer should be rejected, got %v", err)
	}

	// End 0: team0 keeps the hammer and plays a power play.
	if err := m.MarkEndSetupDone(ctx, EndSetupRequest{EndNumber: 0, Team: models.Team0, PowerPlay: models.PowerPlayRight}); err != nil {
		t.Fatalf("MarkEndSetupDone: %v", err)
	}
	setupState := allStates(t, store, m.ID())[1]
	if setupState.NextTeam == nil || *setupState.NextTeam != models.Team1 {
		t.Errorf("team1 should throw first when team0 holds the hammer: %v", setupState.NextTeam)
	}
	inPlay := 0
	for _, s := range append(setupState.Stones.Team0, setupState.Stones.Team1...) {
		if s.InPlay() {
			inPlay++
		}
	}
	if inPlay != 2 {
		t.Errorf("expected two positioned stones, got %d", inPlay)
	}
	if err := m.MarkEndSetupDone(ctx, EndSetupRequest{EndNumber: 0, Team: models.Team0}); !errors.Is(err, matcherrors.ErrEndSetupDone) {
		t.Errorf("expected ErrEndSetupDone, got %v", err)
	}

	awaitSetup := func(end int) Snapshot {
		var s Snapshot
		waitFor(t, "end setup", func() bool {
			s = m.Snapshot()
			return s.Phase == AwaitingEndSetup && s.State.EndNumber == end
		})
		return s
	}

	// End 0 scored by team0: team1 sets up end 1.
	snap = awaitSetup(1)
	if snap.EndSetup.SetupTeam != models.Team1 {
		t.Fatalf("end 1 setup should belong to team1, got %s", snap.EndSetup.SetupTeam)
	}
	if err := m.MarkEndSetupDone(ctx, EndSetupRequest{EndNumber: 1, Team: models.Team1}); err != nil {
		t.Fatalf("end 1 setup: %v", err)
	}

	// End 1 blank, team0 threw first in it: team0 sets up end 2.
	snap = awaitSetup(2)
	if snap.EndSetup.SetupTeam != models.Team0 {
		t.Fatalf("end 2 setup should belong to team0, got %s", snap.EndSetup.SetupTeam)
	}
	if err := m.MarkEndSetupDone(ctx, EndSetupRequest{EndNumber: 2, Team: models.Team0, SelectorThrowsFirst: true}); err != nil {
		t.Fatalf("end 2 setup: %v", err)
	}

	// End 2 scored by team1: no shot in end 3 before setup.
	snap = awaitSetup(3)
	if snap.EndSetup.SetupTeam != models.Team0 {
		t.Errorf("end 3 setup should belong to team0, got %s", snap.EndSetup.SetupTeam)
	}
	if err := m.RequestShot(ctx); !errors.Is(err, matcherrors.ErrEndSetupIncomplete) {
		t.Errorf("expected ErrEndSetupIncomplete in end 3, got %v", err)
	}
	err = m.MarkEndSetupDone(ctx, EndSetupRequest{EndNumber: 3, Team: models.Team0, PowerPlay: models.PowerPlayLeft})
	if !errors.Is(err, matcherrors.ErrPowerPlayUsed) {
		t.Errorf("expected ErrPowerPlayUsed, got %v", err)
	}
	if pp := snap.Match.MixedDoubles.PowerPlayEnd[models.Team0]; pp == nil || *pp != 0 {
		t.Errorf("power play end not recorded: %v", pp)
	}

	states := allStates(t, store, m.ID())
	checkOrdering(t, states)
	if got := states[len(states)-1].Score; got.Total(models.Team0) != 1 || got.Total(models.Team1) != 2 {
		t.Errorf("unexpected score %+v", got)
	}
}

func TestMachine_RejectsOperationsInWrongPhase(t *testing.T) {
	store := storage.NewMemoryStore()
	m := begin(t, newDeps(store, &fakeAgent{delay: -1}, &fakeSim{}), standardConfig())
	start(t, m)
	ctx := context.Background()

	if err := m.ApplyShotOutcome(ctx, Outcome{ShotID: uuid.New()}); !errors.Is(err, matcherrors.ErrNotYourTurnState) {
		t.Errorf("expected ErrNotYourTurnState, got %v", err)
	}
	if err := m.RetrySimulation(ctx); !errors.Is(err, matcherrors.ErrNotYourTurnState) {
		t.Errorf("expected ErrNotYourTurnState, got %v", err)
	}
	if err := m.MarkEndSetupDone(ctx, EndSetupRequest{}); !errors.Is(err, matcherrors.ErrInvalidEndSetup) {
		t.Errorf("expected ErrInvalidEndSetup for a standard match, got %v", err)
	}
	if err := m.RequestShot(ctx); err != nil {
		t.Fatalf("RequestShot: %v", err)
	}
	if err := m.RequestShot(ctx); !errors.Is(err, matcherrors.ErrNotYourTurnState) {
		t.Errorf("second request should fail with ErrNotYourTurnState, got %v", err)
	}
	if got := len(allStates(t, store, m.ID())); got != 1 {
		t.Errorf("rejected calls must not add States, have %d", got)
	}
}

func TestMachine_ApplyShotOutcomeDirectly(t *testing.T) {
	store := storage.NewMemoryStore()
	log := &recordingLog{}
	deps := newDeps(store, &fakeAgent{delay: -1}, &fakeSim{})
	deps.Log = log
	m := begin(t, deps, standardConfig())
	start(t, m)
	ctx := context.Background()

	if err := m.RequestShot(ctx); err != nil {
		t.Fatalf("RequestShot: %v", err)
	}
	snap := m.Snapshot()
	if snap.Phase != ShotInFlight || snap.ShotID == nil || snap.ActingTeam == nil || *snap.ActingTeam != models.Team0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}

	if err := m.ApplyShotOutcome(ctx, Outcome{ShotID: uuid.New()}); !errors.Is(err, matcherrors.ErrStaleShot) {
		t.Errorf("expected ErrStaleShot, got %v", err)
	}

	stones := models.EmptySheet()
	stones.Team0[0] = models.Stone{X: 0.2, Y: 38.0}
	out := Outcome{
		ShotID:    *snap.ShotID,
		Elapsed:   2 * time.Second,
		Requested: models.ShotParams{TranslationalVelocity: 2.4},
		Actual:    models.ShotParams{TranslationalVelocity: 2.38},
		Stones:    stones,
	}
	if err := m.ApplyShotOutcome(ctx, out); err != nil {
		t.Fatalf("ApplyShotOutcome: %v", err)
	}

	snap = m.Snapshot()
	s := snap.State
	if snap.Phase != AwaitingShot || s.TotalShotNumber != 2 || s.ShotNumber != 1 {
		t.Fatalf("unexpected state after shot: phase=%s %+v", snap.Phase, s)
	}
	if s.NextTeam == nil || *s.NextTeam != models.Team1 {
		t.Errorf("team1 should act next, got %v", s.NextTeam)
	}
	if s.RemainingTime[models.Team0] != 598 || s.RemainingTime[models.Team1] != 600 {
		t.Errorf("clock not charged to the acting team: %v", s.RemainingTime)
	}
	if s.Stones.Team0[0] != stones.Team0[0] {
		t.Errorf("stones not applied")
	}

	info, err := store.ReadShotInfo(ctx, out.ShotID)
	if err != nil {
		t.Fatalf("ReadShotInfo: %v", err)
	}
	if info.Actual == nil || info.Actual.TranslationalVelocity != 2.38 || info.PostStateID == nil || *info.PostStateID != s.ID {
		t.Errorf("shot not completed: %+v", info)
	}

	log.mu.Lock()
	published := len(log.states)
	log.mu.Unlock()
	if published != 2 {
		t.Errorf("expected initial and post-shot States published, got %d", published)
	}
}

func TestMachine_SimulationFailureWaitsForRetry(t *testing.T) {
	store := storage.NewMemoryStore()
	agent := &fakeAgent{}
	sim := &fakeSim{}
	sim.failing.Store(true)
	m := begin(t, newDeps(store, agent, sim), standardConfig())
	start(t, m)
	ctx := context.Background()

	if err := m.RequestShot(ctx); err != nil {
		t.Fatalf("RequestShot: %v", err)
	}
	waitFor(t, "simulation failure", func() bool { return m.Snapshot().SimulationError != "" })
	if snap := m.Snapshot(); snap.Phase != ShotInFlight || snap.State.TotalShotNumber != 1 {
		t.Fatalf("shot should stay in flight: %+v", snap)
	}
	if got := sim.calls.Load(); got != 2 {
		t.Errorf("expected 2 attempts before giving up, got %d", got)
	}

	sim.failing.Store(false)
	if err := m.RetrySimulation(ctx); err != nil {
		t.Fatalf("RetrySimulation: %v", err)
	}
	waitFor(t, "shot applied", func() bool {
		s := m.Snapshot()
		return s.Phase == AwaitingShot && s.State.TotalShotNumber == 2
	})
	if got := agent.calls.Load(); got != 1 {
		t.Errorf("the agent must not be asked again, got %d calls", got)
	}
}

func TestMachine_PersistenceFailureRetriesSameTransition(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	agent := &fakeAgent{}
	sim := &fakeSim{}
	m := begin(t, newDeps(store, agent, sim), standardConfig())
	store.failAppends.Store(3)
	start(t, m)

	if err := m.RequestShot(context.Background()); err != nil {
		t.Fatalf("RequestShot: %v", err)
	}
	waitFor(t, "commit after retries", func() bool {
		s := m.Snapshot()
		return s.Phase == AwaitingShot && s.State.TotalShotNumber == 2
	})

	states := allStates(t, store, m.ID())
	if len(states) != 2 {
		t.Fatalf("expected exactly one new State, got %d", len(states))
	}
	checkOrdering(t, states)
	if agent.calls.Load() != 1 || sim.calls.Load() != 1 {
		t.Errorf("retries must reuse the outcome: agent=%d sim=%d", agent.calls.Load(), sim.calls.Load())
	}
	if store.failAppends.Load() >= 0 {
		t.Errorf("expected the failing appends to be used up")
	}
}

func TestMachine_Abort(t *testing.T) {
	store := storage.NewMemoryStore()
	m := begin(t, newDeps(store, &fakeAgent{delay: -1}, &fakeSim{}), standardConfig())
	start(t, m)
	ctx := context.Background()

	if err := m.RequestShot(ctx); err != nil {
		t.Fatalf("RequestShot: %v", err)
	}
	if err := m.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	waitDone(t, m, time.Second)

	final := m.Snapshot().State
	if final.EndReason != models.ReasonAborted || final.Winner != nil {
		t.Errorf("unexpected final state %+v", final)
	}
	if err := m.Abort(ctx); !errors.Is(err, matcherrors.ErrMatchFinished) {
		t.Errorf("expected ErrMatchFinished, got %v", err)
	}
	got, _ := store.ReadMatch(ctx, m.ID())
	if got.EndReason != models.ReasonAborted || got.FinishedAt == nil {
		t.Errorf("abort not recorded on the match: %+v", got)
	}
}

func TestRestore_ResumesFromLatestState(t *testing.T) {
	store := storage.NewMemoryStore()
	deps := newDeps(store, &fakeAgent{}, &fakeSim{})
	m := begin(t, deps, standardConfig())
	cancel := start(t, m)
	if err := m.RequestShot(context.Background()); err != nil {
		t.Fatalf("RequestShot: %v", err)
	}
	waitFor(t, "first shot", func() bool { return m.Snapshot().State.TotalShotNumber == 2 })
	cancel()
	<-m.Done

	restored, err := Restore(context.Background(), deps, m.ID())
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	snap := restored.Snapshot()
	if snap.Phase != AwaitingShot || snap.State.TotalShotNumber != 2 {
		t.Errorf("unexpected restored snapshot %+v", snap)
	}
	if snap.State.NextTeam == nil || *snap.State.NextTeam != models.Team1 {
		t.Errorf("team1 should be next")
	}

	if _, err := Restore(context.Background(), deps, uuid.New()); !errors.Is(err, matcherrors.ErrMatchNotFound) {
		t.Errorf("expected ErrMatchNotFound, got %v", err)
	}
}

func TestMachine_EndSetupWaitsForPendingAbort(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	m := begin(t, newDeps(store, &fakeAgent{}, &fakeSim{}), mixedDoublesConfig())
	store.failAppends.Store(1 << 20)
	start(t, m)
	ctx := context.Background()

	if err := m.Abort(ctx); !errors.Is(err, matcherrors.ErrPersistenceFailure) {
		t.Fatalf("expected ErrPersistenceFailure, got %v", err)
	}
	err := m.MarkEndSetupDone(ctx, EndSetupRequest{EndNumber: 0, Team: models.Team0})
	if !errors.Is(err, matcherrors.ErrPersistenceFailure) {
		t.Fatalf("end setup must wait for the pending abort, got %v", err)
	}
	if err := m.RequestShot(ctx); !errors.Is(err, matcherrors.ErrPersistenceFailure) {
		t.Errorf("request shot must wait for the pending abort, got %v", err)
	}
	if snap := m.Snapshot(); snap.Phase != AwaitingEndSetup || !snap.CommitPending {
		t.Errorf("machine should stay in its prior phase: %+v", snap)
	}

	store.failAppends.Store(0)
	waitDone(t, m, 2*time.Second)
	states := allStates(t, store, m.ID())
	checkOrdering(t, states)
	if len(states) != 2 || states[1].EndReason != models.ReasonAborted {
		t.Errorf("expected the initial State then the abort, got %+v", states)
	}
}

func TestMachine_AbortKeepsPendingForfeit(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	deps := newDeps(store, &fakeAgent{delay: -1}, &fakeSim{})
	deps.AutoAdvance = true
	cfg := standardConfig()
	cfg.TimeLimit = 0.05
	m := begin(t, deps, cfg)
	store.failAppends.Store(1 << 20)
	start(t, m)

	waitFor(t, "pending forfeit", func() bool { return m.Snapshot().CommitPending })
	if err := m.Abort(context.Background()); !errors.Is(err, matcherrors.ErrPersistenceFailure) {
		t.Fatalf("expected ErrPersistenceFailure while the store is down, got %v", err)
	}

	store.failAppends.Store(0)
	waitDone(t, m, 2*time.Second)
	final := m.Snapshot().State
	if final.EndReason != models.ReasonClockExhausted || final.Winner == nil || *final.Winner != models.Team1 {
		t.Errorf("forfeit must survive the abort: reason=%s winner=%v", final.EndReason, final.Winner)
	}
	if got := len(allStates(t, store, m.ID())); got != 2 {
		t.Errorf("expected exactly one final State, have %d States", got)
	}
}

func TestMachine_AbortWaitsForPendingShotCommit(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	m := begin(t, newDeps(store, &fakeAgent{}, &fakeSim{}), standardConfig())
	store.failAppends.Store(1 << 20)
	start(t, m)
	ctx := context.Background()

	if err := m.RequestShot(ctx); err != nil {
		t.Fatalf("RequestShot: %v", err)
	}
	waitFor(t, "pending shot commit", func() bool { return m.Snapshot().CommitPending })
	if snap := m.Snapshot(); snap.Phase != ShotInFlight {
		t.Errorf("a failed commit should leave the shot in flight, got %s", snap.Phase)
	}
	if err := m.Abort(ctx); !errors.Is(err, matcherrors.ErrPersistenceFailure) {
		t.Fatalf("abort must wait for the pending shot, got %v", err)
	}

	store.failAppends.Store(0)
	waitFor(t, "shot committed", func() bool {
		s := m.Snapshot()
		return s.Phase == AwaitingShot && s.State.TotalShotNumber == 2
	})
	if err := m.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	waitDone(t, m, time.Second)
	states := allStates(t, store, m.ID())
	checkOrdering(t, states)
	if len(states) != 3 || states[1].ShotID == nil || states[2].EndReason != models.ReasonAborted {
		t.Errorf("expected the shot then the abort, got %+v", states)
	}
}
