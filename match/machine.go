package match

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"curling-server/dispatch"
	"curling-server/matcherrors"
	"curling-server/models"
	"curling-server/rules"
	"curling-server/simulator"
	"curling-server/storage"
)

// commitTimeout bounds a single persistence call made by the actor.
const commitTimeout = 10 * time.Second

// ActionType enumerates the kinds of actions a machine can process.
type ActionType int

const (
	ActionRequestShot ActionType = iota
	ActionApplyShotOutcome
	ActionMarkEndSetupDone
	ActionRetrySimulation
	ActionAbort
	ActionAgentReplied // internal: the agent leg finished
	ActionSimulated    // internal: the simulator leg finished
	ActionRetryCommit  // internal: fired after the commit retry delay
)

// Action is sent into the machine's action channel. Reply, when set, receives
// the outcome of the action.
type Action struct {
	Type    ActionType
	ShotID  uuid.UUID
	Outcome *Outcome
	Setup   *EndSetupRequest
	Agent   dispatch.AgentReply
	Sim     simulator.Result
	Err     error
	Reply   chan error
}

// Outcome is a completed shot: what the agent asked for, how long it took
// and what the simulator made of it.
type Outcome struct {
	ShotID     uuid.UUID
	Elapsed    time.Duration
	Requested  models.ShotParams
	Actual     models.ShotParams
	Stones     models.StoneCoordinate
	Trajectory *models.Trajectory
}

// EndSetupRequest is a mixed-doubles end setup election.
type EndSetupRequest struct {
	EndNumber           int                  `json:"end_number"`
	Team                models.Side          `json:"team"`
	SelectorThrowsFirst bool                 `json:"selector_throws_first"`
	PowerPlay           models.PowerPlaySide `json:"power_play,omitempty"`
}

// Snapshot is a read-only view of a machine, safe to use from any goroutine.
type Snapshot struct {
	Phase           Phase            `json:"phase"`
	Match           models.Match     `json:"match"`
	State           models.State     `json:"state"`
	EndSetup        *models.EndSetup `json:"end_setup,omitempty"`
	ActingTeam      *models.Side     `json:"acting_team,omitempty"`
	ShotID          *uuid.UUID       `json:"shot_id,omitempty"`
	SimulationError string           `json:"simulation_error,omitempty"`
	CommitPending   bool             `json:"commit_pending"`
}

// Publisher receives every committed State.
type Publisher interface {
	Publish(s models.State)
}

// MatchOverNotifier tells connected agents the match is over.
type MatchOverNotifier interface {
	NotifyMatchOver(matchID uuid.UUID, final models.State)
}

// TrajectoryArchiver copies completed shots to long-term storage.
type TrajectoryArchiver interface {
	Enqueue(matchID uuid.UUID, shot models.ShotInfo)
}

// Deps are the collaborators of a machine. Log, Agents, Archive and OnFinish
// are optional.
type Deps struct {
	Store       storage.Gateway
	Dispatcher  *dispatch.Dispatcher
	Scorer      rules.Scorer
	Log         Publisher
	Agents      MatchOverNotifier
	Archive     TrajectoryArchiver
	CommitRetry time.Duration
	// AutoAdvance requests the next shot whenever the machine reaches AwaitingShot.
	AutoAdvance bool
	OnFinish    func(matchID uuid.UUID)
}

type inFlight struct {
	shotID     uuid.UUID
	team       models.Side
	playerIdx  int
	agent      *dispatch.AgentReply // cached so the agent is never asked twice
	infoSaved  bool
	simRunning bool
	simErr     error
	cancel     context.CancelFunc
}

// pendingCommit is a computed transition that has not been stored yet.
type pendingCommit struct {
	state models.State
	shot  *models.ShotInfo
	setup *models.EndSetup
	next  Phase
}

// Machine is the single writer of one match. Every mutation runs on the Run
// goroutine; the agent and simulator legs run in their own goroutines and
// post their results back as actions.
type Machine struct {
	match   models.Match
	state   models.State
	phase   Phase
	setup   *models.EndSetup
	flight  *inFlight
	pending *pendingCommit

	retryCancel chan struct{}

	deps Deps
	ctx  context.Context

	Actions chan Action
	Done    chan struct{}

	snap atomic.Pointer[Snapshot]
}

// NewMachine returns a machine resuming from the committed State s.
func NewMachine(deps Deps, m models.Match, s models.State, setup *models.EndSetup) *Machine {
	if deps.Scorer == nil {
		deps.Scorer = rules.DefaultScorer()
	}
	if deps.CommitRetry <= 0 {
		deps.CommitRetry = 500 * time.Millisecond
	}
	mc := &Machine{
		match:   m,
		state:   s,
		setup:   setup,
		deps:    deps,
		ctx:     context.Background(),
		Actions: make(chan Action, 16),
		Done:    make(chan struct{}),
	}
	mc.phase = PhaseOf(m, s)
	mc.publishSnapshot()
	return mc
}

// ID returns the match identity.
func (m *Machine) ID() uuid.UUID {
	return m.match.ID
}

// Snapshot returns the latest published view without going through the actor.
func (m *Machine) Snapshot() Snapshot {
	return *m.snap.Load()
}

// Run is the main loop. It processes actions sequentially until the match
// completes or ctx is cancelled. It should be run as a goroutine.
func (m *Machine) Run(ctx context.Context) {
	defer close(m.Done)
	m.ctx = ctx

	if m.deps.Log != nil {
		m.deps.Log.Publish(m.state)
	}
	if m.phase == MatchComplete {
		m.finish()
		return
	}
	slog.Info("match machine started", "tag", "match", "match", m.match.ID, "phase", m.phase, "seq", m.state.TotalShotNumber)
	m.advance()
	m.publishSnapshot()

	for {
		select {
		case <-ctx.Done():
			m.cancelRetry()
			if m.flight != nil && m.flight.cancel != nil {
				m.flight.cancel()
			}
			slog.Info("match machine stopped", "tag", "match", "match", m.match.ID, "phase", m.phase)
			return
		case a := <-m.Actions:
			m.handle(a)
			if m.phase == MatchComplete {
				m.finish()
				return
			}
		}
	}
}

func (m *Machine) handle(a Action) {
	var err error
	switch a.Type {
	case ActionRequestShot:
		err = m.handleRequestShot()
	case ActionApplyShotOutcome:
		err = m.handleApplyShotOutcome(*a.Outcome)
	case ActionMarkEndSetupDone:
		err = m.handleMarkEndSetupDone(*a.Setup)
	case ActionRetrySimulation:
		err = m.handleRetrySimulation()
	case ActionAbort:
		err = m.handleAbort()
	case ActionAgentReplied:
		m.handleAgentReplied(a)
	case ActionSimulated:
		m.handleSimulated(a)
	case ActionRetryCommit:
		m.handleRetryCommit()
	}
	if a.Reply != nil {
		a.Reply <- err
	}
	m.publishSnapshot()
}

// --- public operations ---

// RequestShot asks the acting team's agent for a shot. Valid only in AwaitingShot.
func (m *Machine) RequestShot(ctx context.Context) error {
	return m.do(ctx, Action{Type: ActionRequestShot})
}

// ApplyShotOutcome applies a completed shot. Valid only in ShotInFlight and
// only for the outstanding shot.
func (m *Machine) ApplyShotOutcome(ctx context.Context, out Outcome) error {
	return m.do(ctx, Action{Type: ActionApplyShotOutcome, Outcome: &out})
}

// MarkEndSetupDone records a mixed-doubles end setup and places the
// positioned stones.
func (m *Machine) MarkEndSetupDone(ctx context.Context, req EndSetupRequest) error {
	return m.do(ctx, Action{Type: ActionMarkEndSetupDone, Setup: &req})
}

// RetrySimulation restarts a simulator leg that gave up.
func (m *Machine) RetrySimulation(ctx context.Context) error {
	return m.do(ctx, Action{Type: ActionRetrySimulation})
}

// Abort ends the match without a winner.
func (m *Machine) Abort(ctx context.Context) error {
	return m.do(ctx, Action{Type: ActionAbort})
}

func (m *Machine) do(ctx context.Context, a Action) error {
	a.Reply = make(chan error, 1)
	select {
	case m.Actions <- a:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.Done:
		return matcherrors.ErrMatchFinished
	}
	select {
	case err := <-a.Reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.Done:
		select {
		case err := <-a.Reply:
			return err
		default:
			return matcherrors.ErrMatchFinished
		}
	}
}

// post delivers an internal action unless the machine has stopped.
func (m *Machine) post(a Action) {
	select {
	case m.Actions <- a:
	case <-m.Done:
	}
}

// --- handlers ---

func (m *Machine) handleRequestShot() error {
	if m.pending != nil && m.phase != MatchComplete {
		return fmt.Errorf("previous commit still pending: %w", matcherrors.ErrPersistenceFailure)
	}
	switch m.phase {
	case AwaitingShot:
	case AwaitingEndSetup:
		return fmt.Errorf("end %d: %w", m.state.EndNumber, matcherrors.ErrEndSetupIncomplete)
	case MatchComplete:
		return matcherrors.ErrMatchFinished
	default:
		return fmt.Errorf("request shot while %s: %w", m.phase, matcherrors.ErrNotYourTurnState)
	}
	team, err := rules.NextTeamToThrow(m.state, m.match.Rule)
	if err != nil {
		return err
	}

	extra := rules.IsExtraEnd(m.state.EndNumber, m.match.StandardEndCount)
	clock := rules.ClockFromState(m.state)
	players := len(m.match.Team(team).Players)
	agentCtx, cancel := context.WithCancel(m.ctx)
	f := &inFlight{
		shotID:    newID(),
		team:      team,
		playerIdx: rules.ThrowerIndex(m.match.Rule, m.state.ShotNumber/2, players),
		cancel:    cancel,
	}
	m.flight = f
	m.phase = ShotInFlight

	req := dispatch.ShotRequest{
		ShotID:        f.shotID,
		Team:          team,
		State:         m.state,
		RemainingTime: clock.Remaining(team, extra),
		ExtraEnd:      extra,
		Rule:          m.match.Rule,
	}
	if m.match.IsMixedDoubles() && m.setup != nil {
		es := *m.setup
		req.EndSetup = &es
	}
	budget := clock.Budget(team, extra)
	matchID := m.match.ID
	shotID := f.shotID
	go func() {
		reply, err := m.deps.Dispatcher.AskAgent(agentCtx, matchID, req, budget)
		m.post(Action{Type: ActionAgentReplied, ShotID: shotID, Agent: reply, Err: err})
	}()

	slog.Info("shot requested", "tag", "match", "match", m.match.ID, "team", team,
		"end", m.state.EndNumber, "shot", m.state.ShotNumber, "budget", budget)
	return nil
}

func (m *Machine) handleAgentReplied(a Action) {
	f := m.flight
	if m.phase != ShotInFlight || m.pending != nil || f == nil || f.shotID != a.ShotID || f.agent != nil {
		return
	}
	if a.Err != nil {
		if errors.Is(a.Err, matcherrors.ErrClockExhausted) {
			m.forfeit(f.team)
			return
		}
		if m.ctx.Err() != nil {
			return
		}
		slog.Error("agent leg failed", "tag", "match", "match", m.match.ID, "team", f.team, "err", a.Err)
		f.cancel()
		m.flight = nil
		m.phase = AwaitingShot
		if m.deps.AutoAdvance {
			m.scheduleRetry(ActionRequestShot, m.deps.CommitRetry)
		}
		return
	}

	extra := rules.IsExtraEnd(m.state.EndNumber, m.match.StandardEndCount)
	if a.Agent.Elapsed.Seconds() > rules.ClockFromState(m.state).Remaining(f.team, extra) {
		m.forfeit(f.team)
		return
	}
	reply := a.Agent
	f.agent = &reply
	slog.Info("agent answered", "tag", "match", "match", m.match.ID, "team", f.team, "elapsed", reply.Elapsed)
	if m.saveShotInfo(reply.Params, reply.Elapsed) {
		m.startSimulation()
	}
}

// saveShotInfo stores the first write phase of the outstanding shot. On
// failure it schedules a retry and reports false.
func (m *Machine) saveShotInfo(requested models.ShotParams, elapsed time.Duration) bool {
	f := m.flight
	info := models.ShotInfo{
		ID:             f.shotID,
		MatchID:        m.match.ID,
		Team:           f.team,
		PlayerIndex:    f.playerIdx,
		Requested:      requested,
		ElapsedSeconds: elapsed.Seconds(),
		PreStateID:     m.state.ID,
	}
	ctx, cancel := context.WithTimeout(m.ctx, commitTimeout)
	defer cancel()
	if err := m.deps.Store.AppendShotInfo(ctx, info); err != nil {
		slog.Error("storing shot failed, will retry", "tag", "match", "match", m.match.ID, "shot", f.shotID, "err", err)
		m.scheduleRetry(ActionRetryCommit, m.deps.CommitRetry)
		return false
	}
	f.infoSaved = true
	return true
}

func (m *Machine) startSimulation() {
	f := m.flight
	req, _ := dispatch.SimulationRequest(&m.match, m.state, f.team, f.agent.Params)
	f.simRunning = true
	f.simErr = nil
	shotID := f.shotID
	go func() {
		res, err := m.deps.Dispatcher.Simulate(m.ctx, req)
		m.post(Action{Type: ActionSimulated, ShotID: shotID, Sim: res, Err: err})
	}()
}

func (m *Machine) handleSimulated(a Action) {
	f := m.flight
	if m.phase != ShotInFlight || m.pending != nil || f == nil || f.shotID != a.ShotID {
		return
	}
	f.simRunning = false
	if a.Err != nil {
		if m.ctx.Err() != nil {
			return
		}
		f.simErr = a.Err
		slog.Error("simulation failed; shot stays in flight until retried", "tag", "match", "match", m.match.ID, "shot", f.shotID, "err", a.Err)
		return
	}
	out := Outcome{
		ShotID:     f.shotID,
		Elapsed:    f.agent.Elapsed,
		Requested:  f.agent.Params,
		Actual:     a.Sim.Actual,
		Trajectory: a.Sim.Trajectory,
	}
	if a.Sim.Stones != nil {
		out.Stones = *a.Sim.Stones
	}
	if err := m.applyOutcome(out); err != nil {
		slog.Warn("shot outcome not committed", "tag", "match", "match", m.match.ID, "err", err)
	}
}

func (m *Machine) handleApplyShotOutcome(out Outcome) error {
	if m.phase == MatchComplete {
		return matcherrors.ErrMatchFinished
	}
	if m.phase != ShotInFlight {
		return fmt.Errorf("apply outcome while %s: %w", m.phase, matcherrors.ErrNotYourTurnState)
	}
	if m.flight == nil || m.flight.shotID != out.ShotID {
		return matcherrors.ErrStaleShot
	}
	if m.pending != nil {
		return fmt.Errorf("previous commit still pending: %w", matcherrors.ErrPersistenceFailure)
	}
	if !m.flight.infoSaved {
		if !m.saveShotInfo(out.Requested, out.Elapsed) {
			return fmt.Errorf("store shot %s: %w", out.ShotID, matcherrors.ErrPersistenceFailure)
		}
	}
	return m.applyOutcome(out)
}

// applyOutcome computes the State following the outstanding shot and commits it.
func (m *Machine) applyOutcome(out Outcome) error {
	f := m.flight
	cur := m.state
	rule := m.match.Rule
	extra := rules.IsExtraEnd(cur.EndNumber, m.match.StandardEndCount)

	clock := rules.ClockFromState(cur)
	if err := clock.Consume(f.team, out.Elapsed.Seconds(), extra); err != nil {
		m.forfeit(f.team)
		return err
	}

	stones := normalizeStones(out.Stones)
	shotID := f.shotID
	nextTeam := rules.ThrowerAfter(f.team)
	next := models.State{
		MatchID:         cur.MatchID,
		EndNumber:       cur.EndNumber,
		ShotNumber:      cur.ShotNumber + 1,
		TotalShotNumber: cur.TotalShotNumber + 1,
		Stones:          stones,
		Score:           cur.Score,
		ShotID:          &shotID,
		NextTeam:        &nextTeam,
	}
	clock.ApplyTo(&next)

	nextPhase := AwaitingShot
	var setup *models.EndSetup
	if rules.IsEndComplete(next, rule) {
		scorer, points := m.deps.Scorer.ScoreEnd(stones)
		score := cur.Score.WithEnd(scorer, points)
		next.Score = score
		// The last stone of an end is thrown by the team that threw second.
		prevFirst := f.team.Other()
		slog.Info("end closed", "tag", "match", "match", m.match.ID, "end", cur.EndNumber,
			"scorer", sideAttr(scorer), "points", points,
			"team0", score.Total(models.Team0), "team1", score.Total(models.Team1))

		if done, reason := rules.IsMatchComplete(score, score.Ends(), m.match.StandardEndCount, rule); done {
			next.Winner = rules.Leader(score)
			next.EndReason = reason
			next.NextTeam = nil
			nextPhase = MatchComplete
		} else {
			next.EndNumber = cur.EndNumber + 1
			next.ShotNumber = 0
			next.Stones = models.EmptySheet()
			if m.match.IsMixedDoubles() {
				next.NextTeam = nil
				setup = &models.EndSetup{
					MatchID:   m.match.ID,
					EndNumber: next.EndNumber,
					SetupTeam: rules.EndSetupTeam(next.EndNumber, prevFirst, scorer),
				}
				nextPhase = AwaitingEndSetup
			} else {
				first := rules.NextEndFirstThrower(prevFirst, scorer)
				next.NextTeam = &first
			}
		}
	}

	result := stones.Clone()
	actual := out.Actual
	info := models.ShotInfo{
		ID:             shotID,
		MatchID:        m.match.ID,
		Team:           f.team,
		PlayerIndex:    f.playerIdx,
		Requested:      out.Requested,
		Actual:         &actual,
		ElapsedSeconds: out.Elapsed.Seconds(),
		PreStateID:     cur.ID,
		Result:         &result,
		Trajectory:     out.Trajectory,
	}
	m.pending = &pendingCommit{state: next, shot: &info, setup: setup, next: nextPhase}
	m.phase = Scoring
	err := m.commitPending()
	if m.phase == Scoring {
		m.phase = ShotInFlight
	}
	return err
}

// forfeit ends the match in favour of the opponent of team.
func (m *Machine) forfeit(team models.Side) {
	if m.flight != nil && m.flight.cancel != nil {
		m.flight.cancel()
	}
	cur := m.state
	clock := rules.ClockFromState(cur)
	if rules.IsExtraEnd(cur.EndNumber, m.match.StandardEndCount) {
		clock.Extra[team] = 0
	} else {
		clock.Standard[team] = 0
	}
	winner := team.Other()
	next := models.State{
		MatchID:         cur.MatchID,
		EndNumber:       cur.EndNumber,
		ShotNumber:      cur.ShotNumber,
		TotalShotNumber: cur.TotalShotNumber + 1,
		Stones:          cur.Stones,
		Score:           cur.Score,
		Winner:          &winner,
		EndReason:       models.ReasonClockExhausted,
	}
	clock.ApplyTo(&next)
	slog.Warn("clock exhausted, match forfeited", "tag", "match", "match", m.match.ID, "team", team, "winner", winner)
	m.pending = &pendingCommit{state: next, next: MatchComplete}
	m.commitPending()
}

func (m *Machine) handleAbort() error {
	if m.phase == MatchComplete {
		return matcherrors.ErrMatchFinished
	}
	if m.pending != nil {
		// A pending final State (forfeit or earlier abort) already ends the match.
		if m.pending.state.Final() {
			return m.commitPending()
		}
		return fmt.Errorf("previous commit still pending: %w", matcherrors.ErrPersistenceFailure)
	}
	if m.flight != nil && m.flight.cancel != nil {
		m.flight.cancel()
	}
	cur := m.state
	next := models.State{
		MatchID:               cur.MatchID,
		EndNumber:             cur.EndNumber,
		ShotNumber:            cur.ShotNumber,
		TotalShotNumber:       cur.TotalShotNumber + 1,
		RemainingTime:         cur.RemainingTime,
		ExtraEndRemainingTime: cur.ExtraEndRemainingTime,
		Stones:                cur.Stones,
		Score:                 cur.Score,
		EndReason:             models.ReasonAborted,
	}
	slog.Warn("match aborted by operator", "tag", "match", "match", m.match.ID)
	m.pending = &pendingCommit{state: next, next: MatchComplete}
	return m.commitPending()
}

func (m *Machine) handleRetrySimulation() error {
	if m.phase == MatchComplete {
		return matcherrors.ErrMatchFinished
	}
	f := m.flight
	if m.phase != ShotInFlight || f == nil || f.agent == nil || m.pending != nil {
		return fmt.Errorf("no simulation to retry while %s: %w", m.phase, matcherrors.ErrNotYourTurnState)
	}
	if f.simRunning {
		return fmt.Errorf("simulation already running: %w", matcherrors.ErrNotYourTurnState)
	}
	if !f.infoSaved {
		if !m.saveShotInfo(f.agent.Params, f.agent.Elapsed) {
			return fmt.Errorf("store shot %s: %w", f.shotID, matcherrors.ErrPersistenceFailure)
		}
	}
	slog.Info("operator retried simulation", "tag", "match", "match", m.match.ID, "shot", f.shotID)
	m.startSimulation()
	return nil
}

func (m *Machine) handleRetryCommit() {
	m.retryCancel = nil
	if m.pending != nil {
		m.commitPending()
		return
	}
	f := m.flight
	if m.phase == ShotInFlight && f != nil && f.agent != nil && !f.infoSaved {
		if m.saveShotInfo(f.agent.Params, f.agent.Elapsed) {
			m.startSimulation()
		}
	}
}

func (m *Machine) handleMarkEndSetupDone(req EndSetupRequest) error {
	if m.phase == MatchComplete {
		return matcherrors.ErrMatchFinished
	}
	if m.pending != nil {
		return fmt.Errorf("previous commit still pending: %w", matcherrors.ErrPersistenceFailure)
	}
	if !m.match.IsMixedDoubles() || m.match.MixedDoubles == nil {
		return fmt.Errorf("end setup outside mixed doubles: %w", matcherrors.ErrInvalidEndSetup)
	}
	if req.EndNumber < m.state.EndNumber {
		return fmt.Errorf("end %d: %w", req.EndNumber, matcherrors.ErrEndSetupDone)
	}
	if m.phase != AwaitingEndSetup {
		if req.EndNumber == m.state.EndNumber && m.setup != nil && m.setup.Done {
			return fmt.Errorf("end %d: %w", req.EndNumber, matcherrors.ErrEndSetupDone)
		}
		return fmt.Errorf("end setup while %s: %w", m.phase, matcherrors.ErrNotYourTurnState)
	}
	if req.EndNumber != m.state.EndNumber {
		return fmt.Errorf("end %d is not the current end %d: %w", req.EndNumber, m.state.EndNumber, matcherrors.ErrInvalidEndSetup)
	}
	if !req.Team.Valid() {
		return fmt.Errorf("unknown team: %w", matcherrors.ErrInvalidEndSetup)
	}

	ctx, cancel := context.WithTimeout(m.ctx, commitTimeout)
	defer cancel()
	if m.setup == nil || m.setup.EndNumber != req.EndNumber {
		es, ok, err := m.deps.Store.EndSetup(ctx, m.match.ID, req.EndNumber)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no setup record for end %d: %w", req.EndNumber, matcherrors.ErrInvalidEndSetup)
		}
		m.setup = &es
	}
	if req.Team != m.setup.SetupTeam {
		return fmt.Errorf("%s: %w", req.Team, matcherrors.ErrNotSetupTeam)
	}

	first, hammer := req.Team.Other(), req.Team
	if req.SelectorThrowsFirst {
		first, hammer = req.Team, req.Team.Other()
	}
	switch req.PowerPlay {
	case models.PowerPlayNone:
	case models.PowerPlayLeft, models.PowerPlayRight:
		if req.SelectorThrowsFirst {
			return fmt.Errorf("power play requires the hammer: %w", matcherrors.ErrInvalidEndSetup)
		}
		if err := rules.CheckPowerPlay(m.match.MixedDoubles, req.Team, req.EndNumber, m.match.StandardEndCount); err != nil {
			return err
		}
	default:
		return fmt.Errorf("power play side %q: %w", req.PowerPlay, matcherrors.ErrInvalidEndSetup)
	}

	stones, err := rules.PositionedStones(hammer, req.PowerPlay, m.match.MixedDoubles.PositionedStonesPattern)
	if err != nil {
		return err
	}
	cur := m.state
	next := models.State{
		MatchID:               cur.MatchID,
		EndNumber:             cur.EndNumber,
		ShotNumber:            0,
		TotalShotNumber:       cur.TotalShotNumber + 1,
		RemainingTime:         cur.RemainingTime,
		ExtraEndRemainingTime: cur.ExtraEndRemainingTime,
		Stones:                stones,
		Score:                 cur.Score,
		NextTeam:              &first,
	}
	setup := *m.setup
	setup.Done = true
	setup.SelectorThrowsFirst = req.SelectorThrowsFirst
	setup.PowerPlay = req.PowerPlay

	committed, err := m.deps.Store.CompleteEndSetup(ctx, setup, next)
	if err != nil {
		return err
	}
	m.state = committed
	m.setup = &setup
	if req.PowerPlay != models.PowerPlayNone {
		end := req.EndNumber
		m.match.MixedDoubles.PowerPlayEnd[req.Team] = &end
	}
	m.phase = AwaitingShot
	slog.Info("end setup done", "tag", "match", "match", m.match.ID, "end", req.EndNumber,
		"setup_team", req.Team, "first", first, "power_play", req.PowerPlay)
	if m.deps.Log != nil {
		m.deps.Log.Publish(committed)
	}
	m.advance()
	return nil
}

// commitPending stores the pending transition. The machine only moves once
// the store confirms; on failure the same transition is retried later.
func (m *Machine) commitPending() error {
	p := m.pending
	ctx, cancel := context.WithTimeout(m.ctx, commitTimeout)
	defer cancel()

	if p.setup != nil {
		if err := m.deps.Store.PutEndSetup(ctx, *p.setup); err != nil {
			return m.commitFailed(err)
		}
	}
	committed, err := m.deps.Store.AppendState(ctx, p.state, p.shot)
	if err != nil {
		if errors.Is(err, matcherrors.ErrMatchFinished) {
			slog.Error("match already finished in storage", "tag", "match", "match", m.match.ID)
			m.pending = nil
			m.phase = MatchComplete
			return err
		}
		return m.commitFailed(err)
	}

	m.pending = nil
	m.cancelRetry()
	if m.flight != nil {
		if m.flight.cancel != nil {
			m.flight.cancel()
		}
		m.flight = nil
	}
	m.state = committed
	if p.setup != nil {
		es := *p.setup
		m.setup = &es
	}
	if committed.Final() {
		at := committed.CreatedAt
		m.match.Winner = committed.Winner
		m.match.EndReason = committed.EndReason
		m.match.FinishedAt = &at
	}
	m.phase = p.next
	slog.Debug("state committed", "tag", "match", "match", m.match.ID, "seq", committed.TotalShotNumber, "phase", m.phase)

	if m.deps.Log != nil {
		m.deps.Log.Publish(committed)
	}
	if p.shot != nil && p.shot.Trajectory != nil && m.deps.Archive != nil {
		shot := *p.shot
		shot.PostStateID = &committed.ID
		m.deps.Archive.Enqueue(m.match.ID, shot)
	}
	m.advance()
	return nil
}

func (m *Machine) commitFailed(err error) error {
	slog.Error("commit failed, will retry", "tag", "match", "match", m.match.ID,
		"seq", m.pending.state.TotalShotNumber, "retry_in", m.deps.CommitRetry, "err", err)
	m.scheduleRetry(ActionRetryCommit, m.deps.CommitRetry)
	if !errors.Is(err, matcherrors.ErrPersistenceFailure) {
		err = fmt.Errorf("%w: %w", matcherrors.ErrPersistenceFailure, err)
	}
	return err
}

// advance requests the next shot when the machine drives itself.
func (m *Machine) advance() {
	if !m.deps.AutoAdvance || m.phase != AwaitingShot || m.pending != nil {
		return
	}
	if err := m.handleRequestShot(); err != nil {
		slog.Error("auto request failed", "tag", "match", "match", m.match.ID, "err", err)
	}
}

// scheduleRetry posts t after d. Any earlier retry timer is cancelled.
func (m *Machine) scheduleRetry(t ActionType, d time.Duration) {
	m.cancelRetry()
	cancel := make(chan struct{})
	m.retryCancel = cancel
	go func() {
		select {
		case <-time.After(d):
			m.post(Action{Type: t})
		case <-cancel:
		}
	}()
}

// cancelRetry stops the retry timer. Safe if none is running.
func (m *Machine) cancelRetry() {
	if m.retryCancel != nil {
		close(m.retryCancel)
		m.retryCancel = nil
	}
}

func (m *Machine) finish() {
	m.cancelRetry()
	m.publishSnapshot()
	slog.Info("match complete", "tag", "match", "match", m.match.ID,
		"winner", sideAttr(m.state.Winner), "reason", m.state.EndReason,
		"team0", m.state.Score.Total(models.Team0), "team1", m.state.Score.Total(models.Team1))
	if m.deps.Agents != nil {
		m.deps.Agents.NotifyMatchOver(m.match.ID, m.state)
	}
	if m.deps.OnFinish != nil {
		m.deps.OnFinish(m.match.ID)
	}
}

func (m *Machine) publishSnapshot() {
	s := Snapshot{
		Phase:         m.phase,
		Match:         m.match,
		State:         m.state,
		CommitPending: m.pending != nil,
	}
	if m.match.MixedDoubles != nil {
		md := *m.match.MixedDoubles
		s.Match.MixedDoubles = &md
	}
	if m.setup != nil {
		es := *m.setup
		s.EndSetup = &es
	}
	if m.flight != nil {
		team, shotID := m.flight.team, m.flight.shotID
		s.ActingTeam = &team
		s.ShotID = &shotID
		if m.flight.simErr != nil {
			s.SimulationError = m.flight.simErr.Error()
		}
	}
	m.snap.Store(&s)
}

// normalizeStones pads or trims each team to the fixed stone count.
func normalizeStones(c models.StoneCoordinate) models.StoneCoordinate {
	fix := func(in []models.Stone) []models.Stone {
		out := make([]models.Stone, models.StonesPerTeam)
		copy(out, in)
		return out
	}
	return models.StoneCoordinate{
		DataFormatVersion: models.StoneFormatVersion,
		Team0:             fix(c.Team0),
		Team1:             fix(c.Team1),
	}
}

func sideAttr(s *models.Side) string {
	if s == nil {
		return "none"
	}
	return s.String()
}

func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
