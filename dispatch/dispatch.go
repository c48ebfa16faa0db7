package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"curling-server/matcherrors"
	"curling-server/models"
	"curling-server/rules"
	"curling-server/simulator"
)

// ShotRequest is what an agent receives when its team is to act.
type ShotRequest struct {
	ShotID        uuid.UUID          `json:"shot_id"`
	Team          models.Side        `json:"team"`
	State         models.State       `json:"state"`
	RemainingTime float64            `json:"remaining_time"`
	ExtraEnd      bool               `json:"extra_end"`
	Rule          models.RuleVariant `json:"rule"`
	EndSetup      *models.EndSetup   `json:"end_setup,omitempty"`
}

// AgentTransport delivers a shot request to the agent playing side and waits
// for its answer. It must return when ctx is done.
type AgentTransport interface {
	RequestShot(ctx context.Context, matchID uuid.UUID, side models.Side, req ShotRequest) (models.ShotParams, error)
}

// Simulator computes the outcome of one shot.
type Simulator interface {
	Simulate(ctx context.Context, req simulator.Request) (simulator.Result, error)
}

// Backoff is the simulator retry policy. The delay doubles from Base up to
// Max. MaxAttempts of 0 retries until the context ends.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay returns the wait before retry number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	if d <= 0 {
		d = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// AgentReply is an agent's answer and how long it took.
type AgentReply struct {
	Params  models.ShotParams
	Elapsed time.Duration
}

// Dispatcher runs the two legs of a shot: the agent leg under the acting
// team's clock, and the simulator leg with retries.
type Dispatcher struct {
	agents  AgentTransport
	sim     Simulator
	backoff Backoff
	now     func() time.Time
}

func New(agents AgentTransport, sim Simulator, backoff Backoff) *Dispatcher {
	return &Dispatcher{agents: agents, sim: sim, backoff: backoff, now: time.Now}
}

// AskAgent sends req to the acting agent and waits at most budget. Running
// out of budget is reported as ErrClockExhausted with the full budget as
// elapsed time.
func (d *Dispatcher) AskAgent(ctx context.Context, matchID uuid.UUID, req ShotRequest, budget time.Duration) (AgentReply, error) {
	if budget <= 0 {
		return AgentReply{}, fmt.Errorf("%s has no time left: %w", req.Team, matcherrors.ErrClockExhausted)
	}
	agentCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	start := d.now()
	params, err := d.agents.RequestShot(agentCtx, matchID, req.Team, req)
	elapsed := d.now().Sub(start)
	if err != nil {
		if ctx.Err() != nil {
			return AgentReply{Elapsed: elapsed}, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) || agentCtx.Err() != nil {
			return AgentReply{Elapsed: budget}, fmt.Errorf("%s did not answer within %s: %w", req.Team, budget, matcherrors.ErrClockExhausted)
		}
		return AgentReply{Elapsed: elapsed}, fmt.Errorf("agent %s: %w", req.Team, err)
	}
	return AgentReply{Params: params, Elapsed: elapsed}, nil
}

// Simulate calls the simulator, retrying failures with exponential backoff.
// It gives up after MaxAttempts or when ctx ends; the returned error then
// wraps ErrSimulationFailure.
func (d *Dispatcher) Simulate(ctx context.Context, req simulator.Request) (simulator.Result, error) {
	var lastErr error
	for attempt := 1; ; attempt++ {
		res, err := d.sim.Simulate(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if d.backoff.MaxAttempts > 0 && attempt >= d.backoff.MaxAttempts {
			break
		}
		wait := d.backoff.Delay(attempt)
		slog.Warn("simulation failed, retrying", "tag", "dispatch", "attempt", attempt, "wait", wait, "err", err)
		select {
		case <-ctx.Done():
			return simulator.Result{}, fmt.Errorf("simulation abandoned: %w: %w", matcherrors.ErrSimulationFailure, ctx.Err())
		case <-time.After(wait):
		}
	}
	if !errors.Is(lastErr, matcherrors.ErrSimulationFailure) {
		lastErr = fmt.Errorf("%w: %w", matcherrors.ErrSimulationFailure, lastErr)
	}
	return simulator.Result{}, fmt.Errorf("gave up after %d attempts: %w", d.backoff.MaxAttempts, lastErr)
}

// SimulationRequest builds the simulator call for the acting team's shot in s.
// The requested velocity is clamped to the thrower's maximum.
func SimulationRequest(m *models.Match, s models.State, team models.Side, params models.ShotParams) (simulator.Request, int) {
	players := m.Team(team).Players
	idx := rules.ThrowerIndex(m.Rule, s.ShotNumber/2, len(players))
	var player models.Player
	if idx < len(players) {
		player = players[idx]
	}
	if player.MaxVelocity > 0 && params.TranslationalVelocity > player.MaxVelocity {
		params.TranslationalVelocity = player.MaxVelocity
	}
	return simulator.Request{
		Rule:            m.Rule,
		ShotPerTeam:     rules.ShotsPerEnd(m.Rule) / 2,
		TotalShotNumber: s.ShotNumber,
		Team:            team,
		Shot:            params,
		Player: simulator.PlayerParams{
			MaxVelocity: player.MaxVelocity,
			ShotStdDev:  player.ShotStdDev,
			AngleStdDev: player.AngleStdDev,
		},
		Stones: s.Stones,
	}, idx
}
