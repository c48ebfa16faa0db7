package match

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"curling-server/matcherrors"
	"curling-server/models"
	"curling-server/rules"
)

const maxPlayersPerTeam = 4

// Config describes a match to create.
type Config struct {
	Teams             [2]models.Team     `json:"teams"`
	Rule              models.RuleVariant `json:"rule"`
	StandardEndCount  int                `json:"standard_end_count"`
	TimeLimit         float64            `json:"time_limit"`
	ExtraEndTimeLimit float64            `json:"extra_end_time_limit"`
	// PositionedStonesPattern selects the mixed-doubles stone layout.
	PositionedStonesPattern int    `json:"positioned_stones_pattern"`
	TournamentName          string `json:"tournament_name,omitempty"`
	SimulatorName           string `json:"simulator_name,omitempty"`
}

// Validate checks the configuration; errors wrap ErrInvalidMatchConfig.
func (c Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), matcherrors.ErrInvalidMatchConfig)
	}
	if !c.Rule.Valid() {
		return invalid("unknown rule %q", c.Rule)
	}
	if c.StandardEndCount < 1 {
		return invalid("standard_end_count must be positive")
	}
	if c.TimeLimit <= 0 || c.ExtraEndTimeLimit <= 0 {
		return invalid("time limits must be positive")
	}
	for i, t := range c.Teams {
		n := len(t.Players)
		if n < 1 || n > maxPlayersPerTeam {
			return invalid("team %d must have 1 to %d players", i, maxPlayersPerTeam)
		}
		if c.Rule == models.RuleMixedDoubles && n != 2 {
			return invalid("mixed doubles team %d must have 2 players", i)
		}
		for j, p := range t.Players {
			if p.MaxVelocity < 0 || p.ShotStdDev < 0 || p.AngleStdDev < 0 {
				return invalid("team %d player %d has negative parameters", i, j)
			}
		}
	}
	if c.Rule == models.RuleMixedDoubles && (c.PositionedStonesPattern < 0 || c.PositionedStonesPattern >= rules.PatternCount) {
		return invalid("positioned_stones_pattern must be 0..%d", rules.PatternCount-1)
	}
	return nil
}

// Begin creates a match and its initial State and returns a machine ready to
// Run. Mixed-doubles matches start waiting for end 0 setup by team0.
func Begin(ctx context.Context, deps Deps, cfg Config) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	m := models.Match{
		ID:                newID(),
		Teams:             cfg.Teams,
		Rule:              cfg.Rule,
		StandardEndCount:  cfg.StandardEndCount,
		TimeLimit:         cfg.TimeLimit,
		ExtraEndTimeLimit: cfg.ExtraEndTimeLimit,
		TournamentName:    cfg.TournamentName,
		SimulatorName:     cfg.SimulatorName,
		CreatedAt:         now,
		StartedAt:         now,
	}
	for i := range m.Teams {
		t := &m.Teams[i]
		if t.ID == uuid.Nil {
			t.ID = newID()
		}
		t.Players = append([]models.Player(nil), t.Players...)
		for j := range t.Players {
			if t.Players[j].ID == uuid.Nil {
				t.Players[j].ID = newID()
			}
		}
	}
	if m.IsMixedDoubles() {
		m.MixedDoubles = &models.MixedDoublesSettings{PositionedStonesPattern: cfg.PositionedStonesPattern}
	}

	initial := models.State{
		MatchID:         m.ID,
		EndNumber:       0,
		ShotNumber:      0,
		TotalShotNumber: 1,
		Stones:          models.EmptySheet(),
		Score:           models.Score{Team0: []int{}, Team1: []int{}},
	}
	rules.NewClock(cfg.TimeLimit, cfg.ExtraEndTimeLimit).ApplyTo(&initial)
	if !m.IsMixedDoubles() {
		first := models.Team0
		initial.NextTeam = &first
	}

	committed, err := deps.Store.CreateMatch(ctx, m, initial)
	if err != nil {
		return nil, fmt.Errorf("begin match: %w", err)
	}
	var setup *models.EndSetup
	if m.IsMixedDoubles() {
		es := models.EndSetup{MatchID: m.ID, EndNumber: 0, SetupTeam: rules.EndSetupTeam(0, models.Team0, nil)}
		if err := deps.Store.PutEndSetup(ctx, es); err != nil {
			return nil, fmt.Errorf("begin match: %w", err)
		}
		setup = &es
	}
	return NewMachine(deps, m, committed, setup), nil
}

// Restore rebuilds a machine for a match that is already stored, resuming
// from its latest State. A shot that was in flight when the previous process
// stopped is requested again.
func Restore(ctx context.Context, deps Deps, matchID uuid.UUID) (*Machine, error) {
	m, err := deps.Store.ReadMatch(ctx, matchID)
	if err != nil {
		return nil, err
	}
	if m.Finished() {
		return nil, matcherrors.ErrMatchFinished
	}
	s, err := deps.Store.LatestState(ctx, matchID)
	if err != nil {
		return nil, err
	}
	var setup *models.EndSetup
	if m.IsMixedDoubles() {
		es, ok, err := deps.Store.EndSetup(ctx, matchID, s.EndNumber)
		if err != nil {
			return nil, err
		}
		if ok {
			setup = &es
		}
	}
	return NewMachine(deps, m, s, setup), nil
}
