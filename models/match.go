package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Side identifies one of the two teams of a match. Team0 throws first in end 0.
type Side int

const (
	Team0 Side = iota
	Team1
)

// Other returns the opposing side.
func (s Side) Other() Side {
	return 1 - s
}

// String returns the protocol name of the side.
func (s Side) String() string {
	switch s {
	case Team0:
		return "team0"
	case Team1:
		return "team1"
	default:
		return "unknown"
	}
}

// Valid reports whether s is Team0 or Team1.
func (s Side) Valid() bool {
	return s == Team0 || s == Team1
}

// ParseSide parses "team0" or "team1".
func ParseSide(v string) (Side, error) {
	switch v {
	case "team0":
		return Team0, nil
	case "team1":
		return Team1, nil
	default:
		return 0, fmt.Errorf("unknown team %q", v)
	}
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", int(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// RuleVariant is the rule set fixed at match creation.
type RuleVariant string

const (
	RuleStandard     RuleVariant = "standard"
	RuleFiveRock     RuleVariant = "five_rock"
	RuleNoTick       RuleVariant = "no_tick"
	RuleMixedDoubles RuleVariant = "mixed_doubles"
)

// Valid reports whether r is a known variant.
func (r RuleVariant) Valid() bool {
	switch r {
	case RuleStandard, RuleFiveRock, RuleNoTick, RuleMixedDoubles:
		return true
	}
	return false
}

// EndReason records why a match reached MatchComplete.
type EndReason string

const (
	ReasonCompleted      EndReason = "completed"
	ReasonNoComeback     EndReason = "no_comeback"
	ReasonClockExhausted EndReason = "clock_exhausted"
	ReasonAborted        EndReason = "aborted"
)

// Player holds the per-thrower physical limits forwarded to the simulator.
type Player struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	MaxVelocity float64   `json:"max_velocity"`
	ShotStdDev  float64   `json:"shot_std_dev"`
	AngleStdDev float64   `json:"angle_std_dev"`
}

// Team is one side of a match with up to four players in throwing order.
type Team struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Players []Player  `json:"players"`
}

// MixedDoublesSettings holds the positioned-stones pattern and each side's
// power-play end (nil until the power play is used).
type MixedDoublesSettings struct {
	PositionedStonesPattern int     `json:"positioned_stones_pattern"`
	PowerPlayEnd            [2]*int `json:"power_play_end"`
}

// Match is created once at setup and is immutable except for the winner
// and end reason, which are set exactly once at termination.
type Match struct {
	ID                uuid.UUID             `json:"id"`
	Teams             [2]Team               `json:"teams"`
	Rule              RuleVariant           `json:"rule"`
	StandardEndCount  int                   `json:"standard_end_count"`
	TimeLimit         float64               `json:"time_limit"`           // seconds per team, regulation ends
	ExtraEndTimeLimit float64               `json:"extra_end_time_limit"` // seconds per team, extra ends
	MixedDoubles      *MixedDoublesSettings `json:"mixed_doubles,omitempty"`
	TournamentName    string                `json:"tournament_name,omitempty"`
	SimulatorName     string                `json:"simulator_name,omitempty"`
	CreatedAt         time.Time             `json:"created_at"`
	StartedAt         time.Time             `json:"started_at"`
	FinishedAt        *time.Time            `json:"finished_at,omitempty"`
	Winner            *Side                 `json:"winner,omitempty"`
	EndReason         EndReason             `json:"end_reason,omitempty"`
}

// Team returns the team playing side s.
func (m *Match) Team(s Side) Team {
	return m.Teams[s]
}

// SideOf returns the side a team ID plays on.
func (m *Match) SideOf(teamID uuid.UUID) (Side, bool) {
	for i, t := range m.Teams {
		if t.ID == teamID {
			return Side(i), true
		}
	}
	return 0, false
}

// IsMixedDoubles reports whether the match uses the mixed-doubles rules.
func (m *Match) IsMixedDoubles() bool {
	return m.Rule == RuleMixedDoubles
}

// Finished reports whether a winner has been recorded.
func (m *Match) Finished() bool {
	return m.Winner != nil || m.EndReason != ""
}
