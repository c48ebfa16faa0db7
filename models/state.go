package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// StonesPerTeam is the number of stone slots per team in every variant.
// Unused stones stay at the origin.
const StonesPerTeam = 8

// StoneFormatVersion tags the stone coordinate layout written by this server.
const StoneFormatVersion = "1"

// Stone is a position on the sheet in simulator coordinates (metres).
type Stone struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// InPlay reports whether the stone has a non-origin position.
func (s Stone) InPlay() bool {
	return s.X != 0 || s.Y != 0
}

// StoneCoordinate is a versioned snapshot of every stone.
type StoneCoordinate struct {
	ID                uuid.UUID `json:"id"`
	DataFormatVersion string    `json:"data_format_version"`
	Team0             []Stone   `json:"team0"`
	Team1             []Stone   `json:"team1"`
}

// EmptySheet returns a snapshot with all stones at the origin.
func EmptySheet() StoneCoordinate {
	return StoneCoordinate{
		DataFormatVersion: StoneFormatVersion,
		Team0:             make([]Stone, StonesPerTeam),
		Team1:             make([]Stone, StonesPerTeam),
	}
}

// Of returns the stones belonging to side s.
func (c StoneCoordinate) Of(s Side) []Stone {
	if s == Team0 {
		return c.Team0
	}
	return c.Team1
}

// Clone returns a deep copy with a zero ID.
func (c StoneCoordinate) Clone() StoneCoordinate {
	return StoneCoordinate{
		DataFormatVersion: c.DataFormatVersion,
		Team0:             append([]Stone(nil), c.Team0...),
		Team1:             append([]Stone(nil), c.Team1...),
	}
}

// Score holds the per-end points of both teams. Index i of each slice is end i.
type Score struct {
	ID    uuid.UUID `json:"id"`
	Team0 []int     `json:"team0"`
	Team1 []int     `json:"team1"`
}

// Ends returns the number of closed ends recorded.
func (s Score) Ends() int {
	return len(s.Team0)
}

// Total is the prefix sum over every recorded end for side t.
func (s Score) Total(t Side) int {
	ends := s.Team0
	if t == Team1 {
		ends = s.Team1
	}
	total := 0
	for _, p := range ends {
		total += p
	}
	return total
}

// WithEnd returns a copy with one more end appended. scorer is nil for a blank end.
func (s Score) WithEnd(scorer *Side, points int) Score {
	next := Score{
		Team0: append(append([]int(nil), s.Team0...), 0),
		Team1: append(append([]int(nil), s.Team1...), 0),
	}
	if scorer != nil && points > 0 {
		if *scorer == Team0 {
			next.Team0[len(next.Team0)-1] = points
		} else {
			next.Team1[len(next.Team1)-1] = points
		}
	}
	return next
}

// State is an immutable, strictly ordered snapshot of a match.
// TotalShotNumber is the State's position in the match: it equals the number
// of States committed for the match up to and including this one, so the
// initial State is 1.
type State struct {
	ID                    uuid.UUID       `json:"id"`
	MatchID               uuid.UUID       `json:"match_id"`
	EndNumber             int             `json:"end_number"`
	ShotNumber            int             `json:"shot_number"`
	TotalShotNumber       int             `json:"total_shot_number"`
	RemainingTime         [2]float64      `json:"remaining_time"`
	ExtraEndRemainingTime [2]float64      `json:"extra_end_remaining_time"`
	Stones                StoneCoordinate `json:"stones"`
	Score                 Score           `json:"score"`
	ShotID                *uuid.UUID      `json:"shot_id,omitempty"`
	NextTeam              *Side           `json:"next_team"`
	Winner                *Side           `json:"winner,omitempty"`
	EndReason             EndReason       `json:"end_reason,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
}

// Final reports whether this is the terminal State of the match.
func (s State) Final() bool {
	return s.EndReason != ""
}

// ShotParams are the shot parameters requested by an agent or realized by the simulator.
type ShotParams struct {
	TranslationalVelocity float64 `json:"translational_velocity"`
	AngularVelocity       float64 `json:"angular_velocity"`
	ShotAngle             float64 `json:"shot_angle"`
}

// ShotInfo is written twice under one identity: once when dispatched
// (Requested set) and once when the simulator responds (Actual set).
type ShotInfo struct {
	ID             uuid.UUID        `json:"id"`
	MatchID        uuid.UUID        `json:"match_id"`
	Team           Side             `json:"team"`
	PlayerIndex    int              `json:"player_index"`
	Requested      ShotParams       `json:"requested"`
	Actual         *ShotParams      `json:"actual,omitempty"`
	ElapsedSeconds float64          `json:"elapsed_seconds"`
	PreStateID     uuid.UUID        `json:"pre_state_id"`
	PostStateID    *uuid.UUID       `json:"post_state_id,omitempty"`
	Result         *StoneCoordinate `json:"result,omitempty"` // stones after the shot
	Trajectory     *Trajectory      `json:"trajectory,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// Trajectory is the path reported by the simulator for one shot.
// Frames are kept opaque and interpreted by DataFormatVersion.
type Trajectory struct {
	ID                uuid.UUID       `json:"id"`
	ShotID            uuid.UUID       `json:"shot_id"`
	DataFormatVersion string          `json:"data_format_version"`
	Frames            json.RawMessage `json:"frames"`
}

// PowerPlaySide is the side a mixed-doubles power play shifts stones to.
type PowerPlaySide string

const (
	PowerPlayNone  PowerPlaySide = ""
	PowerPlayLeft  PowerPlaySide = "left"
	PowerPlayRight PowerPlaySide = "right"
)

// EndSetup is the mixed-doubles per-end record, keyed by (match, end).
type EndSetup struct {
	MatchID             uuid.UUID     `json:"match_id"`
	EndNumber           int           `json:"end_number"`
	SetupTeam           Side          `json:"setup_team"`
	Done                bool          `json:"done"`
	SelectorThrowsFirst bool          `json:"selector_throws_first"`
	PowerPlay           PowerPlaySide `json:"power_play,omitempty"`
}
