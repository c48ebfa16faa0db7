package match

import "curling-server/models"

// Phase is where the match machine is between transitions. Scoring lasts
// while a shot's next State is being committed; a failed commit drops back to
// ShotInFlight, so snapshots never carry it.
type Phase int

const (
	AwaitingEndSetup Phase = iota
	AwaitingShot
	ShotInFlight
	Scoring
	MatchComplete
)

// String returns the protocol string for a Phase.
func (p Phase) String() string {
	switch p {
	case AwaitingEndSetup:
		return "awaiting_end_setup"
	case AwaitingShot:
		return "awaiting_shot"
	case ShotInFlight:
		return "shot_in_flight"
	case Scoring:
		return "scoring"
	case MatchComplete:
		return "match_complete"
	default:
		return "unknown"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// PhaseOf is the phase a machine resumes in from the committed State s. A
// shot in flight is never committed, so it resumes as AwaitingShot.
func PhaseOf(m models.Match, s models.State) Phase {
	switch {
	case s.Final():
		return MatchComplete
	case s.NextTeam == nil && m.IsMixedDoubles():
		return AwaitingEndSetup
	default:
		return AwaitingShot
	}
}
