package rules

import (
	"fmt"

	"curling-server/matcherrors"
	"curling-server/models"
)

const (
	shotsPerEndStandard     = 16
	shotsPerEndMixedDoubles = 10

	// Mixed doubles: five thrown stones plus one positioned stone per team.
	mixedDoublesStonesInPlay = 6
)

// ShotsPerEnd is the number of thrown stones in one end for both teams together.
func ShotsPerEnd(rule models.RuleVariant) int {
	if rule == models.RuleMixedDoubles {
		return shotsPerEndMixedDoubles
	}
	return shotsPerEndStandard
}

// MaxPointsPerEnd is the most a team can score in one end.
func MaxPointsPerEnd(rule models.RuleVariant) int {
	if rule == models.RuleMixedDoubles {
		return mixedDoublesStonesInPlay
	}
	return models.StonesPerTeam
}

// IsExtraEnd reports whether end (0-based) is played beyond the regulation count.
func IsExtraEnd(end, standardEndCount int) bool {
	return end >= standardEndCount
}

// NextTeamToThrow returns the team to act in s. Within an end the order
// alternates strictly, so the acting team is always the one recorded in the
// State. A mixed-doubles State without a next team is waiting for end setup.
func NextTeamToThrow(s models.State, rule models.RuleVariant) (models.Side, error) {
	if s.NextTeam == nil {
		if rule == models.RuleMixedDoubles {
			return 0, matcherrors.ErrEndSetupIncomplete
		}
		return 0, fmt.Errorf("state %d has no team to act: %w", s.TotalShotNumber, matcherrors.ErrNotYourTurnState)
	}
	return *s.NextTeam, nil
}

// ThrowerAfter returns the team that throws after acting within the same end.
func ThrowerAfter(acting models.Side) models.Side {
	return acting.Other()
}

// NextEndFirstThrower returns who throws first in the following end: the team
// that did not score, or the same first thrower after a blank end so the
// hammer stays where it was.
func NextEndFirstThrower(prevFirst models.Side, scorer *models.Side) models.Side {
	if scorer == nil {
		return prevFirst
	}
	return scorer.Other()
}

// EndSetupTeam returns the team holding mixed-doubles setup rights for the
// following end: the team that did not score, or after a blank end the team
// that threw first in it. End 0 belongs to Team0.
func EndSetupTeam(endNumber int, prevFirst models.Side, prevScorer *models.Side) models.Side {
	if endNumber == 0 {
		return models.Team0
	}
	if prevScorer == nil {
		return prevFirst
	}
	return prevScorer.Other()
}

// IsEndComplete reports whether both teams have thrown their allotment.
func IsEndComplete(s models.State, rule models.RuleVariant) bool {
	return s.ShotNumber >= ShotsPerEnd(rule)
}

// IsMatchComplete decides termination after endsPlayed ends have closed.
// Regulation ends are decided when the totals differ; otherwise the match
// continues into extra ends until an extra end leaves the score untied.
// Before the last regulation end the match also ends once the trailing team
// cannot catch up even by scoring the maximum in every remaining end.
func IsMatchComplete(score models.Score, endsPlayed, standardEndCount int, rule models.RuleVariant) (bool, models.EndReason) {
	a, b := score.Total(models.Team0), score.Total(models.Team1)
	if endsPlayed >= standardEndCount {
		if a != b {
			return true, models.ReasonCompleted
		}
		return false, ""
	}
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	remaining := standardEndCount - endsPlayed
	if diff > remaining*MaxPointsPerEnd(rule) {
		return true, models.ReasonNoComeback
	}
	return false, ""
}

// Leader returns the side with the higher total, or nil on a tie.
func Leader(score models.Score) *models.Side {
	a, b := score.Total(models.Team0), score.Total(models.Team1)
	var s models.Side
	switch {
	case a > b:
		s = models.Team0
	case b > a:
		s = models.Team1
	default:
		return nil
	}
	return &s
}

// ThrowerIndex returns which player of the team throws its shotInTeam-th
// stone (0-based) of the end. In mixed doubles the first and last stones are
// thrown by the first player and the middle three by the second.
func ThrowerIndex(rule models.RuleVariant, shotInTeam, players int) int {
	if players <= 0 {
		return 0
	}
	var idx int
	if rule == models.RuleMixedDoubles {
		if shotInTeam == 0 || shotInTeam == shotsPerEndMixedDoubles/2-1 {
			idx = 0
		} else {
			idx = 1
		}
	} else {
		idx = shotInTeam / 2
	}
	return idx % players
}

// CheckPowerPlay validates a power-play election by side in end.
func CheckPowerPlay(settings *models.MixedDoublesSettings, side models.Side, end, standardEndCount int) error {
	if settings == nil {
		return fmt.Errorf("power play outside mixed doubles: %w", matcherrors.ErrInvalidEndSetup)
	}
	if IsExtraEnd(end, standardEndCount) {
		return fmt.Errorf("power play in extra end %d: %w", end, matcherrors.ErrInvalidEndSetup)
	}
	if settings.PowerPlayEnd[side] != nil {
		return fmt.Errorf("%s used it in end %d: %w", side, *settings.PowerPlayEnd[side], matcherrors.ErrPowerPlayUsed)
	}
	return nil
}
