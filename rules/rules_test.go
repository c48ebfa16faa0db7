package rules

import (
	"errors"
	"testing"

	"curling-server/matcherrors"
	"curling-server/models"
)

func side(s models.Side) *models.Side { return &s }

func TestClock_ConsumeStandardPool(t *testing.T) {
	c := NewClock(100, 30)

	if err := c.Consume(models.Team0, 12.5, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := c.Remaining(models.Team0, false); got != 87.5 {
		t.Errorf("expected 87.5s left, got %v", got)
	}
	if got := c.Remaining(models.Team1, false); got != 100 {
		t.Errorf("other team should be untouched, got %v", got)
	}
	if got := c.Remaining(models.Team0, true); got != 30 {
		t.Errorf("extra-end pool should be untouched, got %v", got)
	}
}

func TestClock_ConsumeExtraEndPool(t *testing.T) {
	c := NewClock(100, 30)

	if err := c.Consume(models.Team1, 10, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Extra[models.Team1] != 20 || c.Standard[models.Team1] != 100 {
		t.Errorf("expected only extra pool charged, got %+v", c)
	}
}

func TestClock_ExhaustedIsForfeitNotClamp(t *testing.T) {
	c := NewClock(5, 5)

	err := c.Consume(models.Team0, 6, false)
	if !errors.Is(err, matcherrors.ErrClockExhausted) {
		t.Fatalf("expected ErrClockExhausted, got %v", err)
	}
	if c.Standard[models.Team0] != 0 {
		t.Errorf("exhausted pool should read zero, got %v", c.Standard[models.Team0])
	}
}

func TestClock_ExactBudgetIsNotExhausted(t *testing.T) {
	c := NewClock(5, 5)
	if err := c.Consume(models.Team0, 5, false); err != nil {
		t.Fatalf("using exactly the budget should not forfeit: %v", err)
	}
	if c.Budget(models.Team0, false) != 0 {
		t.Errorf("expected zero budget, got %v", c.Budget(models.Team0, false))
	}
}

func TestNextEndFirstThrower(t *testing.T) {
	// Team0 scores: Team1 throws first next end.
	if got := NextEndFirstThrower(models.Team0, side(models.Team0)); got != models.Team1 {
		t.Errorf("expected team1 after team0 scored, got %v", got)
	}
	if got := NextEndFirstThrower(models.Team0, side(models.Team1)); got != models.Team0 {
		t.Errorf("expected team0 after team1 scored, got %v", got)
	}
	// Blank end keeps the order, so the hammer stays.
	if got := NextEndFirstThrower(models.Team1, nil); got != models.Team1 {
		t.Errorf("expected team1 to keep throwing first after blank end, got %v", got)
	}
}

func TestEndSetupTeam(t *testing.T) {
	if got := EndSetupTeam(0, models.Team1, nil); got != models.Team0 {
		t.Errorf("end 0 belongs to team0, got %v", got)
	}
	if got := EndSetupTeam(3, models.Team0, side(models.Team1)); got != models.Team0 {
		t.Errorf("non-scoring team gets setup rights, got %v", got)
	}
	if got := EndSetupTeam(3, models.Team1, nil); got != models.Team1 {
		t.Errorf("blank end: first thrower keeps setup rights, got %v", got)
	}
}

func TestNextTeamToThrow(t *testing.T) {
	s := models.State{NextTeam: side(models.Team1)}
	got, err := NextTeamToThrow(s, models.RuleStandard)
	if err != nil || got != models.Team1 {
		t.Errorf("expected team1, got %v (%v)", got, err)
	}

	_, err = NextTeamToThrow(models.State{}, models.RuleMixedDoubles)
	if !errors.Is(err, matcherrors.ErrEndSetupIncomplete) {
		t.Errorf("expected ErrEndSetupIncomplete, got %v", err)
	}
	if ThrowerAfter(models.Team0) != models.Team1 {
		t.Error("order must alternate")
	}
}

func TestIsEndComplete(t *testing.T) {
	cases := []struct {
		rule models.RuleVariant
		shot int
		want bool
	}{
		{models.RuleStandard, 15, false},
		{models.RuleStandard, 16, true},
		{models.RuleFiveRock, 16, true},
		{models.RuleNoTick, 8, false},
		{models.RuleMixedDoubles, 9, false},
		{models.RuleMixedDoubles, 10, true},
	}
	for _, tc := range cases {
		if got := IsEndComplete(models.State{ShotNumber: tc.shot}, tc.rule); got != tc.want {
			t.Errorf("%s shot %d: got %v, want %v", tc.rule, tc.shot, got, tc.want)
		}
	}
}

func scoreOf(team0, team1 []int) models.Score {
	return models.Score{Team0: team0, Team1: team1}
}

func TestIsMatchComplete_TiedGoesToExtraEnd(t *testing.T) {
	s := scoreOf([]int{1, 0, 0, 2, 0, 0, 0, 0}, []int{0, 1, 1, 0, 0, 1, 0, 0})
	done, _ := IsMatchComplete(s, 8, 8, models.RuleStandard)
	if done {
		t.Error("3-3 after 8 ends should continue into an extra end")
	}
}

func TestIsMatchComplete_RegulationDecided(t *testing.T) {
	s := scoreOf([]int{1, 0, 0, 2, 0, 0, 0, 1}, []int{0, 1, 1, 0, 0, 1, 0, 0})
	done, reason := IsMatchComplete(s, 8, 8, models.RuleStandard)
	if !done || reason != models.ReasonCompleted {
		t.Errorf("expected completed, got %v %q", done, reason)
	}
}

func TestIsMatchComplete_ExtraEndDecides(t *testing.T) {
	s := scoreOf([]int{3, 0, 0}, []int{0, 3, 1})
	done, reason := IsMatchComplete(s, 3, 2, models.RuleStandard)
	if !done || reason != models.ReasonCompleted {
		t.Errorf("untied extra end should finish the match, got %v %q", done, reason)
	}
}

func TestIsMatchComplete_NoComeback(t *testing.T) {
	// 17 behind with two ends left; at most 16 can be recovered.
	s := scoreOf([]int{8, 8, 1}, []int{0, 0, 0})
	done, reason := IsMatchComplete(s, 3, 5, models.RuleStandard)
	if !done || reason != models.ReasonNoComeback {
		t.Errorf("expected no_comeback, got %v %q", done, reason)
	}

	// 16 behind with two ends left is still reachable.
	s = scoreOf([]int{8, 8, 0}, []int{0, 0, 0})
	if done, _ := IsMatchComplete(s, 3, 5, models.RuleStandard); done {
		t.Error("deficit equal to the maximum is still recoverable")
	}
}

func TestIsMatchComplete_NoComebackMixedDoubles(t *testing.T) {
	s := scoreOf([]int{6, 1}, []int{0, 0})
	done, reason := IsMatchComplete(s, 2, 3, models.RuleMixedDoubles)
	if !done || reason != models.ReasonNoComeback {
		t.Errorf("7 behind with one mixed-doubles end left: got %v %q", done, reason)
	}
}

func TestLeader(t *testing.T) {
	if Leader(scoreOf([]int{1}, []int{1})) != nil {
		t.Error("tie has no leader")
	}
	if l := Leader(scoreOf([]int{0, 2}, []int{1, 0})); l == nil || *l != models.Team0 {
		t.Errorf("expected team0, got %v", l)
	}
}

func TestThrowerIndex(t *testing.T) {
	for shot, want := range []int{0, 0, 1, 1, 2, 2, 3, 3} {
		if got := ThrowerIndex(models.RuleStandard, shot, 4); got != want {
			t.Errorf("standard stone %d: got player %d, want %d", shot, got, want)
		}
	}
	for shot, want := range []int{0, 1, 1, 1, 0} {
		if got := ThrowerIndex(models.RuleMixedDoubles, shot, 2); got != want {
			t.Errorf("mixed doubles stone %d: got player %d, want %d", shot, got, want)
		}
	}
	if got := ThrowerIndex(models.RuleStandard, 7, 2); got != 1 {
		t.Errorf("index should wrap around short rosters, got %d", got)
	}
}

func TestCheckPowerPlay(t *testing.T) {
	used := 2
	settings := &models.MixedDoublesSettings{PowerPlayEnd: [2]*int{&used, nil}}

	if err := CheckPowerPlay(settings, models.Team0, 4, 8); !errors.Is(err, matcherrors.ErrPowerPlayUsed) {
		t.Errorf("expected ErrPowerPlayUsed, got %v", err)
	}
	if err := CheckPowerPlay(settings, models.Team1, 8, 8); !errors.Is(err, matcherrors.ErrInvalidEndSetup) {
		t.Errorf("power play in extra end should be rejected, got %v", err)
	}
	if err := CheckPowerPlay(settings, models.Team1, 4, 8); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestHouseScorer(t *testing.T) {
	sc := DefaultScorer()
	tee := sc.TeeY

	sheet := models.EmptySheet()
	sheet.Team0[0] = models.Stone{X: 0.1, Y: tee}
	sheet.Team0[1] = models.Stone{X: 0.5, Y: tee}
	sheet.Team1[0] = models.Stone{X: 0.8, Y: tee}
	sheet.Team0[2] = models.Stone{X: 1.0, Y: tee}
	sheet.Team0[3] = models.Stone{X: 0, Y: tee + 5} // outside the house

	winner, points := sc.ScoreEnd(sheet)
	if winner == nil || *winner != models.Team0 || points != 2 {
		t.Errorf("expected team0 to score 2, got %v %d", winner, points)
	}
}

func TestHouseScorer_EdgeStoneCounts(t *testing.T) {
	sc := DefaultScorer()
	sheet := models.EmptySheet()
	sheet.Team1[0] = models.Stone{X: sc.HouseRadius + sc.StoneRadius - 0.001, Y: sc.TeeY}

	winner, points := sc.ScoreEnd(sheet)
	if winner == nil || *winner != models.Team1 || points != 1 {
		t.Errorf("biting stone should count, got %v %d", winner, points)
	}
}

func TestHouseScorer_BlankEnd(t *testing.T) {
	winner, points := DefaultScorer().ScoreEnd(models.EmptySheet())
	if winner != nil || points != 0 {
		t.Errorf("empty house is a blank end, got %v %d", winner, points)
	}
}

func TestPositionedStones(t *testing.T) {
	sheet, err := PositionedStones(models.Team1, models.PowerPlayNone, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sheet.Team0[0] != positionedInHouse {
		t.Errorf("non-hammer team should have the house stone, got %+v", sheet.Team0[0])
	}
	if sheet.Team1[0] != positionedGuard[2] {
		t.Errorf("hammer team should have the guard, got %+v", sheet.Team1[0])
	}
	if len(sheet.Team0) != models.StonesPerTeam || sheet.Team0[1].InPlay() {
		t.Error("remaining slots should be empty")
	}
}

func TestPositionedStones_PowerPlayLeftMirrors(t *testing.T) {
	sheet, err := PositionedStones(models.Team0, models.PowerPlayLeft, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sheet.Team1[0].X != -powerPlayInHouse.X || sheet.Team1[0].Y != powerPlayInHouse.Y {
		t.Errorf("house stone not mirrored: %+v", sheet.Team1[0])
	}
	if sheet.Team0[0].X != -powerPlayGuard[0].X {
		t.Errorf("guard not mirrored: %+v", sheet.Team0[0])
	}
}

func TestPositionedStones_InvalidPattern(t *testing.T) {
	if _, err := PositionedStones(models.Team0, models.PowerPlayNone, 6); !errors.Is(err, matcherrors.ErrInvalidEndSetup) {
		t.Errorf("expected ErrInvalidEndSetup, got %v", err)
	}
	if _, err := PositionedStones(models.Team0, "center", 0); !errors.Is(err, matcherrors.ErrInvalidEndSetup) {
		t.Errorf("expected ErrInvalidEndSetup for unknown side, got %v", err)
	}
}
