package rules

import (
	"fmt"

	"curling-server/matcherrors"
	"curling-server/models"
)

// Positioned-stone coordinates. Power-play coordinates are for the right
// side; the left side mirrors x.
var (
	positionedInHouse = models.Stone{X: 0.0, Y: 38.870}
	powerPlayInHouse  = models.Stone{X: 1.219, Y: 38.260}

	positionedGuard = [...]models.Stone{
		{X: 0.0, Y: 35.350},
		{X: 0.0, Y: 35.060},
		{X: 0.0, Y: 34.435},
		{X: 0.0, Y: 34.145},
		{X: 0.0, Y: 33.520},
		{X: 0.0, Y: 33.230},
	}
	powerPlayGuard = [...]models.Stone{
		{X: 1.093, Y: 35.350},
		{X: 1.087, Y: 35.060},
		{X: 1.073, Y: 34.435},
		{X: 1.067, Y: 34.145},
		{X: 1.053, Y: 33.520},
		{X: 1.047, Y: 33.230},
	}
)

// PatternCount is the number of positioned-stones patterns.
const PatternCount = len(positionedGuard)

// PositionedStones places the mixed-doubles stones for an end: the non-hammer
// team's stone in the house and the hammer team's guard, both shifted to one
// side on a power play.
func PositionedStones(hammer models.Side, powerPlay models.PowerPlaySide, pattern int) (models.StoneCoordinate, error) {
	if pattern < 0 || pattern >= PatternCount {
		return models.StoneCoordinate{}, fmt.Errorf("positioned stones pattern %d: %w", pattern, matcherrors.ErrInvalidEndSetup)
	}
	house, guard := positionedInHouse, positionedGuard[pattern]
	switch powerPlay {
	case models.PowerPlayNone:
	case models.PowerPlayRight, models.PowerPlayLeft:
		house, guard = powerPlayInHouse, powerPlayGuard[pattern]
		if powerPlay == models.PowerPlayLeft {
			house.X, guard.X = -house.X, -guard.X
		}
	default:
		return models.StoneCoordinate{}, fmt.Errorf("power play side %q: %w", powerPlay, matcherrors.ErrInvalidEndSetup)
	}

	sheet := models.EmptySheet()
	sheet.Of(hammer.Other())[0] = house
	sheet.Of(hammer)[0] = guard
	return sheet, nil
}
