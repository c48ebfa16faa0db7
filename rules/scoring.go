package rules

import (
	"math"
	"sort"

	"curling-server/models"
)

// Scorer computes the result of a closed end from the final stone positions.
// scorer is nil for a blank end.
type Scorer interface {
	ScoreEnd(stones models.StoneCoordinate) (scorer *models.Side, points int)
}

// HouseScorer counts stones whose centre lies within the house radius plus
// one stone radius of the tee. The team with the stone nearest the tee
// scores one point per stone nearer than the opponent's nearest counting stone.
type HouseScorer struct {
	TeeX        float64
	TeeY        float64
	HouseRadius float64
	StoneRadius float64
}

// DefaultScorer uses the simulator's sheet coordinates.
func DefaultScorer() HouseScorer {
	return HouseScorer{TeeX: 0, TeeY: 38.405, HouseRadius: 1.829, StoneRadius: 0.145}
}

type stoneDistance struct {
	team models.Side
	dist float64
}

// ScoreEnd implements Scorer.
func (h HouseScorer) ScoreEnd(stones models.StoneCoordinate) (*models.Side, int) {
	limit := h.HouseRadius + h.StoneRadius
	var counting []stoneDistance
	for _, side := range []models.Side{models.Team0, models.Team1} {
		for _, s := range stones.Of(side) {
			if !s.InPlay() {
				continue
			}
			d := math.Hypot(s.X-h.TeeX, s.Y-h.TeeY)
			if d <= limit {
				counting = append(counting, stoneDistance{team: side, dist: d})
			}
		}
	}
	if len(counting) == 0 {
		return nil, 0
	}
	sort.SliceStable(counting, func(i, j int) bool { return counting[i].dist < counting[j].dist })

	winner := counting[0].team
	points := 0
	for _, c := range counting {
		if c.team != winner {
			break
		}
		points++
	}
	return &winner, points
}
