package rules

import (
	"fmt"
	"time"

	"curling-server/matcherrors"
	"curling-server/models"
)

// Clock is the per-team chess clock: a standard pool used during regulation
// ends and an extra-end pool used during extra ends, both in seconds.
type Clock struct {
	Standard [2]float64
	Extra    [2]float64
}

// NewClock returns a clock with full pools for both teams.
func NewClock(timeLimit, extraEndTimeLimit float64) Clock {
	return Clock{
		Standard: [2]float64{timeLimit, timeLimit},
		Extra:    [2]float64{extraEndTimeLimit, extraEndTimeLimit},
	}
}

// ClockFromState reads the remaining pools recorded in a State.
func ClockFromState(s models.State) Clock {
	return Clock{Standard: s.RemainingTime, Extra: s.ExtraEndRemainingTime}
}

// ApplyTo writes the pools into s.
func (c Clock) ApplyTo(s *models.State) {
	s.RemainingTime = c.Standard
	s.ExtraEndRemainingTime = c.Extra
}

// Remaining returns the active pool of team.
func (c Clock) Remaining(team models.Side, extraEnd bool) float64 {
	if extraEnd {
		return c.Extra[team]
	}
	return c.Standard[team]
}

// Budget is Remaining as a duration, used as the agent's response deadline.
func (c Clock) Budget(team models.Side, extraEnd bool) time.Duration {
	r := c.Remaining(team, extraEnd)
	if r <= 0 {
		return 0
	}
	return time.Duration(r * float64(time.Second))
}

// Consume charges elapsed seconds to team's active pool. If the pool would go
// negative it is set to zero and ErrClockExhausted is returned; the caller
// must treat that as forfeiture.
func (c *Clock) Consume(team models.Side, elapsed float64, extraEnd bool) error {
	if elapsed < 0 {
		elapsed = 0
	}
	pool := &c.Standard
	if extraEnd {
		pool = &c.Extra
	}
	left := pool[team] - elapsed
	if left < 0 {
		pool[team] = 0
		return fmt.Errorf("%s used %.3fs: %w", team, elapsed, matcherrors.ErrClockExhausted)
	}
	pool[team] = left
	return nil
}
