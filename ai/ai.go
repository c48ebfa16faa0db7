// Package ai plays curling for sides that a match hands to the house
// instead of a remote agent.
package ai

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"curling-server/config"
	"curling-server/dispatch"
	"curling-server/models"
	"curling-server/rules"
)

// ErrNoProfiles is returned by Assign when no house profile is configured.
var ErrNoProfiles = errors.New("no house profiles configured")

const (
	drawVelocity    = 2.3
	takeoutVelocity = 3.5
	curlSpin        = math.Pi / 2
	// aim offset against the curl, in degrees
	curlAim = 1.7
)

// Remote is the transport for sides the house does not play.
type Remote interface {
	dispatch.AgentTransport
	NotifyMatchOver(matchID uuid.UUID, final models.State)
}

type seat struct {
	matchID uuid.UUID
	side    models.Side
}

// Pool answers shot requests for house seats and forwards every other
// request to the remote transport.
type Pool struct {
	remote   Remote
	profiles []config.HouseProfile
	scorer   rules.HouseScorer

	mu    sync.Mutex
	seats map[seat]config.HouseProfile
	rng   *rand.Rand
}

func NewPool(remote Remote, profiles []config.HouseProfile) *Pool {
	return &Pool{
		remote:   remote,
		profiles: profiles,
		scorer:   rules.DefaultScorer(),
		seats:    make(map[seat]config.HouseProfile),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Enabled reports whether any house profile is configured.
func (p *Pool) Enabled() bool {
	return len(p.profiles) > 0
}

// Assign gives side of matchID to a randomly chosen house profile.
func (p *Pool) Assign(matchID uuid.UUID, side models.Side) (config.HouseProfile, error) {
	if len(p.profiles) == 0 {
		return config.HouseProfile{}, ErrNoProfiles
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	profile := p.profiles[p.rng.Intn(len(p.profiles))]
	p.seats[seat{matchID, side}] = profile
	slog.Info("house agent seated", "tag", "ai", "match", matchID, "side", side, "profile", profile.Name)
	return profile, nil
}

// Plays reports whether the house plays side of matchID.
func (p *Pool) Plays(matchID uuid.UUID, side models.Side) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.seats[seat{matchID, side}]
	return ok
}

// Release frees both seats of matchID.
func (p *Pool) Release(matchID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.seats, seat{matchID, models.Team0})
	delete(p.seats, seat{matchID, models.Team1})
}

// RequestShot implements dispatch.AgentTransport.
func (p *Pool) RequestShot(ctx context.Context, matchID uuid.UUID, side models.Side, req dispatch.ShotRequest) (models.ShotParams, error) {
	p.mu.Lock()
	profile, ok := p.seats[seat{matchID, side}]
	var delay time.Duration
	var roll int
	var noise float64
	if ok {
		delay = thinkTime(p.rng, profile)
		roll = p.rng.Intn(100)
		noise = (p.rng.Float64()*2 - 1) * profile.Spread
	}
	p.mu.Unlock()
	if !ok {
		return p.remote.RequestShot(ctx, matchID, side, req)
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return models.ShotParams{}, ctx.Err()
	case <-timer.C:
	}

	params := p.choose(req, roll < profile.TakeoutChance)
	params.TranslationalVelocity *= 1 + noise
	slog.Debug("house shot", "tag", "ai", "match", matchID, "side", side, "profile", profile.Name,
		"velocity", params.TranslationalVelocity, "angle", params.ShotAngle)
	return params, nil
}

// NotifyMatchOver releases the house seats and tells the remote agents.
func (p *Pool) NotifyMatchOver(matchID uuid.UUID, final models.State) {
	p.Release(matchID)
	p.remote.NotifyMatchOver(matchID, final)
}

// choose draws to the tee, or hits the opponent's stone nearest the tee when
// takeout is set and such a stone lies in the house.
func (p *Pool) choose(req dispatch.ShotRequest, takeout bool) models.ShotParams {
	// alternate the turn so consecutive draws do not land on each other
	spin := curlSpin
	if req.State.ShotNumber%2 == 1 {
		spin = -spin
	}
	target := models.Stone{X: p.scorer.TeeX, Y: p.scorer.TeeY}
	velocity := drawVelocity
	if takeout {
		if s, ok := p.nearestOpponent(req.State.Stones, req.Team); ok {
			target = s
			velocity = takeoutVelocity
		}
	}
	return models.ShotParams{
		TranslationalVelocity: velocity,
		AngularVelocity:       spin,
		ShotAngle:             aimAt(target, spin),
	}
}

func (p *Pool) nearestOpponent(stones models.StoneCoordinate, side models.Side) (models.Stone, bool) {
	limit := p.scorer.HouseRadius + p.scorer.StoneRadius
	best, bestDist := models.Stone{}, math.Inf(1)
	for _, s := range stones.Of(side.Other()) {
		if !s.InPlay() {
			continue
		}
		d := math.Hypot(s.X-p.scorer.TeeX, s.Y-p.scorer.TeeY)
		if d <= limit && d < bestDist {
			best, bestDist = s, d
		}
	}
	return best, !math.IsInf(bestDist, 1)
}

// aimAt returns the release angle in degrees from the hack towards target,
// offset against the curl of spin.
func aimAt(target models.Stone, spin float64) float64 {
	angle := math.Atan2(target.Y, target.X) * 180 / math.Pi
	if spin > 0 {
		return angle + curlAim
	}
	return angle - curlAim
}

func thinkTime(rng *rand.Rand, profile config.HouseProfile) time.Duration {
	lo, hi := profile.DelayMinMS, profile.DelayMaxMS
	if hi < lo {
		hi = lo
	}
	ms := lo
	if hi > lo {
		ms += rng.Intn(hi - lo + 1)
	}
	return time.Duration(ms) * time.Millisecond
}
