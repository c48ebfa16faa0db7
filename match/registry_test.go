package match

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"curling-server/matcherrors"
	"curling-server/models"
	"curling-server/storage"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown rule", func(c *Config) { c.Rule = "curling_pentathlon" }},
		{"no ends", func(c *Config) { c.StandardEndCount = 0 }},
		{"zero time limit", func(c *Config) { c.TimeLimit = 0 }},
		{"negative extra time", func(c *Config) { c.ExtraEndTimeLimit = -1 }},
		{"empty team", func(c *Config) { c.Teams[1].Players = nil }},
		{"five players", func(c *Config) { c.Teams[0].Players = players(5) }},
		{"negative velocity", func(c *Config) { c.Teams[0].Players[0].MaxVelocity = -1 }},
		{"mixed doubles with four", func(c *Config) { c.Rule = models.RuleMixedDoubles }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := standardConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, matcherrors.ErrInvalidMatchConfig) {
				t.Errorf("expected ErrInvalidMatchConfig, got %v", err)
			}
		})
	}

	md := mixedDoublesConfig()
	md.PositionedStonesPattern = 99
	if err := md.Validate(); !errors.Is(err, matcherrors.ErrInvalidMatchConfig) {
		t.Errorf("expected pattern to be rejected, got %v", err)
	}
	if err := standardConfig().Validate(); err != nil {
		t.Errorf("standard config rejected: %v", err)
	}
}

func TestBegin_StoresInitialState(t *testing.T) {
	store := storage.NewMemoryStore()
	m := begin(t, newDeps(store, &fakeAgent{}, &fakeSim{}), standardConfig())

	snap := m.Snapshot()
	if snap.Phase != AwaitingShot {
		t.Errorf("expected AwaitingShot, got %s", snap.Phase)
	}
	s := snap.State
	if s.TotalShotNumber != 1 || s.EndNumber != 0 || s.ShotNumber != 0 {
		t.Errorf("unexpected initial counters %+v", s)
	}
	if s.NextTeam == nil || *s.NextTeam != models.Team0 {
		t.Errorf("team0 throws first")
	}
	if s.RemainingTime != [2]float64{600, 600} || s.ExtraEndRemainingTime != [2]float64{120, 120} {
		t.Errorf("unexpected clocks %v %v", s.RemainingTime, s.ExtraEndRemainingTime)
	}
	for _, tm := range snap.Match.Teams {
		if tm.ID == uuid.Nil {
			t.Error("team id not assigned")
		}
		for _, p := range tm.Players {
			if p.ID == uuid.Nil {
				t.Error("player id not assigned")
			}
		}
	}

	stored, err := store.LatestState(context.Background(), m.ID())
	if err != nil || stored.ID != s.ID {
		t.Errorf("initial state not stored: %v", err)
	}
}

func TestBegin_MixedDoublesWaitsForSetup(t *testing.T) {
	store := storage.NewMemoryStore()
	m := begin(t, newDeps(store, &fakeAgent{}, &fakeSim{}), mixedDoublesConfig())

	snap := m.Snapshot()
	if snap.Phase != AwaitingEndSetup || snap.State.NextTeam != nil {
		t.Errorf("expected AwaitingEndSetup with no next team, got %s %v", snap.Phase, snap.State.NextTeam)
	}
	es, ok, err := store.EndSetup(context.Background(), m.ID(), 0)
	if err != nil || !ok {
		t.Fatalf("setup record missing: ok=%v err=%v", ok, err)
	}
	if es.SetupTeam != models.Team0 || es.Done {
		t.Errorf("unexpected setup record %+v", es)
	}
}

func TestRegistry_LimitsActiveMatches(t *testing.T) {
	store := storage.NewMemoryStore()
	deps := newDeps(store, &fakeAgent{delay: -1}, &fakeSim{})
	r := NewRegistry(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := begin(t, deps, standardConfig())
	if err := r.Reserve(); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := r.Start(ctx, first); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := r.Reserve(); !errors.Is(err, matcherrors.ErrTooManyMatches) {
		t.Errorf("expected ErrTooManyMatches, got %v", err)
	}
	second := begin(t, deps, standardConfig())
	if err := r.Start(ctx, second); !errors.Is(err, matcherrors.ErrTooManyMatches) {
		t.Errorf("expected ErrTooManyMatches, got %v", err)
	}

	got, err := r.Get(first.ID())
	if err != nil || got != first {
		t.Errorf("Get returned %v, %v", got, err)
	}
	if _, err := r.Get(second.ID()); !errors.Is(err, matcherrors.ErrMatchNotFound) {
		t.Errorf("expected ErrMatchNotFound, got %v", err)
	}

	if err := first.Abort(context.Background()); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	<-first.Done
	waitFor(t, "slot release", func() bool { return r.Len() == 0 })
	if err := r.Reserve(); err != nil {
		t.Errorf("slot should be free after the match ends: %v", err)
	}
}
