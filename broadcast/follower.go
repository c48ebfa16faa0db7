package broadcast

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"curling-server/models"
)

// StateSource is the slice of the persistence gateway a follower reads from.
type StateSource interface {
	StatesSince(ctx context.Context, matchID uuid.UUID, after int) ([]models.State, error)
	SubscribeStateChanges(ctx context.Context, matchID uuid.UUID) (<-chan uuid.UUID, error)
}

// Follower feeds a Log from committed States. Relay processes use it to
// serve spectators of a match driven by another process.
type Follower struct {
	source  StateSource
	log     *Log
	matchID uuid.UUID
}

func NewFollower(source StateSource, log *Log, matchID uuid.UUID) *Follower {
	return &Follower{source: source, log: log, matchID: matchID}
}

// Run subscribes to change notifications, catches up on everything already
// committed and then re-reads after every notification until ctx is done.
func (f *Follower) Run(ctx context.Context) error {
	changes, err := f.source.SubscribeStateChanges(ctx, f.matchID)
	if err != nil {
		return fmt.Errorf("follow match %s: %w", f.matchID, err)
	}
	if err := f.sync(ctx); err != nil {
		slog.Warn("initial catch-up failed", "tag", "broadcast", "match", f.matchID, "err", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-changes:
			if !ok {
				return ctx.Err()
			}
			if err := f.sync(ctx); err != nil {
				slog.Warn("catch-up failed", "tag", "broadcast", "match", f.matchID, "err", err)
			}
		}
	}
}

func (f *Follower) sync(ctx context.Context) error {
	states, err := f.source.StatesSince(ctx, f.matchID, f.log.LastSeq())
	if err != nil {
		return err
	}
	for _, s := range states {
		f.log.Publish(s)
	}
	return nil
}
