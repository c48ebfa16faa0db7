package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"curling-server/models"
)

// StateChangesChannel is the notification channel carrying committed match IDs.
const StateChangesChannel = "state_changes"

// Gateway is the persistence contract consumed by the match engine and relay
// followers. States are append-only; a failed write leaves nothing committed.
// Implementations can be swapped for testing or for a different backend.
type Gateway interface {
	// CreateMatch stores the match and its initial State in one transaction.
	CreateMatch(ctx context.Context, m models.Match, initial models.State) (models.State, error)
	ReadMatch(ctx context.Context, matchID uuid.UUID) (models.Match, error)
	LatestState(ctx context.Context, matchID uuid.UUID) (models.State, error)
	// StatesSince returns States with TotalShotNumber > after, in order.
	StatesSince(ctx context.Context, matchID uuid.UUID, after int) ([]models.State, error)

	// AppendState commits s and notifies subscribers. When shot is non-nil its
	// second write phase (actual parameters, post State, trajectory) is stored
	// in the same transaction. A final State also records the match winner.
	AppendState(ctx context.Context, s models.State, shot *models.ShotInfo) (models.State, error)
	// AppendShotInfo stores the first write phase of a shot.
	AppendShotInfo(ctx context.Context, info models.ShotInfo) error
	ReadShotInfo(ctx context.Context, shotID uuid.UUID) (models.ShotInfo, error)

	// EndSetup reads the mixed-doubles setup record for an end.
	EndSetup(ctx context.Context, matchID uuid.UUID, end int) (models.EndSetup, bool, error)
	// PutEndSetup creates or resets the pending setup record for an end.
	PutEndSetup(ctx context.Context, setup models.EndSetup) error
	// CompleteEndSetup marks setup done, records a power play election and
	// appends the setup State atomically.
	CompleteEndSetup(ctx context.Context, setup models.EndSetup, s models.State) (models.State, error)

	// SubscribeStateChanges streams the match ID each time a State is
	// committed for it. Notifications may coalesce; consumers re-read.
	// uuid.Nil subscribes to every match. The channel closes with ctx.
	SubscribeStateChanges(ctx context.Context, matchID uuid.UUID) (<-chan uuid.UUID, error)

	// DeleteMatchesBefore removes matches created before cutoff with all dependent rows.
	DeleteMatchesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close()
}

// Ensure implementations satisfy Gateway at compile time.
var (
	_ Gateway = (*Store)(nil)
	_ Gateway = (*MemoryStore)(nil)
)
