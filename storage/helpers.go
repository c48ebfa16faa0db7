package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"curling-server/matcherrors"
	"curling-server/models"
)

func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}

// prepareState fills the identity and timestamp of a State about to be written.
func prepareState(s *models.State) {
	if s.ID == uuid.Nil {
		s.ID = newID()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.Stones.DataFormatVersion == "" {
		s.Stones.DataFormatVersion = models.StoneFormatVersion
	}
}

// checkSequence enforces the append-only ordering of a match's States.
func checkSequence(latest, next models.State) error {
	if latest.Final() {
		return matcherrors.ErrMatchFinished
	}
	if next.TotalShotNumber != latest.TotalShotNumber+1 {
		return fmt.Errorf("state %d does not follow %d: %w", next.TotalShotNumber, latest.TotalShotNumber, matcherrors.ErrPersistenceFailure)
	}
	if next.EndNumber < latest.EndNumber || next.EndNumber > latest.EndNumber+1 {
		return fmt.Errorf("end %d does not follow %d: %w", next.EndNumber, latest.EndNumber, matcherrors.ErrPersistenceFailure)
	}
	return nil
}

func persistErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, matcherrors.ErrPersistenceFailure, err)
}

// coalesce delivers id without blocking; a pending notification already
// tells the consumer to re-read.
func coalesce(out chan uuid.UUID, id uuid.UUID) {
	select {
	case out <- id:
	default:
	}
}

func nonNilInts(v []int) []int {
	if v == nil {
		return []int{}
	}
	return v
}
