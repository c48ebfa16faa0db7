package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// MatchDeleter removes matches created before a cutoff.
type MatchDeleter interface {
	DeleteMatchesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Retention periodically deletes matches older than a fixed age.
type Retention struct {
	store    MatchDeleter
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewRetention(store MatchDeleter, maxAge, interval time.Duration) *Retention {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Retention{store: store, maxAge: maxAge, interval: interval, now: time.Now}
}

// Sweep deletes expired matches once.
func (r *Retention) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.maxAge)
	n, err := r.store.DeleteMatchesBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	if n > 0 {
		slog.Info("expired matches deleted", "tag", "jobs", "count", n, "cutoff", cutoff.Format(time.RFC3339))
	}
	return n, nil
}

// Run schedules the sweep every interval until ctx is cancelled. A sweep
// never overlaps the previous one.
func (r *Retention) Run(ctx context.Context) error {
	if r.maxAge <= 0 {
		slog.Info("retention disabled", "tag", "jobs")
		<-ctx.Done()
		return nil
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(r.interval),
		gocron.NewTask(func() {
			if _, err := r.Sweep(ctx); err != nil {
				slog.Error("retention sweep failed", "tag", "jobs", "err", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule retention: %w", err)
	}
	sched.Start()
	slog.Info("retention scheduled", "tag", "jobs", "max_age", r.maxAge, "every", r.interval)

	<-ctx.Done()
	return sched.Shutdown()
}
