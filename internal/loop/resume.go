package loop

import (
	"context"
	"time"

	"github.com/tarberg/loopd/internal/breaker"
	"github.com/tarberg/loopd/internal/db"
	"github.com/tarberg/loopd/internal/gutter"
	"github.com/tarberg/loopd/internal/models"
	"github.com/tarberg/loopd/internal/ratelimit"
)

// rebuildDerivedState replays the durable trail into the limiter, tracker
// and breaker after a restart. In-memory state is never trusted across a
// crash; the records are the single source of truth.
func rebuildDerivedState(
	ctx context.Context,
	iterRepo *db.IterationRepository,
	loopID string,
	limiter *ratelimit.Limiter,
	tracker *gutter.Tracker,
	brk *breaker.Breaker,
	rateWindowSize int,
	gutterWindow int,
	now time.Time,
) (nextSeq int, err error) {
	readBack := rateWindowSize
	if gutterWindow > readBack {
		readBack = gutterWindow
	}

	recent, err := iterRepo.ReadRecent(ctx, loopID, readBack)
	if err != nil {
		return 0, err
	}

	// ReadRecent returns most recent first; replay wants sequence order.
	ordered := make([]*models.Iteration, len(recent))
	for i, it := range recent {
		ordered[len(recent)-1-i] = it
	}

	timestamps := make([]time.Time, 0, len(ordered))
	for _, it := range ordered {
		timestamps = append(timestamps, it.StartedAt)
	}
	limiter.Rebuild(now, timestamps)

	start := len(ordered) - gutterWindow
	if start < 0 {
		start = 0
	}
	for _, it := range ordered[start:] {
		tracker.Observe(it)
	}

	count, err := iterRepo.Count(ctx, loopID)
	if err != nil {
		return 0, err
	}
	brk.SeedIterations(count)

	maxSeq, err := iterRepo.MaxSeq(ctx, loopID)
	if err != nil {
		return 0, err
	}
	return maxSeq + 1, nil
}
