package loop

import (
	"context"
	"testing"
	"time"

	"github.com/tarberg/loopd/internal/breaker"
	"github.com/tarberg/loopd/internal/db"
	"github.com/tarberg/loopd/internal/gutter"
	"github.com/tarberg/loopd/internal/models"
	"github.com/tarberg/loopd/internal/ratelimit"
)

func setupIterationTrail(t *testing.T) (*db.IterationRepository, string) {
	t.Helper()

	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate database: %v", err)
	}

	loop := &models.Loop{Name: "resume-loop", RepoPath: t.TempDir()}
	if err := db.NewLoopRepository(database).Create(context.Background(), loop); err != nil {
		t.Fatalf("failed to create loop: %v", err)
	}

	return db.NewIterationRepository(database), loop.ID
}

func failingIteration(loopID string, seq int, startedAt time.Time) *models.Iteration {
	finished := startedAt.Add(30 * time.Second)
	code := 1
	return &models.Iteration{
		LoopID:     loopID,
		Seq:        seq,
		Status:     models.IterationStatusError,
		Command:    "go test ./...",
		Outcome:    "compile error",
		StartedAt:  startedAt,
		FinishedAt: &finished,
		ExitCode:   &code,
	}
}

// A restarted process must derive the same limiter, tracker and breaker
// state from the trail that the pre-crash process held in memory.
func TestRebuildDerivedStateMatchesLiveState(t *testing.T) {
	iterRepo, loopID := setupIterationTrail(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := start.Add(5 * time.Minute)

	limiterCfg := ratelimit.Config{MaxCallsPerWindow: 4, WindowDuration: time.Hour}
	gutterCfg := gutter.Config{Window: 10, RepeatThreshold: 3, ThrashThreshold: 3}
	breakerCfg := breaker.Config{CooldownDuration: time.Minute}

	// The pre-crash process: three identical failures observed live.
	liveLimiter := ratelimit.New(limiterCfg)
	liveTracker := gutter.New(gutterCfg)
	for seq := 1; seq <= 3; seq++ {
		it := failingIteration(loopID, seq, start.Add(time.Duration(seq)*time.Minute))
		if !liveLimiter.RecordCall(it.StartedAt) {
			t.Fatalf("live limiter rejected call %d", seq)
		}
		liveTracker.Observe(it)
		if err := iterRepo.Append(ctx, it); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// The restarted process: fresh components, state only from the trail.
	rebuiltLimiter := ratelimit.New(limiterCfg)
	rebuiltTracker := gutter.New(gutterCfg)
	rebuiltBreaker := breaker.New(breakerCfg, rebuiltLimiter, rebuiltTracker, start)

	nextSeq, err := rebuildDerivedState(
		ctx, iterRepo, loopID,
		rebuiltLimiter, rebuiltTracker, rebuiltBreaker,
		limiterCfg.MaxCallsPerWindow, gutterCfg.Window, now,
	)
	if err != nil {
		t.Fatalf("rebuildDerivedState failed: %v", err)
	}
	if nextSeq != 4 {
		t.Fatalf("expected next seq 4, got %d", nextSeq)
	}

	liveRepeating, liveCount := liveTracker.IsRepeating()
	rebuiltRepeating, rebuiltCount := rebuiltTracker.IsRepeating()
	if !liveRepeating {
		t.Fatalf("expected live tracker to detect the repeat")
	}
	if rebuiltRepeating != liveRepeating || rebuiltCount != liveCount {
		t.Fatalf("gutter state diverged after rebuild: live (%v, %d), rebuilt (%v, %d)",
			liveRepeating, liveCount, rebuiltRepeating, rebuiltCount)
	}

	if live, rebuilt := liveLimiter.Len(now), rebuiltLimiter.Len(now); rebuilt != live {
		t.Fatalf("rate window diverged after rebuild: live %d, rebuilt %d", live, rebuilt)
	}
	if live, rebuilt := liveLimiter.TimeUntilNextSlot(now), rebuiltLimiter.TimeUntilNextSlot(now); rebuilt != live {
		t.Fatalf("next slot diverged after rebuild: live %v, rebuilt %v", live, rebuilt)
	}

	if got := rebuiltBreaker.Iterations(); got != 3 {
		t.Fatalf("expected 3 seeded iterations, got %d", got)
	}

	// The rebuilt breaker reaches the same verdict the live one would: the
	// repeated failure opens it.
	decision := rebuiltBreaker.Evaluate(now)
	if decision.Kind != breaker.Wait {
		t.Fatalf("expected wait after rebuild, got %v (%s)", decision.Kind, decision.Reason)
	}
	if rebuiltBreaker.State() != breaker.StateOpen {
		t.Fatalf("expected rebuilt breaker open on repeated failures, got %q", rebuiltBreaker.State())
	}
}

// A full rate window in the trail must still be full after a rebuild, so a
// restart cannot be used to sidestep the limiter.
func TestRebuildDerivedStateRestoresFullRateWindow(t *testing.T) {
	iterRepo, loopID := setupIterationTrail(t)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiterCfg := ratelimit.Config{MaxCallsPerWindow: 2, WindowDuration: time.Hour}
	gutterCfg := gutter.Config{Window: 10, RepeatThreshold: 3, ThrashThreshold: 3}

	for seq := 1; seq <= 2; seq++ {
		finished := start.Add(time.Duration(seq) * time.Minute)
		code := 0
		if err := iterRepo.Append(ctx, &models.Iteration{
			LoopID:     loopID,
			Seq:        seq,
			Status:     models.IterationStatusSuccess,
			StartedAt:  start.Add(time.Duration(seq-1) * time.Minute),
			FinishedAt: &finished,
			ExitCode:   &code,
		}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	limiter := ratelimit.New(limiterCfg)
	tracker := gutter.New(gutterCfg)
	brk := breaker.New(breaker.Config{CooldownDuration: time.Minute}, limiter, tracker, start)

	now := start.Add(10 * time.Minute)
	if _, err := rebuildDerivedState(
		ctx, iterRepo, loopID, limiter, tracker, brk,
		limiterCfg.MaxCallsPerWindow, gutterCfg.Window, now,
	); err != nil {
		t.Fatalf("rebuildDerivedState failed: %v", err)
	}

	if limiter.RecordCall(now) {
		t.Fatalf("expected rebuilt window to stay full and reject the call")
	}

	// The oldest call lands at start, so the slot opens an hour after it.
	wait := limiter.TimeUntilNextSlot(now)
	if wait != 50*time.Minute {
		t.Fatalf("expected 50m until slot, got %v", wait)
	}
}
