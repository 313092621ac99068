package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_AdmitsUpToCapacity(t *testing.T) {
	limiter := New(Config{MaxCallsPerWindow: 2, WindowDuration: 60 * time.Second})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if !limiter.RecordCall(base) {
		t.Fatalf("expected first call to be admitted")
	}
	if !limiter.RecordCall(base.Add(10 * time.Second)) {
		t.Fatalf("expected second call to be admitted")
	}

	now := base.Add(20 * time.Second)
	if limiter.RecordCall(now) {
		t.Fatalf("expected third call to be rejected")
	}

	wait := limiter.TimeUntilNextSlot(now)
	if wait != 40*time.Second {
		t.Fatalf("expected 40s wait until oldest entry expires, got %v", wait)
	}
}

func TestLimiter_RejectionDoesNotMutate(t *testing.T) {
	limiter := New(Config{MaxCallsPerWindow: 1, WindowDuration: time.Minute})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	limiter.RecordCall(base)
	for i := 0; i < 5; i++ {
		if limiter.RecordCall(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("expected rejection at attempt %d", i)
		}
	}

	if got := limiter.Len(base.Add(5 * time.Second)); got != 1 {
		t.Fatalf("expected window length 1 after rejections, got %d", got)
	}
}

func TestLimiter_SlotOpensAfterExpiry(t *testing.T) {
	limiter := New(Config{MaxCallsPerWindow: 1, WindowDuration: time.Minute})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	limiter.RecordCall(base)

	later := base.Add(61 * time.Second)
	if wait := limiter.TimeUntilNextSlot(later); wait != 0 {
		t.Fatalf("expected no wait after expiry, got %v", wait)
	}
	if !limiter.RecordCall(later) {
		t.Fatalf("expected call to be admitted after expiry")
	}
}

func TestLimiter_WindowBoundHolds(t *testing.T) {
	limiter := New(Config{MaxCallsPerWindow: 5, WindowDuration: time.Minute})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	admitted := 0
	for i := 0; i < 100; i++ {
		if limiter.RecordCall(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			admitted++
		}
	}
	if admitted != 5 {
		t.Fatalf("expected 5 admitted calls inside window, got %d", admitted)
	}
}

func TestLimiter_Rebuild(t *testing.T) {
	limiter := New(Config{MaxCallsPerWindow: 3, WindowDuration: time.Minute})
	now := time.Date(2026, 1, 1, 0, 5, 0, 0, time.UTC)

	// Unordered history spanning the cutoff; stale entries must drop out.
	limiter.Rebuild(now, []time.Time{
		now.Add(-10 * time.Second),
		now.Add(-2 * time.Minute),
		now.Add(-30 * time.Second),
		now.Add(-50 * time.Second),
	})

	if got := limiter.Len(now); got != 3 {
		t.Fatalf("expected 3 entries after rebuild, got %d", got)
	}
	if limiter.RecordCall(now) {
		t.Fatalf("expected call to be rejected against rebuilt window")
	}

	wait := limiter.TimeUntilNextSlot(now)
	if wait != 10*time.Second {
		t.Fatalf("expected 10s wait until oldest rebuilt entry expires, got %v", wait)
	}
}

func TestLimiter_RebuildTruncatesToCapacity(t *testing.T) {
	limiter := New(Config{MaxCallsPerWindow: 2, WindowDuration: time.Minute})
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	limiter.Rebuild(now, []time.Time{
		now.Add(-10 * time.Second),
		now.Add(-20 * time.Second),
		now.Add(-30 * time.Second),
	})

	if got := limiter.Len(now); got != 2 {
		t.Fatalf("expected window truncated to capacity, got %d", got)
	}
	// The survivors are the newest two; the oldest expires at -20s + 60s.
	if wait := limiter.TimeUntilNextSlot(now); wait != 40*time.Second {
		t.Fatalf("expected 40s wait, got %v", wait)
	}
}
