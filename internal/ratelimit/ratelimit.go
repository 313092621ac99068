// Package ratelimit bounds agent invocation frequency over a sliding time
// window. The limiter holds only derived state: after a restart it is rebuilt
// from the durable iteration trail, never trusted from memory.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// Config contains limiter configuration.
type Config struct {
	// MaxCallsPerWindow is the maximum number of admitted calls inside any
	// trailing window.
	MaxCallsPerWindow int

	// WindowDuration is the length of the trailing window.
	WindowDuration time.Duration
}

// Limiter admits or rejects invocations against a sliding window of
// timestamps. The window never holds more than MaxCallsPerWindow entries;
// the bound is enforced before admitting a call, not after.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	window []time.Time
}

// New creates a Limiter with the given configuration.
func New(cfg Config) *Limiter {
	return &Limiter{
		cfg:    cfg,
		window: make([]time.Time, 0, cfg.MaxCallsPerWindow),
	}
}

// RecordCall attempts to admit a call at the given instant. The check and
// the append happen under one critical section so an admitted call is always
// truly within budget at commit time. On rejection the window is left
// untouched.
func (l *Limiter) RecordCall(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(now)

	if l.cfg.MaxCallsPerWindow > 0 && len(l.window) >= l.cfg.MaxCallsPerWindow {
		return false
	}

	l.window = append(l.window, now)
	return true
}

// TimeUntilNextSlot reports how long until a slot opens up. It returns zero
// when a call would be admitted right now.
func (l *Limiter) TimeUntilNextSlot(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(now)

	if l.cfg.MaxCallsPerWindow <= 0 || len(l.window) < l.cfg.MaxCallsPerWindow {
		return 0
	}

	oldest := l.window[0]
	wait := oldest.Add(l.cfg.WindowDuration).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Rebuild replaces the window with historical invocation timestamps, used on
// crash-resume to re-derive limiter state from the durable trail. Entries
// outside the window relative to now are dropped; the rest are kept oldest
// first, truncated to the newest MaxCallsPerWindow entries.
func (l *Limiter) Rebuild(now time.Time, timestamps []time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := make([]time.Time, 0, len(timestamps))
	cutoff := now.Add(-l.cfg.WindowDuration)
	for _, ts := range timestamps {
		if ts.After(cutoff) {
			window = append(window, ts)
		}
	}
	sort.Slice(window, func(i, j int) bool { return window[i].Before(window[j]) })

	if l.cfg.MaxCallsPerWindow > 0 && len(window) > l.cfg.MaxCallsPerWindow {
		window = window[len(window)-l.cfg.MaxCallsPerWindow:]
	}
	l.window = window
}

// Len returns the number of timestamps currently inside the window.
func (l *Limiter) Len(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(now)
	return len(l.window)
}

// evict drops entries older than the window. Callers hold l.mu.
func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.cfg.WindowDuration)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}
