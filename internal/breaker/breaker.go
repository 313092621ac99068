// Package breaker gates loop iterations behind a circuit breaker. The
// breaker folds rate-limit pressure and gutter detection into a single
// decision the controller can act on without knowing either mechanism.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarberg/loopd/internal/gutter"
	"github.com/tarberg/loopd/internal/logging"
	"github.com/tarberg/loopd/internal/ratelimit"
)

// State represents the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// DecisionKind classifies an Evaluate outcome.
type DecisionKind int

const (
	// Proceed admits the next iteration.
	Proceed DecisionKind = iota

	// Wait defers the next iteration for Decision.Wait.
	Wait

	// Abort terminates the run. This is the only non-recoverable outcome;
	// it fires only when a budget is exhausted while the breaker is open.
	Abort
)

// Decision is the breaker's verdict for the next iteration.
type Decision struct {
	Kind   DecisionKind
	Wait   time.Duration
	Reason string
}

// Config contains breaker configuration.
type Config struct {
	// CooldownDuration is how long the breaker stays open before allowing
	// a half-open probe.
	CooldownDuration time.Duration

	// AbortAfter opens the breaker when the rate limiter has reported no
	// available slot continuously for this long. Zero disables the
	// transition: rate pressure alone only ever produces waits.
	AbortAfter time.Duration

	// MaxIterations is the total iteration budget. Zero means unlimited.
	MaxIterations int

	// MaxWallClock is the total run duration budget. Zero means unlimited.
	MaxWallClock time.Duration
}

// Breaker implements the closed/open/half-open circuit over a rate limiter
// and a gutter tracker.
type Breaker struct {
	mu      sync.Mutex
	cfg     Config
	limiter *ratelimit.Limiter
	tracker *gutter.Tracker
	logger  zerolog.Logger

	state            State
	openedAt         time.Time
	rateStalledSince time.Time
	startedAt        time.Time
	iterations       int
}

// New creates a Breaker in the closed state. The run's wall clock starts
// at startedAt; on crash-resume pass the original start so the budget
// covers the whole run, not just the current process.
func New(cfg Config, limiter *ratelimit.Limiter, tracker *gutter.Tracker, startedAt time.Time) *Breaker {
	return &Breaker{
		cfg:       cfg,
		limiter:   limiter,
		tracker:   tracker,
		logger:    logging.Component("breaker"),
		state:     StateClosed,
		startedAt: startedAt,
	}
}

// Evaluate returns the decision for the next iteration.
func (b *Breaker) Evaluate(now time.Time) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if reason, exhausted := b.budgetExhausted(now); exhausted {
			return Decision{Kind: Abort, Reason: reason}
		}

		remaining := b.openedAt.Add(b.cfg.CooldownDuration).Sub(now)
		if remaining > 0 {
			return Decision{Kind: Wait, Wait: remaining, Reason: "breaker open, cooling down"}
		}

		b.transition(StateHalfOpen, "cooldown elapsed")
		return b.probeDecision(now)

	case StateHalfOpen:
		return b.probeDecision(now)
	}

	// Closed: gutter detection trips the breaker before rate pressure is
	// even considered.
	if repeating, occurrences := b.tracker.IsRepeating(); repeating {
		b.open(now, "failure signature repeating")
		b.logger.Warn().
			Int("occurrences", occurrences).
			Msg("gutter detected, breaker opened")
		return Decision{Kind: Wait, Wait: b.cfg.CooldownDuration, Reason: "failure signature repeating"}
	}

	wait := b.limiter.TimeUntilNextSlot(now)
	if wait <= 0 {
		b.rateStalledSince = time.Time{}
		return Decision{Kind: Proceed}
	}

	if b.rateStalledSince.IsZero() {
		b.rateStalledSince = now
	}
	if b.cfg.AbortAfter > 0 && now.Sub(b.rateStalledSince) >= b.cfg.AbortAfter {
		b.open(now, "rate limited past abort threshold")
		return Decision{Kind: Wait, Wait: b.cfg.CooldownDuration, Reason: "rate limited past abort threshold"}
	}

	return Decision{Kind: Wait, Wait: wait, Reason: "rate limited"}
}

// RecordResult feeds an iteration outcome back into the breaker. In
// half-open the single probe decides the next state; in closed it only
// advances the iteration count.
func (b *Breaker) RecordResult(now time.Time, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.iterations++

	if b.state != StateHalfOpen {
		return
	}

	repeating, _ := b.tracker.IsRepeating()
	if success && !repeating {
		b.transition(StateClosed, "probe succeeded")
		b.rateStalledSince = time.Time{}
		return
	}
	b.open(now, "probe failed")
}

// Resume forces an open breaker into half-open, used for the operator
// resume control. It is a no-op in any other state.
func (b *Breaker) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		b.transition(StateHalfOpen, "operator resume")
	}
}

// SetBudgets overrides the iteration and wall-clock budgets at runtime.
// Zero values mean unlimited.
func (b *Breaker) SetBudgets(maxIterations int, maxWallClock time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.cfg.MaxIterations = maxIterations
	b.cfg.MaxWallClock = maxWallClock
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Iterations returns how many iteration results have been recorded.
func (b *Breaker) Iterations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.iterations
}

// SeedIterations primes the iteration count from durable history on
// crash-resume.
func (b *Breaker) SeedIterations(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.iterations = n
}

// probeDecision admits the half-open probe only once a rate slot is free,
// so a full window waits instead of spinning. Callers hold b.mu.
func (b *Breaker) probeDecision(now time.Time) Decision {
	if wait := b.limiter.TimeUntilNextSlot(now); wait > 0 {
		return Decision{Kind: Wait, Wait: wait, Reason: "rate limited before probe"}
	}
	return Decision{Kind: Proceed, Reason: "half-open probe"}
}

// budgetExhausted checks the iteration and wall-clock budgets. Callers
// hold b.mu.
func (b *Breaker) budgetExhausted(now time.Time) (string, bool) {
	if b.cfg.MaxIterations > 0 && b.iterations >= b.cfg.MaxIterations {
		return "iteration budget exhausted", true
	}
	if b.cfg.MaxWallClock > 0 && now.Sub(b.startedAt) >= b.cfg.MaxWallClock {
		return "wall clock budget exhausted", true
	}
	return "", false
}

func (b *Breaker) open(now time.Time, reason string) {
	b.openedAt = now
	b.transition(StateOpen, reason)
}

func (b *Breaker) transition(to State, reason string) {
	if b.state == to {
		return
	}
	b.logger.Info().
		Str("from", string(b.state)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("breaker transition")
	b.state = to
}
