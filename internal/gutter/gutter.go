// Package gutter detects when a loop is stuck repeating the same
// unproductive action. Signatures are fingerprints of observed iteration
// records, recomputed over a trailing window; nothing here is persisted.
package gutter

import (
	"fmt"
	"sync"

	"github.com/tarberg/loopd/internal/models"
)

// Config contains tracker configuration.
type Config struct {
	// Window is the number of trailing iterations evaluated.
	Window int

	// RepeatThreshold is the number of identical failure signatures inside
	// the window that marks the loop as stuck.
	RepeatThreshold int

	// ThrashThreshold is the number of consecutive no-progress iterations
	// touching only the same single file that marks the loop as stuck.
	ThrashThreshold int
}

// Signature is a normalized fingerprint of an unproductive action. The key
// is the command string when present, otherwise the sole touched file path.
type Signature struct {
	Key     string
	Outcome string
}

// String returns the signature in "key|outcome" form, usable as a map key
// and in log lines.
func (s Signature) String() string {
	return fmt.Sprintf("%s|%s", s.Key, s.Outcome)
}

type observation struct {
	signature *Signature
	soleFile  string
	progress  bool
}

// Tracker watches iteration records for gutter patterns. Two independent
// triggers, either suffices: the same failure signature repeating, or the
// same single file being rewritten with no forward progress in between.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	history []observation
}

// New creates a Tracker with the given configuration.
func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg}
}

// Observe records one iteration and returns its failure signature, or nil
// for a successful iteration. Records must arrive in sequence order.
func (t *Tracker) Observe(it *models.Iteration) *Signature {
	t.mu.Lock()
	defer t.mu.Unlock()

	obs := observation{progress: it.Progress}
	if len(it.FilesTouched) == 1 {
		obs.soleFile = it.FilesTouched[0]
	}

	if it.Status != models.IterationStatusSuccess {
		key := it.Command
		if key == "" {
			key = obs.soleFile
		}
		obs.signature = &Signature{Key: key, Outcome: it.Outcome}
	}

	t.history = append(t.history, obs)
	if t.cfg.Window > 0 && len(t.history) > t.cfg.Window {
		t.history = t.history[len(t.history)-t.cfg.Window:]
	}

	return obs.signature
}

// IsRepeating reports whether the loop is in the gutter, and how many
// occurrences triggered the verdict. With no observed history it always
// returns false.
func (t *Tracker) IsRepeating() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.history) == 0 {
		return false, 0
	}

	if repeating, n := t.repeatTrigger(); repeating {
		return true, n
	}
	return t.thrashTrigger()
}

// Reset discards all observed history, used on operator resume so a fresh
// guardrail gets a clean window.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.history = nil
}

// repeatTrigger counts identical failure signatures inside the window.
// Callers hold t.mu.
func (t *Tracker) repeatTrigger() (bool, int) {
	if t.cfg.RepeatThreshold <= 0 {
		return false, 0
	}

	counts := make(map[string]int)
	for _, obs := range t.history {
		if obs.signature == nil {
			continue
		}
		key := obs.signature.String()
		counts[key]++
		if counts[key] >= t.cfg.RepeatThreshold {
			return true, counts[key]
		}
	}
	return false, 0
}

// thrashTrigger looks for a run of consecutive iterations at the tail of
// the window that all touch only the same file with no progress marker.
// Callers hold t.mu.
func (t *Tracker) thrashTrigger() (bool, int) {
	if t.cfg.ThrashThreshold <= 0 {
		return false, 0
	}

	run := 0
	var file string
	for i := len(t.history) - 1; i >= 0; i-- {
		obs := t.history[i]
		if obs.soleFile == "" || obs.progress {
			break
		}
		if file == "" {
			file = obs.soleFile
		} else if obs.soleFile != file {
			break
		}
		run++
		if run >= t.cfg.ThrashThreshold {
			return true, run
		}
	}
	return false, 0
}
