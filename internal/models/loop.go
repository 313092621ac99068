package models

import (
	"errors"
	"time"
)

// LoopState represents the current loop status.
type LoopState string

const (
	LoopStateRunning   LoopState = "running"
	LoopStateSleeping  LoopState = "sleeping"
	LoopStateWaiting   LoopState = "waiting"
	LoopStatePaused    LoopState = "paused"
	LoopStateStopped   LoopState = "stopped"
	LoopStateCompleted LoopState = "completed"
	LoopStateBlocked   LoopState = "blocked"
	LoopStateAborted   LoopState = "aborted"
	LoopStateError     LoopState = "error"
)

// Loop represents a supervised agent loop tied to a repo.
type Loop struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	RepoPath        string         `json:"repo_path"`
	PromptPath      string         `json:"prompt_path,omitempty"`
	IntervalSeconds int            `json:"interval_seconds"`
	State           LoopState      `json:"state"`
	LastRunAt       *time.Time     `json:"last_run_at,omitempty"`
	LastExitCode    *int           `json:"last_exit_code,omitempty"`
	LastError       string         `json:"last_error,omitempty"`
	LogPath         string         `json:"log_path,omitempty"`
	LedgerPath      string         `json:"ledger_path,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Validate checks if the loop is valid.
func (l *Loop) Validate() error {
	validation := &ValidationErrors{}
	if l.Name == "" {
		validation.Add("name", ErrInvalidLoopName)
	}
	if l.RepoPath == "" {
		validation.Add("repo_path", ErrInvalidLoopRepoPath)
	}
	if l.IntervalSeconds < 0 {
		validation.AddMessage("interval_seconds", "interval_seconds must be >= 0")
	}
	if validation.Err() != nil {
		return validation.Err()
	}

	switch l.State {
	case "", LoopStateRunning, LoopStateSleeping, LoopStateWaiting, LoopStatePaused,
		LoopStateStopped, LoopStateCompleted, LoopStateBlocked, LoopStateAborted, LoopStateError:
		return nil
	default:
		return errors.New("invalid loop state")
	}
}

// DefaultLoopState returns the default loop state.
func DefaultLoopState() LoopState {
	return LoopStateStopped
}
