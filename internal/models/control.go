package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ControlType specifies the type of operator control item.
type ControlType string

const (
	ControlPause     ControlType = "pause"
	ControlResume    ControlType = "resume"
	ControlAbort     ControlType = "abort"
	ControlSetBudget ControlType = "set_budget"
)

// ControlStatus represents the status of a control item.
type ControlStatus string

const (
	ControlStatusPending ControlStatus = "pending"
	ControlStatusApplied ControlStatus = "applied"
	ControlStatusFailed  ControlStatus = "failed"
)

// ControlItem is an operator control delivered to a running loop through
// the durable store, so controls survive restarts and reach loops running
// in other processes.
type ControlItem struct {
	ID        string          `json:"id"`
	LoopID    string          `json:"loop_id"`
	Type      ControlType     `json:"type"`
	Status    ControlStatus   `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	AppliedAt *time.Time      `json:"applied_at,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// PausePayload pauses the loop; with a zero duration the loop stays paused
// until a resume control arrives.
type PausePayload struct {
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// ResumePayload resumes a paused loop. The next iteration runs as a
// half-open probe.
type ResumePayload struct {
	Reason string `json:"reason,omitempty"`
}

// AbortPayload terminates the loop run.
type AbortPayload struct {
	Reason string `json:"reason,omitempty"`
}

// BudgetPayload overrides the iteration and wall-clock budgets.
type BudgetPayload struct {
	MaxIterations       int `json:"max_iterations,omitempty"`
	MaxWallClockSeconds int `json:"max_wall_clock_seconds,omitempty"`
}

// Validate checks if the control item is valid.
func (c *ControlItem) Validate() error {
	validation := &ValidationErrors{}
	if c.Type == "" {
		validation.AddMessage("type", "control type is required")
	}
	if len(c.Payload) == 0 {
		validation.Add("payload", ErrInvalidControlPayload)
	}
	if validation.Err() != nil {
		return validation.Err()
	}

	switch c.Type {
	case ControlPause:
		var payload PausePayload
		if err := json.Unmarshal(c.Payload, &payload); err != nil {
			return fmt.Errorf("invalid pause payload: %w", err)
		}
		if payload.DurationSeconds < 0 {
			return errors.New("pause payload duration_seconds must be >= 0")
		}
	case ControlResume:
		var payload ResumePayload
		if err := json.Unmarshal(c.Payload, &payload); err != nil {
			return fmt.Errorf("invalid resume payload: %w", err)
		}
	case ControlAbort:
		var payload AbortPayload
		if err := json.Unmarshal(c.Payload, &payload); err != nil {
			return fmt.Errorf("invalid abort payload: %w", err)
		}
	case ControlSetBudget:
		var payload BudgetPayload
		if err := json.Unmarshal(c.Payload, &payload); err != nil {
			return fmt.Errorf("invalid set_budget payload: %w", err)
		}
		if payload.MaxIterations < 0 || payload.MaxWallClockSeconds < 0 {
			return errors.New("set_budget payload values must be >= 0")
		}
	default:
		return fmt.Errorf("unknown control type %q", c.Type)
	}

	return nil
}
