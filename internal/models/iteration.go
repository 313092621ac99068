package models

import "time"

// IterationStatus represents the outcome of a single loop iteration.
type IterationStatus string

const (
	IterationStatusRunning IterationStatus = "running"
	IterationStatusSuccess IterationStatus = "success"
	IterationStatusBlocked IterationStatus = "blocked"
	IterationStatusError   IterationStatus = "error"
	IterationStatusTimeout IterationStatus = "timeout"
)

// Iteration captures one loop pass: the agent was invoked once and its
// outcome recorded. Records are immutable once finished; corrections are
// expressed as new records.
type Iteration struct {
	ID     string          `json:"id"`
	LoopID string          `json:"loop_id"`
	Seq    int             `json:"seq"`
	Status IterationStatus `json:"status"`

	// PromptRef is an opaque reference (hash or path) to the prompt the
	// agent was invoked with. The prompt content itself is not stored.
	PromptRef string `json:"prompt_ref,omitempty"`

	// Command and Outcome are the agent's self-reported action and outcome
	// kind, consumed verbatim. They feed failure-signature detection.
	Command string `json:"command,omitempty"`
	Outcome string `json:"outcome,omitempty"`

	// FilesTouched lists the file paths the agent reported modifying.
	FilesTouched []string `json:"files_touched,omitempty"`

	// Progress marks the agent's own forward-progress signal (for example
	// a new passing test). It is not reinterpreted.
	Progress bool `json:"progress"`

	// TranscriptPath points to the externally stored transcript log. The
	// transcript is never held in memory after the iteration ends.
	TranscriptPath string `json:"transcript_path,omitempty"`

	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Validate checks if the iteration is valid.
func (it *Iteration) Validate() error {
	validation := &ValidationErrors{}
	if it.LoopID == "" {
		validation.Add("loop_id", ErrInvalidIterationLoop)
	}
	if it.Seq < 1 {
		validation.Add("seq", ErrInvalidIterationSeq)
	}
	switch it.Status {
	case IterationStatusRunning, IterationStatusSuccess, IterationStatusBlocked,
		IterationStatusError, IterationStatusTimeout:
	default:
		validation.Add("status", ErrInvalidIterationStatus)
	}
	return validation.Err()
}

// Finished reports whether the iteration has a terminal status.
func (it *Iteration) Finished() bool {
	return it.Status != IterationStatusRunning
}
