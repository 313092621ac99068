package models

import "errors"

// Validation errors for models
var (
	// Loop errors
	ErrInvalidLoopName     = errors.New("loop name is required")
	ErrInvalidLoopRepoPath = errors.New("loop repo path is required")

	// Iteration errors
	ErrInvalidIterationLoop   = errors.New("iteration must be associated with a loop")
	ErrInvalidIterationSeq    = errors.New("iteration sequence must be >= 1")
	ErrInvalidIterationStatus = errors.New("iteration status is invalid")

	// Guardrail errors
	ErrInvalidGuardrailNote = errors.New("guardrail note is required")

	// Control errors
	ErrInvalidControlPayload = errors.New("control item payload is required")

	// Profile errors
	ErrInvalidProfileHarness  = errors.New("profile harness is required")
	ErrInvalidCommandTemplate = errors.New("command template is required")
)
