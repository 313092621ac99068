package models

import "time"

// Guardrail is a durable lesson learned from an observed failure: a
// signature pattern plus a readable note. Guardrails are append-only and
// surfaced to future iterations as part of their prompt context.
type Guardrail struct {
	ID        string    `json:"id"`
	LoopID    string    `json:"loop_id"`
	Pattern   string    `json:"pattern,omitempty"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks if the guardrail is valid.
func (g *Guardrail) Validate() error {
	validation := &ValidationErrors{}
	if g.LoopID == "" {
		validation.AddMessage("loop_id", "guardrail must be associated with a loop")
	}
	if g.Note == "" {
		validation.Add("note", ErrInvalidGuardrailNote)
	}
	return validation.Err()
}
