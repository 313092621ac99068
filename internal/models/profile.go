package models

import "errors"

// Harness identifies an agent harness implementation.
type Harness string

const (
	HarnessClaude   Harness = "claude"
	HarnessCodex    Harness = "codex"
	HarnessOpenCode Harness = "opencode"
	HarnessGeneric  Harness = "generic"
)

// PromptMode controls how prompts are delivered to a harness.
type PromptMode string

const (
	PromptModeEnv   PromptMode = "env"
	PromptModeStdin PromptMode = "stdin"
	PromptModePath  PromptMode = "path"
)

// Profile describes how the agent subprocess is invoked. The supervisor
// treats the agent strictly as data: a prompt goes in, a transcript and an
// optional completion token come out.
type Profile struct {
	Name            string            `json:"name"`
	Harness         Harness           `json:"harness"`
	CommandTemplate string            `json:"command_template"`
	PromptMode      PromptMode        `json:"prompt_mode"`
	Model           string            `json:"model,omitempty"`
	ExtraArgs       []string          `json:"extra_args,omitempty"`
	Env             map[string]string `json:"env,omitempty"`
}

// Validate checks if the profile configuration is valid.
func (p *Profile) Validate() error {
	validation := &ValidationErrors{}
	if p.CommandTemplate == "" {
		validation.Add("command_template", ErrInvalidCommandTemplate)
	}
	if validation.Err() != nil {
		return validation.Err()
	}

	switch p.Harness {
	case "", HarnessClaude, HarnessCodex, HarnessOpenCode, HarnessGeneric:
		// ok
	default:
		return ErrInvalidProfileHarness
	}

	switch p.PromptMode {
	case "", PromptModeEnv, PromptModeStdin, PromptModePath:
		return nil
	default:
		return errors.New("invalid prompt_mode")
	}
}

// DefaultPromptMode returns the default prompt mode for profiles.
func DefaultPromptMode() PromptMode {
	return PromptModeEnv
}
