package harness

import "github.com/tarberg/loopd/internal/models"

// DefaultCommandTemplate returns the default command template for a harness.
func DefaultCommandTemplate(h models.Harness, model string) string {
	switch h {
	case models.HarnessClaude:
		return "claude -p \"$" + PromptEnvVar + "\" --dangerously-skip-permissions"
	case models.HarnessCodex:
		return "codex exec --full-auto -"
	case models.HarnessOpenCode:
		if model == "" {
			return "opencode run \"$" + PromptEnvVar + "\""
		}
		return "opencode run --model " + model + " \"$" + PromptEnvVar + "\""
	default:
		return ""
	}
}

// DefaultPromptMode returns the default prompt mode for a harness.
func DefaultPromptMode(h models.Harness) models.PromptMode {
	switch h {
	case models.HarnessCodex:
		return models.PromptModeStdin
	default:
		return models.PromptModeEnv
	}
}
