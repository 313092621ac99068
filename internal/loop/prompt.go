package loop

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/tarberg/loopd/internal/models"
)

type promptSpec struct {
	Path    string
	Content string
}

// resolvePrompt loads the base prompt for a loop. The loop's prompt path
// wins; otherwise PROMPT.md in the repo root, then the repo-local default.
func resolvePrompt(loop *models.Loop, defaultPrompt string) (promptSpec, error) {
	if loop == nil {
		return promptSpec{}, errors.New("loop is nil")
	}

	candidates := make([]string, 0, 3)
	if strings.TrimSpace(loop.PromptPath) != "" {
		candidates = append(candidates, resolveRepoPath(loop.RepoPath, loop.PromptPath))
	}
	if defaultPrompt != "" {
		candidates = append(candidates, resolveRepoPath(loop.RepoPath, defaultPrompt))
	}
	candidates = append(candidates, filepath.Join(loop.RepoPath, ".loopd", "prompts", "default.md"))

	var lastErr error
	for _, path := range candidates {
		content, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		return promptSpec{Path: path, Content: string(content)}, nil
	}
	return promptSpec{}, lastErr
}

func resolveRepoPath(repoRoot, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(repoRoot, path)
}

// appendGuardrails folds accumulated guardrails into the prompt so lessons
// survive context resets. The agent sees them on every iteration.
func appendGuardrails(base string, guardrails []*models.Guardrail) string {
	if len(guardrails) == 0 {
		return base
	}

	builder := strings.Builder{}
	builder.WriteString(strings.TrimRight(base, "\n"))
	builder.WriteString("\n\n## Guardrails\n\n")
	builder.WriteString("Lessons from earlier iterations. Do not repeat these mistakes.\n\n")
	for _, g := range guardrails {
		builder.WriteString("- ")
		if g.Pattern != "" {
			builder.WriteString("`")
			builder.WriteString(g.Pattern)
			builder.WriteString("`: ")
		}
		builder.WriteString(strings.TrimSpace(g.Note))
		builder.WriteString("\n")
	}

	return builder.String()
}
