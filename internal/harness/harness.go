// Package harness prepares and runs agent subprocess invocations. The agent
// is treated strictly as a black box: a prompt goes in, a transcript and an
// optional completion token come out.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/tarberg/loopd/internal/models"
)

// PromptEnvVar carries the prompt content for env prompt mode.
const PromptEnvVar = "LOOPD_PROMPT_CONTENT"

// Execution represents a prepared harness execution.
type Execution struct {
	Cmd   *exec.Cmd
	Stdin io.Reader
	Env   []string
}

// BuildExecution prepares a harness command based on profile and prompt settings.
func BuildExecution(ctx context.Context, profile models.Profile, promptPath, promptContent string) (*Execution, error) {
	command := strings.TrimSpace(profile.CommandTemplate)
	if command == "" {
		return nil, errors.New("command template is required")
	}

	if len(profile.ExtraArgs) > 0 {
		command = command + " " + strings.Join(profile.ExtraArgs, " ")
	}

	promptMode := profile.PromptMode
	if promptMode == "" {
		promptMode = models.DefaultPromptMode()
	}

	if profile.Harness == models.HarnessCodex {
		command = applyCodexSandbox(command, resolveCodexConfigPath())
	}

	switch promptMode {
	case models.PromptModePath:
		if promptPath == "" {
			return nil, errors.New("prompt path is required for path mode")
		}
		command = strings.ReplaceAll(command, "{prompt}", promptPath)
	case models.PromptModeEnv, models.PromptModeStdin:
		// no-op
	default:
		return nil, fmt.Errorf("unknown prompt mode %q", promptMode)
	}

	cmd := exec.CommandContext(ctx, "bash", "-lc", command)
	stdin := io.Reader(nil)

	env := baseEnv(profile, promptMode, promptContent)
	cmd.Env = env
	if promptMode == models.PromptModeStdin {
		stdin = strings.NewReader(promptContent)
		cmd.Stdin = stdin
	}

	return &Execution{Cmd: cmd, Stdin: stdin, Env: env}, nil
}

func baseEnv(profile models.Profile, mode models.PromptMode, promptContent string) []string {
	env := append([]string{}, os.Environ()...)

	if mode == models.PromptModeEnv {
		env = append(env, PromptEnvVar+"="+promptContent)
	}

	for key, value := range profile.Env {
		env = append(env, key+"="+value)
	}

	return env
}

func resolveCodexConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}

	candidate := filepath.Join(home, ".codex", "config.toml")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

type codexConfig struct {
	SandboxMode string `toml:"sandbox_mode"`
}

func detectCodexSandbox(configPath string) string {
	if configPath == "" {
		return ""
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return ""
	}

	var cfg codexConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return ""
	}
	return cfg.SandboxMode
}

func applyCodexSandbox(command string, configPath string) string {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return trimmed
	}

	sandbox := detectCodexSandbox(configPath)
	if sandbox == "" {
		return trimmed
	}

	// --full-auto forces workspace-write, so remove it when a stricter sandbox is configured.
	if sandbox != "workspace-write" && strings.Contains(trimmed, "--full-auto") {
		trimmed = strings.ReplaceAll(trimmed, "--full-auto", "")
		trimmed = strings.Join(strings.Fields(trimmed), " ")
	}

	// Respect explicit sandbox flags in the command template.
	if strings.Contains(trimmed, "--dangerously-bypass-approvals-and-sandbox") || strings.Contains(trimmed, "--sandbox ") {
		return trimmed
	}

	if sandbox == "workspace-write" {
		return trimmed
	}

	if strings.HasSuffix(trimmed, " -") {
		trimmed = strings.TrimSuffix(trimmed, " -")
		return trimmed + " --sandbox " + sandbox + " -"
	}
	return trimmed + " --sandbox " + sandbox
}
