package loop

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/tarberg/loopd/internal/models"
	"gopkg.in/yaml.v3"
)

func ensureLedgerFile(loop *models.Loop) error {
	if loop.LedgerPath == "" {
		return nil
	}

	if _, err := os.Stat(loop.LedgerPath); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(loop.LedgerPath), 0o755); err != nil {
		return err
	}

	content := strings.Builder{}
	content.WriteString("---\n")
	content.WriteString(fmt.Sprintf("loop_id: %s\n", loop.ID))
	content.WriteString(fmt.Sprintf("loop_name: %s\n", loop.Name))
	content.WriteString(fmt.Sprintf("repo_path: %s\n", loop.RepoPath))
	content.WriteString(fmt.Sprintf("created_at: %s\n", time.Now().UTC().Format(time.RFC3339)))
	content.WriteString("---\n\n")
	content.WriteString(fmt.Sprintf("# Loop Ledger: %s\n\n", loop.Name))

	return os.WriteFile(loop.LedgerPath, []byte(content.String()), 0o644)
}

func appendLedgerEntry(loop *models.Loop, it *models.Iteration, outputTail string, tailLines int) error {
	if loop.LedgerPath == "" {
		return nil
	}

	f, err := os.OpenFile(loop.LedgerPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	entry := strings.Builder{}
	entry.WriteString(fmt.Sprintf("## Iteration %d — %s\n\n", it.Seq, time.Now().UTC().Format(time.RFC3339)))
	entry.WriteString(fmt.Sprintf("- iteration_id: %s\n", it.ID))
	entry.WriteString(fmt.Sprintf("- status: %s\n", it.Status))
	if it.Command != "" {
		entry.WriteString(fmt.Sprintf("- command: %s\n", it.Command))
	}
	if it.Outcome != "" {
		entry.WriteString(fmt.Sprintf("- outcome: %s\n", it.Outcome))
	}
	if len(it.FilesTouched) > 0 {
		entry.WriteString(fmt.Sprintf("- files_touched: %s\n", strings.Join(it.FilesTouched, ", ")))
	}
	entry.WriteString(fmt.Sprintf("- progress: %t\n", it.Progress))
	entry.WriteString(fmt.Sprintf("- started_at: %s\n", it.StartedAt.UTC().Format(time.RFC3339)))
	if it.FinishedAt != nil {
		entry.WriteString(fmt.Sprintf("- finished_at: %s\n", it.FinishedAt.UTC().Format(time.RFC3339)))
	}
	if it.ExitCode != nil {
		entry.WriteString(fmt.Sprintf("- exit_code: %d\n", *it.ExitCode))
	}
	if it.TranscriptPath != "" {
		entry.WriteString(fmt.Sprintf("- transcript: %s\n", it.TranscriptPath))
	}
	entry.WriteString("\n")

	outputTail = limitOutputLines(outputTail, tailLines)
	if strings.TrimSpace(outputTail) != "" {
		entry.WriteString("```\n")
		entry.WriteString(strings.TrimSpace(outputTail))
		entry.WriteString("\n```\n")
	}

	ledgerConfig := loadLedgerConfig(loop.RepoPath)
	if gitSummary := buildGitSummary(loop.RepoPath, ledgerConfig); strings.TrimSpace(gitSummary) != "" {
		entry.WriteString("\n### Git Summary\n\n```\n")
		entry.WriteString(strings.TrimSpace(gitSummary))
		entry.WriteString("\n```\n")
	}
	entry.WriteString("\n")

	_, err = f.WriteString(entry.String())
	return err
}

func limitOutputLines(text string, maxLines int) string {
	if maxLines <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	if len(lines) <= maxLines {
		return text
	}
	return strings.Join(lines[len(lines)-maxLines:], "\n")
}

type repoConfig struct {
	Ledger ledgerConfig `yaml:"ledger"`
}

type ledgerConfig struct {
	GitStatus   bool `yaml:"git_status"`
	GitDiffStat bool `yaml:"git_diff_stat"`
}

func loadLedgerConfig(repoPath string) ledgerConfig {
	path := filepath.Join(repoPath, ".loopd", "loopd.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return ledgerConfig{}
	}

	var cfg repoConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ledgerConfig{}
	}
	return cfg.Ledger
}

func buildGitSummary(repoPath string, cfg ledgerConfig) string {
	if !cfg.GitStatus && !cfg.GitDiffStat {
		return ""
	}
	if !isGitRepo(repoPath) {
		return ""
	}

	lines := make([]string, 0, 8)
	if cfg.GitStatus {
		status, err := runGit(repoPath, "status", "--porcelain")
		if err == nil {
			lines = append(lines, "status --porcelain:")
			status = strings.TrimSpace(status)
			if status == "" {
				lines = append(lines, "  (clean)")
			} else {
				lines = append(lines, status)
			}
		}
	}
	if cfg.GitDiffStat {
		diffStat, err := runGit(repoPath, "diff", "--stat")
		if err == nil {
			lines = append(lines, "diff --stat:")
			diffStat = strings.TrimSpace(diffStat)
			if diffStat == "" {
				lines = append(lines, "  (clean)")
			} else {
				lines = append(lines, diffStat)
			}
		}
	}

	return strings.Join(lines, "\n")
}

func isGitRepo(repoPath string) bool {
	output, err := runGit(repoPath, "rev-parse", "--is-inside-work-tree")
	if err != nil {
		return false
	}
	return strings.TrimSpace(output) == "true"
}

func runGit(repoPath string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = repoPath

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		return "", err
	}
	return stdout.String(), nil
}
