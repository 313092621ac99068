package loop

import (
	"fmt"
	"path/filepath"
	"strings"
)

// LogPath returns the supervisor log path for a loop.
func LogPath(dataDir, name, id string) string {
	slug := loopSlug(name)
	if slug == "" {
		slug = id
	}
	return filepath.Join(dataDir, "logs", "loops", slug+".log")
}

// LedgerPath returns the human-readable ledger path for a loop.
func LedgerPath(repoPath, name, id string) string {
	slug := loopSlug(name)
	if slug == "" {
		slug = id
	}
	return filepath.Join(repoPath, ".loopd", "ledgers", slug+".md")
}

// TranscriptPath returns the transcript file path for one iteration.
// Transcripts live outside the database; records only point to them.
func TranscriptPath(dataDir, loopID string, seq int) string {
	return filepath.Join(dataDir, "transcripts", loopID, fmt.Sprintf("iter-%06d.log", seq))
}

func loopSlug(name string) string {
	trimmed := strings.TrimSpace(strings.ToLower(name))
	if trimmed == "" {
		return ""
	}

	builder := strings.Builder{}
	prevDash := false
	for _, r := range trimmed {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			builder.WriteRune(r)
			prevDash = false
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			if !prevDash {
				builder.WriteRune('-')
				prevDash = true
			}
		}
	}

	return strings.Trim(builder.String(), "-")
}
