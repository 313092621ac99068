package harness

import (
	"encoding/json"
	"strings"
)

// ReportPrefix marks an agent status report line. The remainder of the line
// is a JSON object consumed verbatim; the supervisor never reinterprets it.
const ReportPrefix = "LOOP_REPORT"

// Report is the agent's self-reported summary of one iteration.
type Report struct {
	Command      string   `json:"command,omitempty"`
	Outcome      string   `json:"outcome,omitempty"`
	FilesTouched []string `json:"files_touched,omitempty"`
	Progress     bool     `json:"progress,omitempty"`
}

// Signals are the control markers extracted from one transcript.
type Signals struct {
	Done    bool
	Blocked bool
	Report  *Report
}

// ScanOutput extracts sentinel tokens and the last status report from agent
// output. Tokens inside code fences are ignored so the agent can discuss
// them without triggering the loop.
func ScanOutput(output, doneToken, blockedToken string) Signals {
	var signals Signals
	var fence fenceState

	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if fence.processLine(trimmed) {
			continue
		}

		if doneToken != "" && hasToken(trimmed, doneToken) {
			signals.Done = true
		}
		if blockedToken != "" && hasToken(trimmed, blockedToken) {
			signals.Blocked = true
		}
		if rest, ok := strings.CutPrefix(trimmed, ReportPrefix); ok {
			var report Report
			if err := json.Unmarshal([]byte(strings.TrimSpace(rest)), &report); err == nil {
				// Last report wins.
				signals.Report = &report
			}
		}
	}

	return signals
}

func hasToken(trimmed, token string) bool {
	if !strings.HasPrefix(trimmed, token) {
		return false
	}
	rest := trimmed[len(token):]
	return rest == "" || rest[0] == ' ' || rest[0] == ':' || rest[0] == '.'
}

// fenceState tracks code fence parsing state.
type fenceState struct {
	inFence   bool
	fenceChar byte
	fenceLen  int
}

// processLine updates fence state based on the current line. Returns true if
// the line is inside a code fence and should be skipped for token matching.
func (f *fenceState) processLine(trimmed string) bool {
	if len(trimmed) < 3 {
		return f.inFence
	}

	if !f.inFence {
		if trimmed[0] == '`' || trimmed[0] == '~' {
			fenceChar := trimmed[0]
			fenceLen := countLeadingChars(trimmed, fenceChar)
			if fenceLen >= 3 {
				f.inFence = true
				f.fenceChar = fenceChar
				f.fenceLen = fenceLen
				return true
			}
		}
		return false
	}

	if trimmed[0] == f.fenceChar {
		count := countLeadingChars(trimmed, f.fenceChar)
		// A closing fence has at least as many chars as the opening one
		// and nothing else on the line.
		if count >= f.fenceLen && count == len(trimmed) {
			f.inFence = false
			f.fenceChar = 0
			f.fenceLen = 0
			return true
		}
	}
	return true
}

func countLeadingChars(s string, char byte) int {
	count := 0
	for count < len(s) && s[count] == char {
		count++
	}
	return count
}
