package cli

import (
	"os"

	"github.com/tarberg/loopd/internal/models"
)

const (
	colorReset  = "\x1b[0m"
	colorGreen  = "\x1b[32m"
	colorYellow = "\x1b[33m"
	colorRed    = "\x1b[31m"
	colorCyan   = "\x1b[36m"
)

func colorEnabled() bool {
	if IsJSONOutput() {
		return false
	}
	if noColor {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return true
}

func colorize(text, color string) string {
	if !colorEnabled() || color == "" {
		return text
	}
	return color + text + colorReset
}

func stateColor(state models.LoopState) string {
	switch state {
	case models.LoopStateRunning, models.LoopStateCompleted:
		return colorGreen
	case models.LoopStateSleeping, models.LoopStateWaiting, models.LoopStatePaused:
		return colorYellow
	case models.LoopStateBlocked, models.LoopStateAborted, models.LoopStateError:
		return colorRed
	default:
		return ""
	}
}

func statusColor(status models.IterationStatus) string {
	switch status {
	case models.IterationStatusSuccess:
		return colorGreen
	case models.IterationStatusRunning:
		return colorCyan
	case models.IterationStatusBlocked, models.IterationStatusTimeout:
		return colorYellow
	case models.IterationStatusError:
		return colorRed
	default:
		return ""
	}
}
