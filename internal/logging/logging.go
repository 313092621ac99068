// Package logging configures the global zerolog logger for loopd.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config contains logging settings.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string

	// Format is the output format (json, console).
	Format string

	// File is an optional log file path. When set, logs are written to the
	// file in addition to stderr.
	File string

	// EnableCaller adds caller information to logs.
	EnableCaller bool
}

var (
	mu   sync.RWMutex
	root = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()
)

// Init configures the root logger. Safe to call more than once; the last
// call wins.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()

	level := parseLevel(cfg.Level)

	var out io.Writer = os.Stderr
	if !strings.EqualFold(cfg.Format, "json") {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	if cfg.File != "" {
		if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			out = io.MultiWriter(out, f)
		}
	}

	logger := zerolog.New(out).Level(level).With().Timestamp()
	if cfg.EnableCaller {
		logger = logger.Caller()
	}
	root = logger.Logger()
}

// Component returns a logger tagged with a component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.With().Str("component", name).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
