// Package config handles loopd configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tarberg/loopd/internal/models"
)

// Config is the root configuration structure for loopd.
type Config struct {
	// Global settings
	Global GlobalConfig `yaml:"global" mapstructure:"global"`

	// Database settings
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// RateLimit bounds agent invocation frequency.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Gutter controls repeated-failure detection.
	Gutter GutterConfig `yaml:"gutter" mapstructure:"gutter"`

	// Breaker controls the circuit breaker.
	Breaker BreakerConfig `yaml:"breaker" mapstructure:"breaker"`

	// Harness describes how the agent subprocess is invoked.
	Harness HarnessConfig `yaml:"harness" mapstructure:"harness"`

	// LoopDefaults apply to loops that do not override them.
	LoopDefaults LoopConfig `yaml:"loop_defaults" mapstructure:"loop_defaults"`
}

// GlobalConfig contains global loopd settings.
type GlobalConfig struct {
	// DataDir is where loopd stores its data (default: ~/.local/share/loopd).
	DataDir string `yaml:"data_dir" mapstructure:"data_dir"`

	// ConfigDir is where config files are stored (default: ~/.config/loopd).
	ConfigDir string `yaml:"config_dir" mapstructure:"config_dir"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path" mapstructure:"path"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `yaml:"max_connections" mapstructure:"max_connections"`

	// BusyTimeout is how long to wait for a locked database (milliseconds).
	BusyTimeoutMs int `yaml:"busy_timeout_ms" mapstructure:"busy_timeout_ms"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// RateLimitConfig contains sliding-window rate limit settings.
type RateLimitConfig struct {
	// MaxCallsPerWindow is the maximum number of agent invocations admitted
	// within the trailing window.
	MaxCallsPerWindow int `yaml:"max_calls_per_window" mapstructure:"max_calls_per_window"`

	// WindowDuration is the trailing window length.
	WindowDuration time.Duration `yaml:"window_duration" mapstructure:"window_duration"`
}

// GutterConfig contains failure-signature detection settings.
type GutterConfig struct {
	// Window is the number of trailing iterations considered.
	Window int `yaml:"window" mapstructure:"window"`

	// RepeatThreshold is how many identical failure signatures within the
	// window count as repeating.
	RepeatThreshold int `yaml:"repeat_threshold" mapstructure:"repeat_threshold"`

	// ThrashThreshold is how many consecutive single-file iterations without
	// progress count as file thrash.
	ThrashThreshold int `yaml:"thrash_threshold" mapstructure:"thrash_threshold"`
}

// BreakerConfig contains circuit breaker settings.
type BreakerConfig struct {
	// CooldownDuration is how long the breaker stays open before allowing a
	// half-open probe.
	CooldownDuration time.Duration `yaml:"cooldown_duration" mapstructure:"cooldown_duration"`

	// AbortAfter opens the breaker when rate limiting has stalled the loop
	// continuously for this long. Zero means rate pressure only ever waits.
	AbortAfter time.Duration `yaml:"abort_after" mapstructure:"abort_after"`

	// MaxIterations is the total iteration budget. Zero means unlimited.
	MaxIterations int `yaml:"max_iterations" mapstructure:"max_iterations"`

	// MaxWallClock is the total wall-clock budget. Zero means unlimited.
	MaxWallClock time.Duration `yaml:"max_wall_clock" mapstructure:"max_wall_clock"`
}

// HarnessConfig contains agent subprocess settings.
type HarnessConfig struct {
	// Profile describes the agent command.
	Profile models.Profile `yaml:"profile" mapstructure:"profile"`

	// IterationTimeout is the hard per-iteration timeout.
	IterationTimeout time.Duration `yaml:"iteration_timeout" mapstructure:"iteration_timeout"`

	// LaunchRetryLimit is how many times a failed subprocess launch is
	// retried before the iteration is recorded as an error.
	LaunchRetryLimit int `yaml:"launch_retry_limit" mapstructure:"launch_retry_limit"`

	// LaunchRetryBackoff is the base backoff between launch retries.
	LaunchRetryBackoff time.Duration `yaml:"launch_retry_backoff" mapstructure:"launch_retry_backoff"`

	// DoneToken is the sentinel the agent emits when the task is complete.
	DoneToken string `yaml:"done_token" mapstructure:"done_token"`

	// BlockedToken is the sentinel the agent emits when it is stuck.
	BlockedToken string `yaml:"blocked_token" mapstructure:"blocked_token"`

	// OutputTailLines is the number of transcript lines kept in memory.
	OutputTailLines int `yaml:"output_tail_lines" mapstructure:"output_tail_lines"`
}

// LoopConfig contains default loop settings.
type LoopConfig struct {
	// Interval is the sleep between iterations.
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`

	// Prompt is the default prompt file path, relative to the repo.
	Prompt string `yaml:"prompt" mapstructure:"prompt"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Global: GlobalConfig{
			DataDir:   filepath.Join(homeDir, ".local", "share", "loopd"),
			ConfigDir: filepath.Join(homeDir, ".config", "loopd"),
		},
		Database: DatabaseConfig{
			Path:           "", // Will be set to DataDir/loopd.db
			MaxConnections: 10,
			BusyTimeoutMs:  5000,
		},
		Logging: LoggingConfig{
			Level:        "info",
			Format:       "console",
			EnableCaller: false,
		},
		RateLimit: RateLimitConfig{
			MaxCallsPerWindow: 100,
			WindowDuration:    1 * time.Hour,
		},
		Gutter: GutterConfig{
			Window:          10,
			RepeatThreshold: 3,
			ThrashThreshold: 3,
		},
		Breaker: BreakerConfig{
			CooldownDuration: 15 * time.Minute,
			AbortAfter:       0,
			MaxIterations:    0,
			MaxWallClock:     0,
		},
		Harness: HarnessConfig{
			Profile: models.Profile{
				Harness:    models.HarnessClaude,
				PromptMode: models.DefaultPromptMode(),
			},
			IterationTimeout:   30 * time.Minute,
			LaunchRetryLimit:   3,
			LaunchRetryBackoff: 5 * time.Second,
			DoneToken:          "LOOP_COMPLETE",
			BlockedToken:       "LOOP_BLOCKED",
			OutputTailLines:    60,
		},
		LoopDefaults: LoopConfig{
			Interval: 10 * time.Second,
			Prompt:   "PROMPT.md",
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Global.DataDir) == "" {
		return fmt.Errorf("global.data_dir is required")
	}
	if strings.TrimSpace(c.Global.ConfigDir) == "" {
		return fmt.Errorf("global.config_dir is required")
	}

	if c.Database.MaxConnections < 1 {
		return fmt.Errorf("database.max_connections must be at least 1")
	}
	if c.Database.BusyTimeoutMs < 0 {
		return fmt.Errorf("database.busy_timeout_ms must be zero or greater")
	}

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch strings.ToLower(strings.TrimSpace(c.Logging.Format)) {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be one of console, json")
	}

	if c.RateLimit.MaxCallsPerWindow < 1 {
		return fmt.Errorf("rate_limit.max_calls_per_window must be at least 1")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("rate_limit.window_duration must be greater than 0")
	}

	if c.Gutter.Window < 1 {
		return fmt.Errorf("gutter.window must be at least 1")
	}
	if c.Gutter.RepeatThreshold < 2 {
		return fmt.Errorf("gutter.repeat_threshold must be at least 2")
	}
	if c.Gutter.ThrashThreshold < 2 {
		return fmt.Errorf("gutter.thrash_threshold must be at least 2")
	}

	if c.Breaker.CooldownDuration <= 0 {
		return fmt.Errorf("breaker.cooldown_duration must be greater than 0")
	}
	if c.Breaker.AbortAfter < 0 {
		return fmt.Errorf("breaker.abort_after must be zero or greater")
	}
	if c.Breaker.MaxIterations < 0 {
		return fmt.Errorf("breaker.max_iterations must be zero or greater")
	}
	if c.Breaker.MaxWallClock < 0 {
		return fmt.Errorf("breaker.max_wall_clock must be zero or greater")
	}

	if c.Harness.IterationTimeout <= 0 {
		return fmt.Errorf("harness.iteration_timeout must be greater than 0")
	}
	if c.Harness.LaunchRetryLimit < 0 {
		return fmt.Errorf("harness.launch_retry_limit must be zero or greater")
	}
	if c.Harness.LaunchRetryBackoff <= 0 {
		return fmt.Errorf("harness.launch_retry_backoff must be greater than 0")
	}
	if strings.TrimSpace(c.Harness.DoneToken) == "" {
		return fmt.Errorf("harness.done_token is required")
	}
	if strings.TrimSpace(c.Harness.BlockedToken) == "" {
		return fmt.Errorf("harness.blocked_token is required")
	}
	if c.Harness.DoneToken == c.Harness.BlockedToken {
		return fmt.Errorf("harness.done_token and harness.blocked_token must differ")
	}
	if c.Harness.OutputTailLines < 1 {
		return fmt.Errorf("harness.output_tail_lines must be at least 1")
	}
	if c.Harness.Profile.CommandTemplate != "" {
		if err := c.Harness.Profile.Validate(); err != nil {
			return fmt.Errorf("harness.profile: %w", err)
		}
	}

	if c.LoopDefaults.Interval < 0 {
		return fmt.Errorf("loop_defaults.interval must be zero or greater")
	}

	return nil
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Global.DataDir,
		c.Global.ConfigDir,
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DatabasePath returns the full database path.
func (c *Config) DatabasePath() string {
	if c.Database.Path != "" {
		return c.Database.Path
	}
	return filepath.Join(c.Global.DataDir, "loopd.db")
}
