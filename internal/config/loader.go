package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v: viper.New(),
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// ConfigFileUsed returns the config file Viper loaded, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Load loads configuration with proper precedence:
// defaults < config file < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Set up Viper
	l.setupViper(cfg)

	// Load config file
	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Expand ~ in paths
	expandPaths(cfg)

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// expandTilde expands ~ to the user's home directory.
func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// expandPaths expands ~ in all path-related config fields.
func expandPaths(cfg *Config) {
	cfg.Global.DataDir = expandTilde(cfg.Global.DataDir)
	cfg.Global.ConfigDir = expandTilde(cfg.Global.ConfigDir)
	cfg.Database.Path = expandTilde(cfg.Database.Path)
	cfg.Logging.File = expandTilde(cfg.Logging.File)
	cfg.LoopDefaults.Prompt = expandTilde(cfg.LoopDefaults.Prompt)
}

// setupViper configures Viper with defaults and environment bindings.
func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	// Config file settings
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "loopd"))
	}

	homeDir, _ := os.UserHomeDir()
	if homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "loopd"))
	}

	// Current directory
	v.AddConfigPath(".")

	// Environment variables - LOOPD_ prefix
	v.SetEnvPrefix("LOOPD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults from config struct
	l.setDefaults(cfg)
}

// setDefaults sets all default values in Viper.
func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	// Global
	v.SetDefault("global.data_dir", cfg.Global.DataDir)
	v.SetDefault("global.config_dir", cfg.Global.ConfigDir)

	// Database
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("database.max_connections", cfg.Database.MaxConnections)
	v.SetDefault("database.busy_timeout_ms", cfg.Database.BusyTimeoutMs)

	// Logging
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	// Rate limit
	v.SetDefault("rate_limit.max_calls_per_window", cfg.RateLimit.MaxCallsPerWindow)
	v.SetDefault("rate_limit.window_duration", cfg.RateLimit.WindowDuration)

	// Gutter
	v.SetDefault("gutter.window", cfg.Gutter.Window)
	v.SetDefault("gutter.repeat_threshold", cfg.Gutter.RepeatThreshold)
	v.SetDefault("gutter.thrash_threshold", cfg.Gutter.ThrashThreshold)

	// Breaker
	v.SetDefault("breaker.cooldown_duration", cfg.Breaker.CooldownDuration)
	v.SetDefault("breaker.abort_after", cfg.Breaker.AbortAfter)
	v.SetDefault("breaker.max_iterations", cfg.Breaker.MaxIterations)
	v.SetDefault("breaker.max_wall_clock", cfg.Breaker.MaxWallClock)

	// Harness
	v.SetDefault("harness.profile.harness", string(cfg.Harness.Profile.Harness))
	v.SetDefault("harness.profile.prompt_mode", string(cfg.Harness.Profile.PromptMode))
	v.SetDefault("harness.profile.command_template", cfg.Harness.Profile.CommandTemplate)
	v.SetDefault("harness.profile.model", cfg.Harness.Profile.Model)
	v.SetDefault("harness.iteration_timeout", cfg.Harness.IterationTimeout)
	v.SetDefault("harness.launch_retry_limit", cfg.Harness.LaunchRetryLimit)
	v.SetDefault("harness.launch_retry_backoff", cfg.Harness.LaunchRetryBackoff)
	v.SetDefault("harness.done_token", cfg.Harness.DoneToken)
	v.SetDefault("harness.blocked_token", cfg.Harness.BlockedToken)
	v.SetDefault("harness.output_tail_lines", cfg.Harness.OutputTailLines)

	// Loop defaults
	v.SetDefault("loop_defaults.interval", cfg.LoopDefaults.Interval)
	v.SetDefault("loop_defaults.prompt", cfg.LoopDefaults.Prompt)
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	loader := NewLoader()
	return loader.Load()
}

// loadConfigFile attempts to load the configuration file.
func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, use defaults
			return nil
		}
		return err
	}

	return nil
}
