// Package cli implements the loopd command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/tarberg/loopd/internal/config"
	"github.com/tarberg/loopd/internal/logging"
)

var (
	// Global flags
	cfgFile    string
	jsonOutput bool
	verbose    bool
	noColor    bool
	logLevel   string
	logFormat  string

	// Global config loader and config
	configLoader *config.Loader
	appConfig    *config.Config
	logger       zerolog.Logger
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "loopd",
	Short: "Supervisor for autonomous agent loops",
	Long: `Loopd supervises long-running AI coding agent loops.

It repeatedly re-invokes an agent subprocess with a fixed prompt and
defends against runaway API usage, repeated unproductive actions, and
loss of work across context resets. All loop state lives in a durable
store, so loops survive crashes and restarts.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// ExitError carries an explicit process exit code. Printed marks
// errors already reported to the user, so main does not print twice.
type ExitError struct {
	Code    int
	Err     error
	Printed bool
}

func (e *ExitError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Execute runs the root command.
func Execute(version, commit, date string) error {
	rootCmd.Version = formatVersion(version, commit, date)
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/loopd/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override logging format (json, console)")
}

// initConfig loads configuration using Viper with proper precedence:
// defaults < config file < env vars < CLI flags
func initConfig() {
	configLoader = config.NewLoader()

	if cfgFile != "" {
		configLoader.SetConfigFile(cfgFile)
	}

	var err error
	appConfig, err = configLoader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	applyCLIOverrides()
	initLogging()

	if err := appConfig.EnsureDirectories(); err != nil {
		logger.Warn().Err(err).Msg("failed to create directories")
	}

	if cfgUsed := configLoader.ConfigFileUsed(); cfgUsed != "" {
		logger.Debug().Str("config_file", cfgUsed).Msg("loaded config file")
	}
}

func applyCLIOverrides() {
	flags := rootCmd.PersistentFlags()

	if flags.Changed("log-level") {
		appConfig.Logging.Level = logLevel
	} else if verbose {
		appConfig.Logging.Level = "debug"
	}

	if flags.Changed("log-format") {
		appConfig.Logging.Format = logFormat
	}
}

func initLogging() {
	logging.Init(logging.Config{
		Level:        appConfig.Logging.Level,
		Format:       appConfig.Logging.Format,
		File:         appConfig.Logging.File,
		EnableCaller: appConfig.Logging.EnableCaller,
	})
	logger = logging.Component("cli")
}

// GetConfig returns the loaded configuration. Returns nil if called before
// initConfig.
func GetConfig() *config.Config {
	return appConfig
}

// IsJSONOutput returns true if JSON output mode is enabled.
func IsJSONOutput() bool {
	return jsonOutput
}

func formatVersion(version, commit, date string) string {
	return version + " (commit: " + commit + ", built: " + date + ")"
}
