// Package cmd implements the CLI commands for mediabuf.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/jmylchreest/mediabuf/internal/config"
	"github.com/jmylchreest/mediabuf/internal/observability"
	"github.com/jmylchreest/mediabuf/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "mediabuf",
	Short:   "Adaptive streaming buffer engine",
	Version: version.Short(),
	Long: `mediabuf is an adaptive-bitrate streaming buffer engine: it decides
which media segments of which quality to fetch, when to fetch them, and
feeds them into a media sink while reacting to playback position, network
conditions and memory pressure.

The simulate command drives a full session against a synthetic source;
serve runs sessions and exposes a JSON status endpoint.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./mediabuf.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	mustBindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// mustBindPFlag binds a flag to viper and panics on failure; a bind can
// only fail from a programming error.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

// loadConfig loads the effective configuration for a command run.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}

// initLogging installs the process-wide default logger.
func initLogging() error {
	logger := observability.NewLogger(config.LoggingConfig{
		Level:  logLevel,
		Format: logFormat,
	})
	slog.SetDefault(logger)
	return nil
}
