// Package cmd implements the dvbstreamerd CLI commands.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tsbridge/dvbstreamer-go/internal/config"
	"github.com/tsbridge/dvbstreamer-go/internal/observability"
	"github.com/tsbridge/dvbstreamer-go/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "dvbstreamerd",
	Short:   "DVB/ATSC transport stream PSI/SI processing daemon",
	Version: version.Short(),
	Long: `dvbstreamerd ingests a raw MPEG-2 transport stream from a DVB or ATSC
tuner, tracks its PAT/PMT/SDT/VCT structure in a per-adapter cache, and
re-delivers individually selected services (with synthesised, single-program
PAT/PMT) to one or more named outputs over UDP, file, or discard sinks.`,
}

// Execute adds all child commands to the root command and runs it.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./config.yaml, /etc/dvbstreamerd, $HOME/.dvbstreamerd)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override logging.format (text, json)")
}

// loadConfig loads configuration from cfgFile (file, environment, defaults)
// and applies any --log-level/--log-format flags the caller explicitly set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Logging.Level = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process-wide structured logger from cfg and installs
// it as slog's default, matching the teacher's init-time logging setup.
func newLogger(cfg *config.Config) *slog.Logger {
	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)
	return logger
}
