package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tsbridge/dvbstreamer-go/internal/config"
	"github.com/tsbridge/dvbstreamer-go/internal/dvbdevice"
	"github.com/tsbridge/dvbstreamer-go/internal/engine"
	"github.com/tsbridge/dvbstreamer-go/internal/shell"
)

var serveCaptureFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Tune the configured adapter and run the operator command shell",
	Long: `serve opens the configured adapter's DVR device node (or, with
--capture-file, a recorded capture of the same 188-byte-packet format),
builds the PSI/SI processing engine, and drops into the line-oriented
operator shell on stdin/stdout until EOF, "quit", or a termination signal.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveCaptureFile, "capture-file", "", "replay packets from a file instead of the adapter's dvr_path")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	e, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}
	defer e.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sourcePath := cfg.Adapter.DVRPath
	if serveCaptureFile != "" {
		sourcePath = serveCaptureFile
	}
	source := dvbdevice.NewFileSource(sourcePath)
	params := dvbdevice.TuningParams{
		DeliverySystem: cfg.Adapter.DeliverySystem,
		Frequency:      0,
	}
	multiplexUID := fmt.Sprintf("%s:%d", cfg.Adapter.DeliverySystem, cfg.Adapter.Number)
	if err := e.Tune(ctx, source, params, multiplexUID); err != nil {
		return fmt.Errorf("tuning adapter %d: %w", cfg.Adapter.Number, err)
	}
	logger.Info("adapter tuned", "adapter", cfg.Adapter.Number, "source", sourcePath, "delivery_system", cfg.Adapter.DeliverySystem)

	sh := shell.New(e, os.Stdout, logger)
	defer sh.Close()

	if err := applyStaticOutputs(sh, cfg); err != nil {
		return fmt.Errorf("applying configured outputs: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- sh.Run(os.Stdin) }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("shell exited: %w", err)
		}
		return nil
	case <-sigCtx.Done():
		logger.Info("shutting down", "signal", sigCtx.Err())
		return nil
	}
}

// applyStaticOutputs issues "output add"/"select"/"avsonly" shell commands
// for every output named in cfg.Outputs.Static, so a configured deployment
// starts delivering without any operator interaction.
func applyStaticOutputs(sh *shell.Shell, cfg *config.Config) error {
	for _, o := range cfg.Outputs.Static {
		if err := sh.Dispatch(fmt.Sprintf("output add %s %s", o.Name, o.MRL)); err != nil {
			return err
		}
		if strings.TrimSpace(o.Service) != "" {
			if err := sh.Dispatch(fmt.Sprintf("select %s %s", o.Name, o.Service)); err != nil {
				return err
			}
		}
		if o.AVSOnly {
			if err := sh.Dispatch(fmt.Sprintf("avsonly %s on", o.Name)); err != nil {
				return err
			}
		}
	}
	return nil
}
