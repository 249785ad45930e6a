package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tsbridge/dvbstreamer-go/internal/channelsconf"
	"github.com/tsbridge/dvbstreamer-go/internal/dvbdevice"
	"github.com/tsbridge/dvbstreamer-go/internal/engine"
	"github.com/tsbridge/dvbstreamer-go/internal/scan"
)

var scanChannelsFile string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Tune every multiplex named in a channels.conf file and report what was received",
	Long: `scan reads a channels.conf file, tunes each distinct multiplex it
names in turn, reading packets from the adapter's dvr_path (or from
--capture-file when given), and reports whether the PAT, every service's
PMT, and the SDT (or VCT, for ATSC) arrived within the scan timeout.
Services found are written back to the cache database when scan exits;
use serve to actually monitor and deliver.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanChannelsFile, "channels-file", "", "channels.conf file naming the multiplexes to scan (required)")
	scanCmd.Flags().StringVar(&serveCaptureFile, "capture-file", "", "replay packets from a file instead of the adapter's dvr_path")
	_ = scanCmd.MarkFlagRequired("channels-file")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	f, err := os.Open(scanChannelsFile)
	if err != nil {
		return fmt.Errorf("opening channels file: %w", err)
	}
	defer f.Close()

	channels, err := channelsconf.Parse(f)
	if err != nil {
		return fmt.Errorf("parsing channels file: %w", err)
	}

	e, err := engine.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}
	defer e.Close()

	sourcePath := cfg.Adapter.DVRPath
	if serveCaptureFile != "" {
		sourcePath = serveCaptureFile
	}
	source := dvbdevice.NewFileSource(sourcePath)

	targets := scanTargets(channels)
	results, err := scan.All(cmd.Context(), e, source, targets, scan.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("scanning: %w", err)
	}

	for _, r := range results {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: pat=%v pmt=%v sdt/vct=%v services=%d\n",
			r.MultiplexUID, r.PATReceived, r.AllPMTReceived, r.SDTReceived, len(r.Services))
	}
	return nil
}

// scanTargets collapses channels.conf entries sharing a delivery system and
// frequency into one scan target apiece.
func scanTargets(channels []channelsconf.Channel) []scan.Target {
	seen := make(map[string]bool)
	var targets []scan.Target
	for _, ch := range channels {
		key := fmt.Sprintf("%s:%d", ch.DeliverySystem, ch.Frequency)
		if seen[key] {
			continue
		}
		seen[key] = true
		targets = append(targets, scan.Target{
			MultiplexUID: key,
			Params: dvbdevice.TuningParams{
				DeliverySystem: ch.DeliverySystem,
				Frequency:      ch.Frequency,
				Params:         ch.Params,
			},
		})
	}
	return targets
}
