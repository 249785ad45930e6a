package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsbridge/dvbstreamer-go/internal/version"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if versionJSON {
			fmt.Fprintln(cmd.OutOrStdout(), version.JSON())
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "print version information as JSON")
	rootCmd.AddCommand(versionCmd)
}
