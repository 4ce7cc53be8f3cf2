// internal/cli/metrics.go
package vqatrain

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mwiater/vqatrain/internal/metrics"
)

var metricsFile string

// metricsCmd prints the metrics stored by previous runs.
var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Summarize persisted training metrics per run and epoch",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := metricsFile
		if path == "" {
			if cfg := GetConfig(); cfg != nil {
				path = cfg.MetricsFilePath()
			}
		}
		runs, err := metrics.LoadRuns(path)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No runs recorded in %s.\n", path)
			return nil
		}
		metrics.RenderTable(cmd.OutOrStdout(), runs)
		return nil
	},
}

func init() {
	metricsCmd.Flags().StringVar(&metricsFile, "file", "", "metrics file (defaults to metricsFile from the config)")
	rootCmd.AddCommand(metricsCmd)
}
