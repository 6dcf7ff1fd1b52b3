package cli

import (
	"time"

	"github.com/spf13/cobra"

	"fx-rate-pipeline/internal/app"
)

var (
	pruneOlderThan time.Duration
	pruneDryRun    bool
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete persisted snapshots older than a retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Prune(cmd.Context(), app.PruneOptions{
			OlderThan: pruneOlderThan,
			DryRun:    pruneDryRun,
		})
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 720*time.Hour, "Retention window")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Only report how many snapshots would be deleted")
}
