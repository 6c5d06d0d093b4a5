package cli

import (
	"time"

	"github.com/spf13/cobra"

	"flipwatch/internal/app"
)

var (
	pruneOlderThan time.Duration
	pruneDryRun    bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old decisions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Prune(cmd.Context(), app.PruneOptions{
			OlderThan: pruneOlderThan,
			DryRun:    pruneDryRun,
		})
	},
}

func init() {
	pruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 30*24*time.Hour, "Delete decisions decided before now minus this duration")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Report without deleting")
}
