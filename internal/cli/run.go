package cli

import (
	"github.com/spf13/cobra"
)

var (
	runStatusListen string
	runNoAlerts     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch listings, record decisions and send alerts until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if cmd.Flags().Changed("status-listen") {
			a.Config.Status.Listen = runStatusListen
		}
		if runNoAlerts {
			a.Config.Alerting.Enabled = false
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runStatusListen, "status-listen", "", "Address for the status server, overriding status.listen (empty disables)")
	runCmd.Flags().BoolVar(&runNoAlerts, "no-alerts", false, "Record decisions without sending alerts")
}
