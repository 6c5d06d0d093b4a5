package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"flipwatch/internal/app"
)

var (
	showLimit   int
	showVerdict string
	showItem    string
	showAlerts  bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent decisions or alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:   showLimit,
			Verdict: showVerdict,
			Item:    showItem,
			Alerts:  showAlerts,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().StringVar(&showVerdict, "verdict", "", "Only show ACT or SKIP decisions")
	showCmd.Flags().StringVar(&showItem, "item", "", "Only show decisions for this item")
	showCmd.Flags().BoolVar(&showAlerts, "alerts", false, "Show sent alerts instead of decisions")
}
