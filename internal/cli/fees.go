package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"flipwatch/internal/app"
	"flipwatch/internal/fee"
)

var feesSubtract bool

var feesCmd = &cobra.Command{
	Use:   "fees <amount>",
	Short: "Apply the configured fee schedule to one USD amount",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := fee.ParseUSD(args[0])
		if err != nil {
			return fmt.Errorf("invalid amount: %w", err)
		}
		return getApp().Fees(app.FeesOptions{Amount: amount, Subtract: feesSubtract})
	},
}

func init() {
	feesCmd.Flags().BoolVar(&feesSubtract, "subtract", false, "Treat the amount as a buyer total and compute seller proceeds")
}
