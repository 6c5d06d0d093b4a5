package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"flipwatch/internal/app"
	"flipwatch/internal/fee"
)

var (
	simulateItem      string
	simulateOffer     string
	simulateReference string
	simulateAge       time.Duration
	simulateNotify    bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-decision",
	Short: "Decide one hypothetical listing against a reference price",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateItem == "" || simulateOffer == "" {
			return errors.New("--item and --offer must be provided")
		}

		offer, err := fee.ParseUSD(simulateOffer)
		if err != nil {
			return fmt.Errorf("invalid --offer value: %w", err)
		}
		opts := app.SimulateOptions{
			Item:      simulateItem,
			Offer:     offer,
			Reference: -1,
			Age:       simulateAge,
			Notify:    simulateNotify,
		}
		if simulateReference != "" {
			if opts.Reference, err = fee.ParseUSD(simulateReference); err != nil {
				return fmt.Errorf("invalid --reference value: %w", err)
			}
		}

		_, err = getApp().SimulateDecision(cmd.Context(), opts)
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateItem, "item", "", "Item name, e.g. \"AK-47 | Redline (Field-Tested)\"")
	simulateCmd.Flags().StringVar(&simulateOffer, "offer", "", "Listing price in USD")
	simulateCmd.Flags().StringVar(&simulateReference, "reference", "", "Reference market price in USD; omit to simulate a missing price")
	simulateCmd.Flags().DurationVar(&simulateAge, "age", 0, "Age of the reference price")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "Send an alert through the configured channels when the verdict is ACT")
}
