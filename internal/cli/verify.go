package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"flipwatch/internal/app"
	"flipwatch/internal/fee"
)

var (
	verifyMax     int64
	verifySamples int
	verifySeed    int64
	verifyWorkers int
)

var verifyCmd = &cobra.Command{
	Use:   "verify-schedule",
	Short: "Check fee inversion against the configured schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		if verifyMax < 0 || fee.Amount(verifyMax) > fee.MaxAmount {
			return fmt.Errorf("--max must be between 0 and %d", fee.MaxAmount)
		}

		opts := app.VerifyOptions{
			Max:     fee.Amount(verifyMax),
			Samples: verifySamples,
			Seed:    verifySeed,
			Workers: verifyWorkers,
		}

		_, err := getApp().VerifySchedule(cmd.Context(), opts)
		return err
	},
}

func init() {
	verifyCmd.Flags().Int64Var(&verifyMax, "max", 2_000_000, "Check every total from 0 to this many cents")
	verifyCmd.Flags().IntVar(&verifySamples, "samples", 100_000, "Random totals to check above --max")
	verifyCmd.Flags().Int64Var(&verifySeed, "seed", 1, "Seed for the random totals")
	verifyCmd.Flags().IntVar(&verifyWorkers, "workers", 0, "Concurrent workers (defaults to GOMAXPROCS)")
}
