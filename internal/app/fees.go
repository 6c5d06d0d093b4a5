package app

import (
	"fmt"
)

// Fees prints the buyer total for a seller amount, or with opts.Subtract the
// seller proceeds for a buyer total.
func (a *App) Fees(opts FeesOptions) error {
	schedule, err := a.Config.Schedule()
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "schedule: %s (nominal rate %s)\n", schedule, schedule.NominalRate().String())

	if !opts.Subtract {
		total, err := schedule.AddFees(opts.Amount)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "seller receives $%s -> buyer pays $%s (fees $%s)\n",
			opts.Amount.USD(), total.USD(), (total - opts.Amount).USD())
		return nil
	}

	inv, err := schedule.Invert(opts.Amount)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "buyer pays $%s -> seller receives $%s (fees $%s, %d evaluations)\n",
		opts.Amount.USD(), inv.Base.USD(), (opts.Amount - inv.Base).USD(), inv.Evaluations)
	return nil
}

