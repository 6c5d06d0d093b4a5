package app

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Migrate applies the SQL migrations under database.migrations_path.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.requireStore(ctx, "migrate")
	if err != nil {
		return err
	}
	defer closeStore()

	dir := a.Config.Database.MigrationsPath
	applied, err := store.Migrate(ctx, dir)
	for _, v := range applied {
		fmt.Fprintf(a.Out, "applied %s\n", v)
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(a.Out, "schema is up to date")
	}
	a.Logger.Info().Str("dir", dir).Int("applied", len(applied)).Msg("migrations complete")
	return nil
}

// Prune deletes decisions older than opts.OlderThan.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	if opts.OlderThan <= 0 {
		return errors.New("--older-than must be positive")
	}
	cutoff := time.Now().UTC().Add(-opts.OlderThan)

	store, closeStore, err := a.requireStore(ctx, "prune decisions")
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.DryRun {
		before, err := store.CountDecisions(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "dry run: would delete decisions before %s (%d stored)\n", cutoff.Format(time.RFC3339), before)
		return nil
	}

	deleted, err := store.DeleteDecisionsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "deleted %d decisions before %s\n", deleted, cutoff.Format(time.RFC3339))
	return nil
}
