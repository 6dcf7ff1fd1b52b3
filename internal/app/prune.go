package app

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PruneOptions configure snapshot retention.
type PruneOptions struct {
	OlderThan time.Duration
	DryRun    bool
}

// Prune deletes snapshots created before now minus OlderThan.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	if opts.OlderThan <= 0 {
		return errors.New("--older-than must be greater than zero")
	}

	store, closeStore, err := a.requireStore(ctx, "prune")
	if err != nil {
		return err
	}
	defer closeStore()

	cutoff := time.Now().UTC().Add(-opts.OlderThan)
	if opts.DryRun {
		snaps, err := store.ListSnapshotsBetween(ctx, time.Unix(0, 0).UTC(), cutoff)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.Out, "would delete %d snapshots older than %s\n", len(snaps), cutoff.Format(time.RFC3339))
		return nil
	}

	removed, err := store.DeleteSnapshotsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("removed", removed).Time("cutoff", cutoff).Msg("snapshots pruned")
	fmt.Fprintf(a.Out, "deleted %d snapshots older than %s\n", removed, cutoff.Format(time.RFC3339))
	return nil
}
