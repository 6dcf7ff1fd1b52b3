package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fx-rate-pipeline/internal/rates"
)

// ConvertOptions configure a one-shot conversion.
type ConvertOptions struct {
	From   string
	To     string
	Amount decimal.Decimal
}

// Convert prices an amount against the latest persisted snapshot.
func (a *App) Convert(ctx context.Context, opts ConvertOptions) error {
	from, to := rates.NormalizeCode(opts.From), rates.NormalizeCode(opts.To)
	if from == to {
		return rates.ErrSameCurrency
	}
	if !opts.Amount.IsPositive() {
		return rates.ErrInvalidAmount
	}

	store, closeStore, err := a.requireStore(ctx, "convert")
	if err != nil {
		return err
	}
	defer closeStore()

	snap, ok, err := store.LatestSnapshot(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("no snapshots persisted yet")
	}

	rate, err := rates.PairRate(snap.Displayed, from, to)
	if err != nil {
		return err
	}
	rateDec := decimal.NewFromFloat(rate)
	result := opts.Amount.Mul(rateDec).Round(6)

	fmt.Fprintf(a.Out, "%s %s = %s %s (rate %s, as of %s)\n",
		opts.Amount.String(), from, result.String(), to,
		rateDec.StringFixed(6), snap.CreatedAt.UTC().Format(time.RFC3339))
	return nil
}
