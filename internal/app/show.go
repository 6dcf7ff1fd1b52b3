package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"fx-rate-pipeline/internal/rates"
	"fx-rate-pipeline/internal/storage"
)

// DefaultShowCurrencies are printed when no --currencies flag is given.
var DefaultShowCurrencies = []string{"EUR", "GBP", "JPY"}

// Show prints recent snapshots.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show snapshots")
	if err != nil {
		return err
	}
	defer closeStore()

	snaps, err := store.LoadRecentSnapshots(ctx, opts.Limit)
	if err != nil {
		return err
	}
	return writeSnapshotTable(a.Out, snaps, resolveCurrencies(opts.Currencies, DefaultShowCurrencies))
}

func writeSnapshotTable(out io.Writer, snaps []storage.Snapshot, currencies []string) error {
	if len(snaps) == 0 {
		fmt.Fprintln(out, "no snapshots found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	header := append([]string{"Time (UTC)", "Base"}, currencies...)
	header = append(header, "Providers")
	fmt.Fprintln(writer, strings.Join(header, "\t"))

	for _, snap := range snaps {
		row := []string{snap.CreatedAt.UTC().Format(time.RFC3339), snap.Base}
		for _, code := range currencies {
			row = append(row, formatRate(snap.Displayed, code))
		}
		row = append(row, sanitizeInline(strings.Join(snap.Providers, ",")))
		fmt.Fprintln(writer, strings.Join(row, "\t"))
	}

	return writer.Flush()
}

func formatRate(t rates.Table, code string) string {
	v, ok := t.Rate(code)
	if !ok {
		return "-"
	}
	return fmt.Sprintf("%.6f", v)
}

func resolveCurrencies(requested, fallback []string) []string {
	if len(requested) == 0 {
		requested = fallback
	}
	out := make([]string, 0, len(requested))
	for _, code := range requested {
		if code = rates.NormalizeCode(code); code != "" {
			out = append(out, code)
		}
	}
	return out
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
