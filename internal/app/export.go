package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"fx-rate-pipeline/internal/storage"
)

// Export renders snapshot history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	snaps, err := store.ListSnapshotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	downsampled := downsampleSnapshots(snaps, opts.MaxPoints)
	currencies := resolveCurrencies(opts.Currencies, DefaultShowCurrencies)
	a.Logger.Info().Int("total", len(snaps)).Int("exported", len(downsampled)).Strs("currencies", currencies).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, downsampled, currencies); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, downsampled, currencies); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSnapshots(snaps []storage.Snapshot, max int) []storage.Snapshot {
	if max <= 0 || len(snaps) <= max {
		return snaps
	}
	if max == 1 {
		return snaps[len(snaps)-1:]
	}

	result := make([]storage.Snapshot, 0, max)
	step := float64(len(snaps)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(snaps) {
			idx = len(snaps) - 1
		}
		result = append(result, snaps[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, snaps []storage.Snapshot, currencies []string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"created_at", "cycle_id", "base"}
	for _, code := range currencies {
		lower := strings.ToLower(code)
		header = append(header, lower+"_displayed", lower+"_aggregated")
	}
	header = append(header, "providers")
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, snap := range snaps {
		record := []string{
			snap.CreatedAt.UTC().Format(time.RFC3339),
			snap.CycleID.String(),
			snap.Base,
		}
		for _, code := range currencies {
			record = append(record, csvRate(snap.Displayed[code]), csvRate(snap.Aggregated[code]))
		}
		record = append(record, strings.Join(snap.Providers, ";"))
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func csvRate(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// writeSnapshotsPNG plots each currency indexed to 100 at its first
// observation so currencies of very different magnitude share one axis.
func writeSnapshotsPNG(path string, snaps []storage.Snapshot, currencies []string) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	series := make([]chart.Series, 0, len(currencies))
	for _, code := range currencies {
		var (
			x     []time.Time
			y     []float64
			first float64
		)
		for _, snap := range snaps {
			v, ok := snap.Displayed.Rate(code)
			if !ok {
				continue
			}
			if first == 0 {
				first = v
			}
			x = append(x, snap.CreatedAt)
			y = append(y, v/first*100)
		}
		if len(x) < 2 {
			continue
		}
		series = append(series, chart.TimeSeries{Name: code, XValues: x, YValues: y})
	}
	if len(series) == 0 {
		return errors.New("not enough data points to chart")
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Index (first = 100)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
