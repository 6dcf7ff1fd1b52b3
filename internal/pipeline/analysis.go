package pipeline

import (
	"context"
	"fmt"
	"time"

	"fx-rate-pipeline/internal/rates"
	"fx-rate-pipeline/internal/storage"
)

// CrossRate prices base in quote through via using the displayed table.
func (p *Pipeline) CrossRate(base, quote, via string) (float64, error) {
	state := p.Current()
	if state == nil {
		return 0, ErrNoRates
	}
	return rates.CrossRate(state.Displayed, rates.NormalizeCode(base), rates.NormalizeCode(quote), rates.NormalizeCode(via))
}

// Rebased returns the displayed table re-expressed against target.
func (p *Pipeline) Rebased(target string) (rates.Table, error) {
	state := p.Current()
	if state == nil {
		return nil, ErrNoRates
	}
	return rates.Rebase(state.Displayed, rates.NormalizeCode(target))
}

// TrendAnalyzer reads persisted snapshots to describe how a pair moved.
type TrendAnalyzer struct {
	store storage.SnapshotStore
	now   func() time.Time
}

// NewTrendAnalyzer builds an analyzer over store.
func NewTrendAnalyzer(store storage.SnapshotStore) *TrendAnalyzer {
	return &TrendAnalyzer{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// AnalyzeTrend computes the FROM_TO series over period ("7d", "30d", "90d").
// Snapshots that lack either currency are skipped.
func (a *TrendAnalyzer) AnalyzeTrend(ctx context.Context, pair, period string) (rates.Trend, error) {
	from, to, err := rates.ParsePairKey(pair)
	if err != nil {
		return rates.Trend{}, err
	}
	if period == "" {
		period = "30d"
	}
	window, err := rates.PeriodDuration(period)
	if err != nil {
		return rates.Trend{}, err
	}

	trend := rates.Trend{Pair: rates.PairKey(from, to), Period: period, Points: []rates.TrendPoint{}}
	if a.store == nil {
		trend.Direction = rates.DirectionInsufficient
		return trend, nil
	}

	end := a.now()
	snaps, err := a.store.ListSnapshotsBetween(ctx, end.Add(-window), end.Add(time.Nanosecond))
	if err != nil {
		return rates.Trend{}, fmt.Errorf("list snapshots: %w", err)
	}
	for _, s := range snaps {
		r, err := rates.PairRate(s.Displayed, from, to)
		if err != nil {
			continue
		}
		trend.Points = append(trend.Points, rates.TrendPoint{Time: s.CreatedAt, Rate: r})
	}
	trend.Direction, trend.ChangePercent = rates.ClassifyTrend(trend.Points)
	return trend, nil
}
