package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"fx-rate-pipeline/internal/pipeline"
	"fx-rate-pipeline/internal/rates"
	"fx-rate-pipeline/internal/storage"
)

// SimulateOptions feed static quotes through an in-memory pipeline. Each
// element of Cycles is one cycle's JSON object of provider -> {code: rate}.
type SimulateOptions struct {
	Cycles []string
	// Notify sends anomalies through the configured alert channels.
	Notify bool
}

// Simulate 用静态报价跑若干个周期, 并打印最后一个周期的结果。
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if len(opts.Cycles) == 0 {
		return errors.New("at least one --quotes value is required")
	}

	src := &staticQuotes{}
	deps := pipeline.Dependencies{
		Source: src,
		Store:  storage.NewMemoryStore(a.Config.Pipeline.HistoryLimit),
	}
	if opts.Notify {
		notifier := a.newNotifier()
		if notifier == nil {
			return errors.New("alerting 未启用或未配置任何告警通道")
		}
		deps.Notifier = notifier
	}
	pipe := pipeline.New(a.pipelineOptions(), deps, a.Logger)

	start := time.Now().UTC()
	var state *pipeline.State
	for i, raw := range opts.Cycles {
		sets, err := parseQuoteSets(raw)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", i+1, err)
		}
		src.sets = sets
		state, err = pipe.RunCycle(ctx, start.Add(time.Duration(i)*a.Config.Scheduler.Interval))
		if err != nil {
			return fmt.Errorf("cycle %d: %w", i+1, err)
		}
	}

	return writeSimulation(a.Out, state)
}

type staticQuotes struct {
	sets []rates.QuoteSet
}

func (s *staticQuotes) FetchQuotes(context.Context, string) ([]rates.QuoteSet, error) {
	return s.sets, nil
}

func parseQuoteSets(raw string) ([]rates.QuoteSet, error) {
	var byProvider map[string]map[string]float64
	if err := json.Unmarshal([]byte(raw), &byProvider); err != nil {
		return nil, fmt.Errorf("parse quotes: %w", err)
	}
	names := make([]string, 0, len(byProvider))
	for name := range byProvider {
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]rates.QuoteSet, 0, len(names))
	for _, name := range names {
		table := make(rates.Table, len(byProvider[name]))
		for code, v := range byProvider[name] {
			table[rates.NormalizeCode(code)] = v
		}
		sets = append(sets, rates.QuoteSet{Provider: name, Quotes: table})
	}
	return sets, nil
}

func writeSimulation(out io.Writer, state *pipeline.State) error {
	fmt.Fprintf(out, "cycle %d  base %s  %s\n", state.Cycle, state.Base, state.Provider)
	for _, code := range state.Displayed.Currencies() {
		fmt.Fprintf(out, "  %-4s displayed %.6f  aggregated %.6f\n", code, state.Displayed[code], state.Baseline[code])
	}
	if state.Anomalies.HasAnomaly {
		fmt.Fprintln(out, "anomalies:")
		for _, an := range state.Anomalies.Anomalies {
			fmt.Fprintf(out, "  %-4s %.6f -> %.6f (%.2f%%)\n", an.Currency, an.OldRate, an.NewRate, an.ChangePercent)
		}
	}
	if state.Summary != nil {
		fmt.Fprintf(out, "summary: %s\n", state.Summary.SummaryText)
	}
	return nil
}
