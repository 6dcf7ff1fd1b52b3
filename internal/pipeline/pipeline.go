// Package pipeline runs the fetch cycle and owns the process-wide rate state.
//
// One cycle walks Idle → Fetching → Aggregating → Publishing → Idle. Cycles
// never overlap: a trigger that arrives while a cycle is running is refused
// with ErrCycleInProgress. Readers load the current State through an atomic
// pointer and never block on the writer.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fx-rate-pipeline/internal/alerting"
	"fx-rate-pipeline/internal/broadcast"
	"fx-rate-pipeline/internal/indicator"
	"fx-rate-pipeline/internal/metrics"
	"fx-rate-pipeline/internal/rates"
	"fx-rate-pipeline/internal/scheduler"
	"fx-rate-pipeline/internal/storage"
)

var (
	// ErrCycleInProgress is returned when a cycle is triggered while another runs.
	ErrCycleInProgress = errors.New("pipeline: cycle already in progress")
	// ErrNoRates is returned when no provider produced a usable rate.
	ErrNoRates = errors.New("pipeline: no rates aggregated")
)

// QuoteSource supplies one quote set per provider that answered.
type QuoteSource interface {
	FetchQuotes(ctx context.Context, base string) ([]rates.QuoteSet, error)
}

// Options tune a Pipeline. Zero values fall back to the package defaults.
type Options struct {
	Base             string
	SmoothingAlpha   float64
	AnomalyThreshold float64
	// HistoryLimit is how many persisted snapshots feed the indicators.
	HistoryLimit int
	Indicators   indicator.Engine
}

// Dependencies are the collaborators a Pipeline calls during a cycle. Only
// Source is required.
type Dependencies struct {
	Source    QuoteSource
	Store     storage.SnapshotStore
	Publisher broadcast.Publisher
	Notifier  alerting.Notifier
	Metrics   *metrics.Recorder
}

// Pipeline is the orchestrator.
type Pipeline struct {
	opts   Options
	deps   Dependencies
	logger zerolog.Logger
	now    func() time.Time

	phase atomic.Int32
	state atomic.Pointer[State]
	cycle atomic.Int64
}

// New constructs the orchestrator.
func New(opts Options, deps Dependencies, logger zerolog.Logger) *Pipeline {
	if opts.Base == "" {
		opts.Base = rates.BaseCurrency
	}
	opts.Base = rates.NormalizeCode(opts.Base)
	if opts.SmoothingAlpha <= 0 || opts.SmoothingAlpha > 1 {
		opts.SmoothingAlpha = rates.DefaultSmoothingAlpha
	}
	if opts.AnomalyThreshold <= 0 {
		opts.AnomalyThreshold = rates.DefaultAnomalyThreshold
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 20
	}
	if opts.Indicators == (indicator.Engine{}) {
		opts.Indicators = indicator.NewEngine()
	}

	return &Pipeline{
		opts:   opts,
		deps:   deps,
		logger: logger.With().Str("component", "pipeline").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Current returns the latest published state, or nil before the first
// successful cycle.
func (p *Pipeline) Current() *State {
	return p.state.Load()
}

// Phase reports where the running cycle is.
func (p *Pipeline) Phase() Phase {
	return Phase(p.phase.Load())
}

// Base is the currency every table is quoted against.
func (p *Pipeline) Base() string {
	return p.opts.Base
}

// Run drives cycles from sched until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, p.Tick)
}

// Tick adapts RunCycle to the scheduler: skipped and empty cycles are logged
// here and not reported as failures.
func (p *Pipeline) Tick(ctx context.Context, at time.Time) error {
	_, err := p.RunCycle(ctx, at)
	switch {
	case errors.Is(err, ErrCycleInProgress), errors.Is(err, ErrNoRates):
		return nil
	default:
		return err
	}
}

// RunCycle executes one full cycle. On any abort the previous state stays in
// place.
func (p *Pipeline) RunCycle(ctx context.Context, at time.Time) (*State, error) {
	if !p.phase.CompareAndSwap(int32(PhaseIdle), int32(PhaseFetching)) {
		p.logger.Warn().Str("phase", p.Phase().String()).Time("at", at).Msg("周期仍在运行, 丢弃本次触发")
		p.deps.Metrics.ObserveCycle(metrics.OutcomeBusy, 0)
		return nil, ErrCycleInProgress
	}
	defer p.phase.Store(int32(PhaseIdle))

	started := time.Now()
	cycleID := uuid.New()
	log := p.logger.With().Str("cycle_id", cycleID.String()).Logger()

	sets, err := p.deps.Source.FetchQuotes(ctx, p.opts.Base)
	if err != nil {
		log.Error().Err(err).Msg("fetch quotes failed, keeping previous state")
		p.deps.Metrics.ObserveCycle(metrics.OutcomeFailed, time.Since(started))
		return nil, fmt.Errorf("fetch quotes: %w", err)
	}

	p.phase.Store(int32(PhaseAggregating))
	aggregated := rates.Aggregate(sets)
	if len(aggregated) == 0 {
		log.Warn().Int("providers", len(sets)).Msg("no rates aggregated, keeping previous state")
		p.deps.Metrics.ObserveCycle(metrics.OutcomeNoRates, time.Since(started))
		return nil, ErrNoRates
	}

	prev := p.state.Load()
	var baseline, previousDisplayed rates.Table
	if prev != nil {
		baseline = prev.Baseline
		previousDisplayed = prev.Displayed
	}

	// Order matters: anomaly and summary both read the pre-update baseline.
	report := rates.DetectAnomalies(aggregated, baseline, p.opts.AnomalyThreshold)
	indicators := p.opts.Indicators.ComputeAll(aggregated.Currencies(), p.history(ctx, log))
	displayed := rates.Smooth(aggregated, previousDisplayed, p.opts.SmoothingAlpha)
	summary := rates.Summarize(displayed, baseline)

	p.phase.Store(int32(PhasePublishing))
	providers := rates.ProviderNames(sets)
	next := &State{
		Cycle:      p.cycle.Add(1),
		CycleID:    cycleID,
		Base:       p.opts.Base,
		UpdatedAt:  at.UTC(),
		Displayed:  displayed,
		Baseline:   aggregated,
		Indicators: indicators,
		Summary:    summary,
		Anomalies:  report,
		Sources:    sets,
		Provider:   ProviderLabel(providers),
	}

	p.persist(ctx, next, providers, log)
	p.state.Store(next)
	p.publish(ctx, next, log)
	p.notify(ctx, next, log)

	elapsed := time.Since(started)
	p.deps.Metrics.ObserveCycle(metrics.OutcomeSuccess, elapsed)
	p.deps.Metrics.ObserveTable(len(sets), len(displayed), len(report.Anomalies))

	ev := log.Info().
		Int64("cycle", next.Cycle).
		Int("providers", len(sets)).
		Int("currencies", len(displayed)).
		Int("anomalies", len(report.Anomalies)).
		Dur("elapsed", elapsed)
	if summary != nil {
		ev = ev.Str("sentiment", string(summary.Sentiment))
	}
	ev.Msg("cycle completed")

	return next, nil
}

func (p *Pipeline) history(ctx context.Context, log zerolog.Logger) []rates.Table {
	if p.deps.Store == nil {
		return nil
	}
	snaps, err := p.deps.Store.LoadRecentSnapshots(ctx, p.opts.HistoryLimit)
	if err != nil {
		log.Error().Err(err).Msg("load snapshot history failed, indicators computed without history")
		return nil
	}
	return storage.Displayed(snaps)
}

func (p *Pipeline) persist(ctx context.Context, s *State, providers []string, log zerolog.Logger) {
	if p.deps.Store == nil {
		return
	}
	_, err := p.deps.Store.SaveSnapshot(ctx, storage.Snapshot{
		CycleID:    s.CycleID,
		Base:       s.Base,
		Displayed:  s.Displayed,
		Aggregated: s.Baseline,
		Providers:  providers,
		CreatedAt:  s.UpdatedAt,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to persist snapshot")
	}
}

func (p *Pipeline) publish(ctx context.Context, s *State, log zerolog.Logger) {
	if p.deps.Publisher == nil {
		return
	}
	if err := p.deps.Publisher.Publish(ctx, broadcast.EventRateUpdate, s.rateUpdate()); err != nil {
		log.Warn().Err(err).Msg("publish rateUpdate failed")
	}
	if s.Summary != nil {
		if err := p.deps.Publisher.Publish(ctx, broadcast.EventMarketSummary, s.Summary); err != nil {
			log.Warn().Err(err).Msg("publish marketSummary failed")
		}
	}
	if s.Anomalies.HasAnomaly {
		if err := p.deps.Publisher.Publish(ctx, broadcast.EventRateAnomalies, s.Anomalies); err != nil {
			log.Warn().Err(err).Msg("publish rateAnomalies failed")
		}
	}
}

func (p *Pipeline) notify(ctx context.Context, s *State, log zerolog.Logger) {
	if p.deps.Notifier == nil || !s.Anomalies.HasAnomaly {
		return
	}
	note := alerting.Notification{
		CycleID:   s.CycleID.String(),
		At:        s.UpdatedAt,
		Base:      s.Base,
		Threshold: p.opts.AnomalyThreshold,
		Anomalies: s.Anomalies.Anomalies,
		Providers: s.Provider,
	}
	if err := p.deps.Notifier.Notify(ctx, note); err != nil {
		log.Error().Err(err).Msg("failed to dispatch anomaly alert")
	}
}
