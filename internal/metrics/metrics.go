// Package metrics exposes pipeline counters over Prometheus. A nil *Recorder
// is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ratepipeline"

// Cycle outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeNoRates = "no_rates"
	OutcomeFailed  = "failed"
	OutcomeBusy    = "busy"
)

// Recorder holds every collector registered by the pipeline.
type Recorder struct {
	registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	anomalies     prometheus.Counter
	providers     prometheus.Gauge
	currencies    prometheus.Gauge
	cacheLookups  *prometheus.CounterVec
	cacheSwept    prometheus.Counter
	droppedTicks  *prometheus.CounterVec
	conversions   prometheus.Counter
}

// New registers collectors on a fresh registry, plus Go and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Pipeline cycles by outcome",
		}, []string{"outcome"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of completed cycles",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		anomalies: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_total",
			Help:      "Currencies flagged as anomalous",
		}),
		providers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "providers_contributing",
			Help:      "Providers that contributed to the last cycle",
		}),
		currencies: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "currencies",
			Help:      "Currencies in the displayed table",
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Conversion cache lookups by result",
		}, []string{"result"}),
		cacheSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_swept_total",
			Help:      "Expired cache entries removed by the sweeper",
		}),
		droppedTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_skipped_ticks_total",
			Help:      "Ticks skipped because the previous run overran",
		}, []string{"scheduler"}),
		conversions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversions_total",
			Help:      "Successful currency conversions",
		}),
	}
}

// ObserveCycle records one cycle attempt.
func (r *Recorder) ObserveCycle(outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.cycles.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSuccess {
		r.cycleDuration.Observe(d.Seconds())
	}
}

// ObserveTable records the shape of a published cycle.
func (r *Recorder) ObserveTable(providers, currencies, anomalies int) {
	if r == nil {
		return
	}
	r.providers.Set(float64(providers))
	r.currencies.Set(float64(currencies))
	r.anomalies.Add(float64(anomalies))
}

// CacheLookup records a hit or miss.
func (r *Recorder) CacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// CacheSwept adds removed entries.
func (r *Recorder) CacheSwept(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.cacheSwept.Add(float64(n))
}

// SkippedTicks returns a callback for scheduler.Options.OnSkipped.
func (r *Recorder) SkippedTicks(scheduler string) func(int) {
	return func(n int) {
		if r == nil || n <= 0 {
			return
		}
		r.droppedTicks.WithLabelValues(scheduler).Add(float64(n))
	}
}

// Conversion counts a served conversion.
func (r *Recorder) Conversion() {
	if r == nil {
		return
	}
	r.conversions.Inc()
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the text exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
