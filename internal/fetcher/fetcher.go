package fetcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fx-rate-pipeline/internal/rates"
)

// Provider retrieves one source's rate table against base.
type Provider interface {
	Name() string
	FetchQuotes(ctx context.Context, base string) (rates.Table, error)
}

// AdapterOptions parameterise the provider fan-in.
type AdapterOptions struct {
	// Timeout bounds each provider call independently.
	Timeout time.Duration
}

// Adapter queries every provider concurrently and returns the quote sets of
// those that answered. Provider errors are logged and swallowed.
type Adapter struct {
	providers []Provider
	opts      AdapterOptions
	logger    zerolog.Logger
}

// NewAdapter builds an adapter over providers.
func NewAdapter(providers []Provider, opts AdapterOptions, logger zerolog.Logger) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Adapter{
		providers: providers,
		opts:      opts,
		logger:    logger.With().Str("component", "provider_adapter").Logger(),
	}
}

// Providers reports the configured provider names.
func (a *Adapter) Providers() []string {
	names := make([]string, 0, len(a.providers))
	for _, p := range a.providers {
		names = append(names, p.Name())
	}
	return names
}

// FetchQuotes returns one QuoteSet per provider that succeeded, ordered by
// provider name. It only fails when ctx itself is done.
func (a *Adapter) FetchQuotes(ctx context.Context, base string) ([]rates.QuoteSet, error) {
	var (
		mu   sync.Mutex
		sets = make([]rates.QuoteSet, 0, len(a.providers))
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, p := range a.providers {
		p := p
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, a.opts.Timeout)
			defer cancel()

			started := time.Now()
			quotes, err := p.FetchQuotes(callCtx, base)
			if err != nil {
				a.logger.Warn().Err(err).Str("provider", p.Name()).Dur("elapsed", time.Since(started)).Msg("provider fetch failed")
				return nil
			}
			if len(quotes) == 0 {
				a.logger.Warn().Str("provider", p.Name()).Msg("provider returned no rates")
				return nil
			}

			mu.Lock()
			sets = append(sets, rates.QuoteSet{Provider: p.Name(), Quotes: quotes})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(sets, func(i, j int) bool { return sets[i].Provider < sets[j].Provider })
	a.logger.Debug().Int("providers", len(a.providers)).Int("succeeded", len(sets)).Msg("quotes fetched")
	return sets, nil
}
