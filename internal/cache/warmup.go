package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"fx-rate-pipeline/internal/rates"
)

// TableFunc yields the rate table warmup computes from.
type TableFunc func() rates.Table

// Warmup computes and stores the rate for each "FROM_TO" pair. Pairs that are
// malformed or reference a currency missing from the table are skipped with a
// warning. It returns the number of entries stored.
func Warmup(ctx context.Context, c Cache, pairs []string, current TableFunc, ttl time.Duration, logger zerolog.Logger) int {
	log := logger.With().Str("component", "cache-warmup").Logger()

	var table rates.Table
	if current != nil {
		table = current()
	}
	stored := 0
	for _, pair := range pairs {
		from, to, err := rates.ParsePairKey(pair)
		if err != nil {
			log.Warn().Err(err).Str("pair", pair).Msg("skipping malformed pair")
			continue
		}
		rate, err := rates.PairRate(table, from, to)
		if err != nil {
			log.Warn().Err(err).Str("pair", pair).Msg("skipping pair without rates")
			continue
		}
		key := rates.PairKey(from, to)
		if err := c.Put(ctx, key, rate, ttl); err != nil {
			log.Warn().Err(err).Str("pair", key).Msg("cache put failed")
			continue
		}
		stored++
	}
	log.Info().Int("requested", len(pairs)).Int("stored", stored).Msg("cache warmed")
	return stored
}

// NewSweepTask returns a scheduler tick that sweeps c. onSwept, when non-nil,
// receives the removed count.
func NewSweepTask(c Cache, logger zerolog.Logger, onSwept func(int)) func(context.Context, time.Time) error {
	log := logger.With().Str("component", "cache-sweeper").Logger()
	return func(ctx context.Context, at time.Time) error {
		removed, err := c.Sweep(ctx)
		if err != nil {
			return err
		}
		if onSwept != nil {
			onSwept(removed)
		}
		if removed > 0 {
			log.Info().Int("removed", removed).Time("at", at).Msg("expired cache entries swept")
		} else {
			log.Debug().Time("at", at).Msg("cache sweep found nothing")
		}
		return nil
	}
}
