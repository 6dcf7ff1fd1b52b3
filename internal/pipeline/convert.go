package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fx-rate-pipeline/internal/cache"
	"fx-rate-pipeline/internal/metrics"
	"fx-rate-pipeline/internal/rates"
	"fx-rate-pipeline/internal/storage"
)

// Conversion is the result of one convert call.
type Conversion struct {
	From      string          `json:"from"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	Rate      decimal.Decimal `json:"rate"`
	Result    decimal.Decimal `json:"result"`
	Cached    bool            `json:"cached"`
	Timestamp time.Time       `json:"timestamp"`
}

// IsInputError reports whether err was caused by the caller's arguments.
func IsInputError(err error) bool {
	return errors.Is(err, rates.ErrUnknownCurrency) ||
		errors.Is(err, rates.ErrInvalidAmount) ||
		errors.Is(err, rates.ErrSameCurrency) ||
		errors.Is(err, rates.ErrInvalidPair) ||
		errors.Is(err, rates.ErrUnsupportedPeriod)
}

// Converter serves pairwise conversions from the displayed table, with the
// rate cache in front.
type Converter struct {
	pipeline *Pipeline
	cache    cache.Cache
	log      storage.ConversionLog
	metrics  *metrics.Recorder
	ttl      time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewConverter wires a converter to the pipeline state. convLog and rec may be nil.
func NewConverter(p *Pipeline, c cache.Cache, convLog storage.ConversionLog, rec *metrics.Recorder, ttl time.Duration, logger zerolog.Logger) *Converter {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	return &Converter{
		pipeline: p,
		cache:    c,
		log:      convLog,
		metrics:  rec,
		ttl:      ttl,
		logger:   logger.With().Str("component", "converter").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Cache exposes the underlying rate cache.
func (c *Converter) Cache() cache.Cache {
	return c.cache
}

// Convert prices amount of from in to. The pair rate comes from the cache
// when present; otherwise it is computed from the displayed table and cached.
func (c *Converter) Convert(ctx context.Context, from, to string, amount decimal.Decimal) (Conversion, error) {
	from, to = rates.NormalizeCode(from), rates.NormalizeCode(to)
	switch {
	case from == "" || to == "":
		return Conversion{}, fmt.Errorf("%w: from and to are required", rates.ErrUnknownCurrency)
	case from == to:
		return Conversion{}, rates.ErrSameCurrency
	case !amount.IsPositive():
		return Conversion{}, rates.ErrInvalidAmount
	}

	state := c.pipeline.Current()
	if state == nil {
		return Conversion{}, ErrNoRates
	}
	for _, code := range []string{from, to} {
		if _, ok := state.Displayed.Rate(code); !ok {
			return Conversion{}, fmt.Errorf("%w: %s", rates.ErrUnknownCurrency, code)
		}
	}

	key := rates.PairKey(from, to)
	rate, hit, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Str("pair", key).Msg("cache lookup failed, recomputing")
		hit = false
	}
	c.metrics.CacheLookup(hit)

	if !hit {
		rate, err = rates.PairRate(state.Displayed, from, to)
		if err != nil {
			return Conversion{}, err
		}
		if err := c.cache.Put(ctx, key, rate, c.ttl); err != nil {
			c.logger.Warn().Err(err).Str("pair", key).Msg("cache put failed")
		}
	}

	rateDec := decimal.NewFromFloat(rate)
	out := Conversion{
		From:      from,
		To:        to,
		Amount:    amount,
		Rate:      rateDec,
		Result:    amount.Mul(rateDec).Round(6),
		Cached:    hit,
		Timestamp: c.now(),
	}
	c.metrics.Conversion()
	c.record(ctx, out)
	return out, nil
}

func (c *Converter) record(ctx context.Context, conv Conversion) {
	if c.log == nil {
		return
	}
	err := c.log.InsertConversion(ctx, storage.ConversionRecord{
		ID:        uuid.New(),
		From:      conv.From,
		To:        conv.To,
		Amount:    conv.Amount,
		Rate:      conv.Rate,
		Result:    conv.Result,
		Cached:    conv.Cached,
		CreatedAt: conv.Timestamp,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("from", conv.From).Str("to", conv.To).Msg("failed to log conversion")
	}
}

// PopularPairs lists the most requested pairs. Without a conversion log the
// list is empty.
func (c *Converter) PopularPairs(ctx context.Context, limit int) ([]storage.PairCount, error) {
	if c.log == nil {
		return []storage.PairCount{}, nil
	}
	if limit <= 0 {
		limit = 10
	}
	return c.log.ListPopularPairs(ctx, limit)
}

// Warmup precomputes the given FROM_TO pairs from the current displayed table.
func (c *Converter) Warmup(ctx context.Context, pairs []string) int {
	current := func() rates.Table {
		if s := c.pipeline.Current(); s != nil {
			return s.Displayed
		}
		return nil
	}
	return cache.Warmup(ctx, c.cache, pairs, current, c.ttl, c.logger)
}
