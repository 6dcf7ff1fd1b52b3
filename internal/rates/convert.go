package rates

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownCurrency is returned when a code is missing from the table.
	ErrUnknownCurrency = errors.New("rates: unknown currency")
	// ErrInvalidAmount is returned for non-positive conversion amounts.
	ErrInvalidAmount = errors.New("rates: amount must be greater than zero")
	// ErrSameCurrency is returned when converting a currency into itself.
	ErrSameCurrency = errors.New("rates: from and to must differ")
	// ErrInvalidPair is returned for malformed FROM_TO keys.
	ErrInvalidPair = errors.New("rates: pair must look like FROM_TO")
)

// PairKey builds the cache key for a conversion pair.
func PairKey(from, to string) string {
	return NormalizeCode(from) + "_" + NormalizeCode(to)
}

// ParsePairKey splits a FROM_TO key.
func ParsePairKey(key string) (string, string, error) {
	from, to, ok := strings.Cut(key, "_")
	from, to = NormalizeCode(from), NormalizeCode(to)
	if !ok || from == "" || to == "" || strings.Contains(to, "_") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPair, key)
	}
	return from, to, nil
}

// PairRate returns how many units of to one unit of from buys.
func PairRate(t Table, from, to string) (float64, error) {
	fromRate, ok := t.Rate(from)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
	}
	toRate, ok := t.Rate(to)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
	}
	return toRate / fromRate, nil
}

// CrossRate prices base in quote by routing both legs through via.
func CrossRate(t Table, base, quote, via string) (float64, error) {
	for _, code := range []string{base, quote, via} {
		if _, ok := t.Rate(code); !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnknownCurrency, code)
		}
	}
	baseToVia := t[base] / t[via]
	quoteToVia := t[quote] / t[via]
	return round(baseToVia/quoteToVia, 6), nil
}

// Rebase re-expresses every rate against target, which becomes exactly 1.
func Rebase(t Table, target string) (Table, error) {
	pivot, ok := t.Rate(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCurrency, target)
	}
	out := make(Table, len(t))
	for code, v := range t {
		out[code] = v / pivot
	}
	out[target] = 1
	return out, nil
}
