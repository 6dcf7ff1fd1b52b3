// Package rates holds the rate-table model and the per-cycle transforms the
// pipeline applies to it: aggregation, anomaly detection, smoothing and the
// market summary.
package rates

import (
	"math"
	"sort"
	"strings"
)

// BaseCurrency is the reference currency every table is quoted against.
const BaseCurrency = "USD"

// Table maps a currency code to its rate relative to the base currency.
// Tables are treated as immutable once handed to the pipeline state.
type Table map[string]float64

// QuoteSet is one provider's answer for a single fetch cycle.
type QuoteSet struct {
	Provider string `json:"provider"`
	Quotes   Table  `json:"rates"`
}

// Clone returns an independent copy of t.
func (t Table) Clone() Table {
	out := make(Table, len(t))
	for code, v := range t {
		out[code] = v
	}
	return out
}

// Currencies returns the table's currency codes in ascending order.
func (t Table) Currencies() []string {
	codes := make([]string, 0, len(t))
	for code := range t {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Rate returns the usable rate for code. Missing, zero, negative and
// non-finite values are reported as absent.
func (t Table) Rate(code string) (float64, bool) {
	v, ok := t[code]
	if !ok || !usable(v) {
		return 0, false
	}
	return v, true
}

// NormalizeCode upper-cases and trims a currency code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func usable(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
