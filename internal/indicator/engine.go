package indicator

import (
	"math"

	"fx-rate-pipeline/internal/rates"
)

// Default windows.
const (
	DefaultSMAPeriod = 5
	DefaultEMAPeriod = 5
	DefaultRSIPeriod = 14
)

// Set groups the indicators computed for one currency.
type Set struct {
	SMA Reading `json:"sma"`
	EMA Reading `json:"ema"`
	RSI Reading `json:"rsi"`
}

// Engine computes indicator sets from snapshot history.
type Engine struct {
	SMAPeriod int
	EMAPeriod int
	RSIPeriod int
}

// NewEngine returns an engine with the default windows.
func NewEngine() Engine {
	return Engine{
		SMAPeriod: DefaultSMAPeriod,
		EMAPeriod: DefaultEMAPeriod,
		RSIPeriod: DefaultRSIPeriod,
	}
}

// Compute derives the indicator set for one currency. history is ordered
// oldest to newest; snapshots that lack the currency are skipped.
func (e Engine) Compute(currency string, history []rates.Table) Set {
	values := Series(currency, history)
	return Set{
		SMA: SMA(values, e.SMAPeriod),
		EMA: EMA(values, e.EMAPeriod),
		RSI: RSI(values, e.RSIPeriod),
	}
}

// ComputeAll runs Compute for every currency independently.
func (e Engine) ComputeAll(currencies []string, history []rates.Table) map[string]Set {
	out := make(map[string]Set, len(currencies))
	for _, code := range currencies {
		out[code] = e.Compute(code, history)
	}
	return out
}

// Series extracts a currency's values from history, dropping gaps and
// non-finite entries.
func Series(currency string, history []rates.Table) []float64 {
	values := make([]float64, 0, len(history))
	for _, table := range history {
		v, ok := table[currency]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		values = append(values, v)
	}
	return values
}
