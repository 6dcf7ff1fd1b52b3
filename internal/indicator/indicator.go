// Package indicator computes technical indicators over a currency's recent
// snapshot history.
//
// Every indicator returns a Reading. A Reading that is not Ready is the
// "not enough data" marker and serializes as JSON null.
package indicator

import (
	"encoding/json"
	"math"
)

// Reading is an indicator value plus its readiness.
type Reading struct {
	Value float64
	Ready bool
}

// NotReady is the sentinel returned when the history is too short.
func NotReady() Reading { return Reading{} }

func ready(v float64) Reading { return Reading{Value: v, Ready: true} }

// MarshalJSON renders a not-ready reading as null.
func (r Reading) MarshalJSON() ([]byte, error) {
	if !r.Ready {
		return []byte("null"), nil
	}
	return json.Marshal(r.Value)
}

// UnmarshalJSON accepts a number or null.
func (r *Reading) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*r = NotReady()
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*r = ready(v)
	return nil
}

// SMA is the mean of the last period values.
func SMA(values []float64, period int) Reading {
	if period <= 0 || len(values) < period {
		return NotReady()
	}
	var sum float64
	for _, v := range values[len(values)-period:] {
		sum += v
	}
	return ready(round(sum/float64(period), 6))
}

// EMA seeds with the mean of the first period values, then applies
// ema = v*k + ema*(1-k) with k = 2/(period+1) for every later value.
func EMA(values []float64, period int) Reading {
	if period <= 0 || len(values) < period {
		return NotReady()
	}
	k := 2.0 / float64(period+1)
	var sum float64
	for _, v := range values[:period] {
		sum += v
	}
	ema := sum / float64(period)
	for _, v := range values[period:] {
		ema = v*k + ema*(1-k)
	}
	return ready(round(ema, 6))
}

// RSI is a fixed-window estimate over the first period deltas of values. It
// does not apply Wilder smoothing to later deltas.
func RSI(values []float64, period int) Reading {
	if period <= 0 || len(values) < period+1 {
		return NotReady()
	}
	var gains, losses float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return ready(100)
	}
	rs := avgGain / avgLoss
	return ready(round(100-100/(1+rs), 2))
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
