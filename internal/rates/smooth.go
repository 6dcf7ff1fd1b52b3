package rates

import "math"

// DefaultSmoothingAlpha is the weight given to the newest aggregate.
const DefaultSmoothingAlpha = 0.2

// Smooth blends the new aggregate into the previously displayed table with a
// first-order exponential filter. A currency seen for the first time is
// displayed as-is.
func Smooth(current, previous Table, alpha float64) Table {
	out := make(Table, len(current))
	for code, newRate := range current {
		oldRate, ok := previous[code]
		if !ok || math.IsNaN(oldRate) {
			oldRate = newRate
		}
		out[code] = alpha*newRate + (1-alpha)*oldRate
	}
	return out
}
