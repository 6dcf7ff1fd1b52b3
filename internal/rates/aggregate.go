package rates

import "sort"

// Aggregate merges quote sets into a single table holding, per currency, the
// arithmetic mean of every set that quotes it. Sets that omit a currency (or
// quote an unusable value for it) do not contribute to that currency.
//
// Sets are summed in provider-name order so the result does not depend on
// the order the adapter returned them in.
func Aggregate(sets []QuoteSet) Table {
	out := make(Table)
	if len(sets) == 0 {
		return out
	}

	ordered := make([]QuoteSet, len(sets))
	copy(ordered, sets)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Provider < ordered[j].Provider
	})

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, set := range ordered {
		for code, v := range set.Quotes {
			if !usable(v) {
				continue
			}
			code = NormalizeCode(code)
			sums[code] += v
			counts[code]++
		}
	}

	for code, sum := range sums {
		out[code] = sum / float64(counts[code])
	}
	return out
}

// ProviderNames lists the providers that contributed to a cycle, in the
// order they were returned.
func ProviderNames(sets []QuoteSet) []string {
	names := make([]string, 0, len(sets))
	for _, set := range sets {
		names = append(names, set.Provider)
	}
	return names
}
