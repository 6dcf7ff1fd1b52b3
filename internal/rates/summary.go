package rates

import (
	"fmt"
	"math"
)

// Sentiment labels the average absolute move of the displayed table.
type Sentiment string

const (
	SentimentStable         Sentiment = "stable"
	SentimentMildVolatility Sentiment = "mild_volatility"
	SentimentVolatile       Sentiment = "volatile"
	SentimentHighlyVolatile Sentiment = "highly_volatile"
)

// Label renders the sentiment for human-facing text.
func (s Sentiment) Label() string {
	switch s {
	case SentimentStable:
		return "stable"
	case SentimentMildVolatility:
		return "mildly volatile"
	case SentimentVolatile:
		return "volatile"
	case SentimentHighlyVolatile:
		return "highly volatile"
	default:
		return string(s)
	}
}

// Mover is a currency and its percentage move against the baseline.
type Mover struct {
	Currency      string  `json:"currency"`
	ChangePercent float64 `json:"changePercent"`
}

// MarketSummary describes the displayed table relative to the baseline.
type MarketSummary struct {
	TopGainer   Mover     `json:"topGainer"`
	TopLoser    Mover     `json:"topLoser"`
	AvgChange   float64   `json:"avgChange"`
	Sentiment   Sentiment `json:"sentiment"`
	SummaryText string    `json:"summaryText"`
}

// Summarize derives the market summary from the displayed and baseline
// tables. It returns nil when no currency is comparable.
func Summarize(displayed, baseline Table) *MarketSummary {
	changes := make([]Mover, 0, len(displayed))
	for _, code := range displayed.Currencies() {
		current := displayed[code]
		original, ok := baseline[code]
		if !ok || !nonZero(current) || !nonZero(original) {
			continue
		}
		changes = append(changes, Mover{
			Currency:      code,
			ChangePercent: round((current-original)/original*100, 2),
		})
	}
	if len(changes) == 0 {
		return nil
	}

	gainer, loser := changes[0], changes[0]
	var total float64
	for _, c := range changes {
		if c.ChangePercent > gainer.ChangePercent {
			gainer = c
		}
		if c.ChangePercent < loser.ChangePercent {
			loser = c
		}
		total += math.Abs(c.ChangePercent)
	}
	avg := round(total/float64(len(changes)), 2)
	sentiment := classifySentiment(avg)

	return &MarketSummary{
		TopGainer: gainer,
		TopLoser:  loser,
		AvgChange: avg,
		Sentiment: sentiment,
		SummaryText: fmt.Sprintf(
			"Rates are %s (avg move %.2f%%). Top gainer: %s (%.2f%%). Top loser: %s (%.2f%%).",
			sentiment.Label(), avg, gainer.Currency, gainer.ChangePercent, loser.Currency, loser.ChangePercent,
		),
	}
}

func classifySentiment(avg float64) Sentiment {
	switch {
	case avg < 0.5:
		return SentimentStable
	case avg < 1.5:
		return SentimentMildVolatility
	case avg < 3:
		return SentimentVolatile
	default:
		return SentimentHighlyVolatile
	}
}

func nonZero(v float64) bool {
	return v != 0 && !math.IsNaN(v) && !math.IsInf(v, 0)
}
