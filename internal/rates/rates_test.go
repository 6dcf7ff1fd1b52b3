package rates

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"
)

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f)", label, got, want, tol)
	}
}

func TestAggregateMean(t *testing.T) {
	got := Aggregate([]QuoteSet{
		{Provider: "a", Quotes: Table{"USD": 1, "EUR": 0.91}},
		{Provider: "b", Quotes: Table{"USD": 1, "EUR": 0.905}},
	})
	assertClose(t, "EUR", got["EUR"], 0.9075, 1e-12)
	if got["USD"] != 1 {
		t.Fatalf("USD = %v, want 1", got["USD"])
	}
}

func TestAggregatePermutationInvariant(t *testing.T) {
	a := QuoteSet{Provider: "alpha", Quotes: Table{"USD": 1, "EUR": 0.91, "JPY": 149.3}}
	b := QuoteSet{Provider: "beta", Quotes: Table{"USD": 1, "EUR": 0.93}}
	c := QuoteSet{Provider: "gamma", Quotes: Table{"EUR": 0.917, "JPY": 150.1, "GBP": 0.79}}

	first := Aggregate([]QuoteSet{a, b, c})
	second := Aggregate([]QuoteSet{c, a, b})
	if len(first) != len(second) {
		t.Fatalf("length mismatch: %d vs %d", len(first), len(second))
	}
	for code, v := range first {
		if second[code] != v {
			t.Fatalf("%s differs: %v vs %v", code, v, second[code])
		}
	}
	if first["GBP"] != 0.79 {
		t.Fatalf("single-provider currency should pass through, got %v", first["GBP"])
	}
}

func TestAggregateEmptyAndInvalid(t *testing.T) {
	if got := Aggregate(nil); len(got) != 0 {
		t.Fatalf("empty input should produce empty table, got %v", got)
	}
	got := Aggregate([]QuoteSet{
		{Provider: "a", Quotes: Table{"EUR": math.NaN(), "gbp": 0.8}},
		{Provider: "b", Quotes: Table{"EUR": 0.9}},
	})
	if got["EUR"] != 0.9 {
		t.Fatalf("NaN quote should be ignored, got %v", got["EUR"])
	}
	if got["GBP"] != 0.8 {
		t.Fatalf("codes should be normalized, got %v", got)
	}
}

func TestDetectAnomalies(t *testing.T) {
	report := DetectAnomalies(Table{"EUR": 1.00}, Table{"EUR": 0.90}, DefaultAnomalyThreshold)
	if !report.HasAnomaly || len(report.Anomalies) != 1 {
		t.Fatalf("expected one anomaly, got %+v", report)
	}
	a := report.Anomalies[0]
	if a.Currency != "EUR" || a.OldRate != 0.90 || a.NewRate != 1.00 {
		t.Fatalf("unexpected record %+v", a)
	}
	assertClose(t, "changePercent", a.ChangePercent, 11.11, 0.001)

	report = DetectAnomalies(Table{"EUR": 0.92}, Table{"EUR": 0.90}, DefaultAnomalyThreshold)
	if report.HasAnomaly {
		t.Fatalf("2.2%% move should not be flagged: %+v", report)
	}
}

func TestDetectAnomaliesGuards(t *testing.T) {
	report := DetectAnomalies(Table{"EUR": 1, "JPY": 150, "GBP": 2}, Table{"EUR": 0, "GBP": 1}, 0.1)
	if len(report.Anomalies) != 1 || report.Anomalies[0].Currency != "GBP" {
		t.Fatalf("only GBP should be flagged, got %+v", report.Anomalies)
	}
	if got := DetectAnomalies(Table{"EUR": 1}, nil, 0.1); got.HasAnomaly || got.Anomalies == nil {
		t.Fatalf("first run must not flag and must return an empty list: %+v", got)
	}
}

func TestDetectAnomaliesOrdered(t *testing.T) {
	report := DetectAnomalies(Table{"JPY": 200, "AUD": 2, "EUR": 2}, Table{"JPY": 100, "AUD": 1, "EUR": 1}, 0.1)
	var codes []string
	for _, a := range report.Anomalies {
		codes = append(codes, a.Currency)
	}
	if strings.Join(codes, ",") != "AUD,EUR,JPY" {
		t.Fatalf("unexpected order %v", codes)
	}
}

func TestSmooth(t *testing.T) {
	current := Table{"EUR": 0.92, "JPY": 150}
	previous := Table{"EUR": 0.85}

	if got := Smooth(current, previous, 1); got["EUR"] != 0.92 {
		t.Fatalf("alpha=1 should return the aggregate, got %v", got["EUR"])
	}
	if got := Smooth(current, previous, 0); got["EUR"] != 0.85 {
		t.Fatalf("alpha=0 should return the previous value, got %v", got["EUR"])
	}

	got := Smooth(current, previous, DefaultSmoothingAlpha)
	assertClose(t, "EUR", got["EUR"], 0.864, 1e-12)
	if got["JPY"] != 150 {
		t.Fatalf("first sighting must not be smoothed, got %v", got["JPY"])
	}
}

func TestSummarize(t *testing.T) {
	if Summarize(Table{"EUR": 1}, Table{}) != nil {
		t.Fatal("no comparable currency should yield nil")
	}
	if Summarize(Table{"EUR": 1}, Table{"EUR": 0}) != nil {
		t.Fatal("zero baseline is not comparable")
	}

	s := Summarize(
		Table{"EUR": 1.02, "JPY": 99, "GBP": 0.8},
		Table{"EUR": 1.00, "JPY": 100, "GBP": 0.8},
	)
	if s == nil {
		t.Fatal("expected summary")
	}
	if s.TopGainer.Currency != "EUR" || s.TopGainer.ChangePercent != 2 {
		t.Fatalf("top gainer = %+v", s.TopGainer)
	}
	if s.TopLoser.Currency != "JPY" || s.TopLoser.ChangePercent != -1 {
		t.Fatalf("top loser = %+v", s.TopLoser)
	}
	if s.AvgChange != 1 {
		t.Fatalf("avg change = %v, want 1", s.AvgChange)
	}
	if s.Sentiment != SentimentMildVolatility {
		t.Fatalf("sentiment = %s", s.Sentiment)
	}
	for _, part := range []string{"mildly volatile", "EUR", "JPY", "1.00"} {
		if !strings.Contains(s.SummaryText, part) {
			t.Fatalf("summary text %q missing %q", s.SummaryText, part)
		}
	}
}

func TestClassifySentimentBoundaries(t *testing.T) {
	cases := []struct {
		avg  float64
		want Sentiment
	}{
		{0, SentimentStable},
		{0.49, SentimentStable},
		{0.5, SentimentMildVolatility},
		{1.49, SentimentMildVolatility},
		{1.5, SentimentVolatile},
		{2.99, SentimentVolatile},
		{3, SentimentHighlyVolatile},
		{12, SentimentHighlyVolatile},
	}
	for _, tc := range cases {
		if got := classifySentiment(tc.avg); got != tc.want {
			t.Errorf("classifySentiment(%v) = %s, want %s", tc.avg, got, tc.want)
		}
	}
}

func TestSummarizeTieKeepsFirst(t *testing.T) {
	s := Summarize(Table{"AUD": 1.01, "CAD": 1.01}, Table{"AUD": 1, "CAD": 1})
	if s.TopGainer.Currency != "AUD" || s.TopLoser.Currency != "AUD" {
		t.Fatalf("ties should keep the first-seen currency: %+v", s)
	}
}

func TestPairHelpers(t *testing.T) {
	table := Table{"USD": 1, "EUR": 0.9, "JPY": 150}

	rate, err := PairRate(table, "USD", "EUR")
	if err != nil || rate != 0.9 {
		t.Fatalf("PairRate = %v, %v", rate, err)
	}
	if _, err := PairRate(table, "USD", "XXX"); !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("expected ErrUnknownCurrency, got %v", err)
	}

	from, to, err := ParsePairKey("usd_eur")
	if err != nil || from != "USD" || to != "EUR" {
		t.Fatalf("ParsePairKey = %s %s %v", from, to, err)
	}
	for _, bad := range []string{"USDEUR", "_EUR", "USD_", "A_B_C"} {
		if _, _, err := ParsePairKey(bad); !errors.Is(err, ErrInvalidPair) {
			t.Errorf("ParsePairKey(%q) should fail", bad)
		}
	}
	if PairKey("usd", " eur") != "USD_EUR" {
		t.Fatalf("PairKey should normalize codes")
	}
}

func TestCrossRateAndRebase(t *testing.T) {
	table := Table{"USD": 1, "EUR": 0.9, "GBP": 0.75}

	cross, err := CrossRate(table, "EUR", "GBP", "USD")
	if err != nil {
		t.Fatal(err)
	}
	assertClose(t, "cross", cross, 1.2, 1e-9)
	if _, err := CrossRate(table, "EUR", "GBP", "CHF"); !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("missing via should fail, got %v", err)
	}

	rebased, err := Rebase(table, "EUR")
	if err != nil {
		t.Fatal(err)
	}
	if rebased["EUR"] != 1 {
		t.Fatalf("target should be exactly 1, got %v", rebased["EUR"])
	}
	assertClose(t, "USD per EUR", rebased["USD"], 1/0.9, 1e-12)
	if table["EUR"] != 0.9 {
		t.Fatal("Rebase must not mutate its input")
	}
}

func TestClassifyTrend(t *testing.T) {
	now := time.Now()
	pts := func(values ...float64) []TrendPoint {
		out := make([]TrendPoint, len(values))
		for i, v := range values {
			out[i] = TrendPoint{Time: now.Add(time.Duration(i) * time.Hour), Rate: v}
		}
		return out
	}

	if dir, _ := ClassifyTrend(pts(1)); dir != DirectionInsufficient {
		t.Fatalf("single point should be insufficient, got %s", dir)
	}
	if dir, _ := ClassifyTrend(pts(1, 1.02)); dir != DirectionUp {
		t.Fatalf("expected up, got %s", dir)
	}
	if dir, _ := ClassifyTrend(pts(1, 0.98)); dir != DirectionDown {
		t.Fatalf("expected down, got %s", dir)
	}
	if dir, _ := ClassifyTrend(pts(1, 1.2, 1.005)); dir != DirectionFlat {
		t.Fatalf("expected flat, got %s", dir)
	}
	if _, err := PeriodDuration("1y"); err == nil {
		t.Fatal("unsupported period should error")
	}
	if d, _ := PeriodDuration(""); d != 30*24*time.Hour {
		t.Fatalf("default period = %v", d)
	}
}
