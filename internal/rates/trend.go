package rates

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedPeriod is returned for lookback labels outside TrendPeriods.
var ErrUnsupportedPeriod = errors.New("rates: unsupported period")

// Direction classifies a pair's move across a window.
type Direction string

const (
	DirectionUp           Direction = "up"
	DirectionDown         Direction = "down"
	DirectionFlat         Direction = "flat"
	DirectionInsufficient Direction = "insufficient_data"
)

// TrendPoint is a pair rate at one snapshot.
type TrendPoint struct {
	Time time.Time `json:"time"`
	Rate float64   `json:"rate"`
}

// Trend summarizes a pair over a lookback period.
type Trend struct {
	Pair          string       `json:"pair"`
	Period        string       `json:"period"`
	Direction     Direction    `json:"direction"`
	ChangePercent float64      `json:"changePercent"`
	Points        []TrendPoint `json:"points"`
}

// TrendPeriods lists the supported lookback windows.
var TrendPeriods = map[string]time.Duration{
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
}

// PeriodDuration resolves a lookback label, defaulting to 30 days.
func PeriodDuration(period string) (time.Duration, error) {
	if period == "" {
		period = "30d"
	}
	d, ok := TrendPeriods[period]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedPeriod, period)
	}
	return d, nil
}

// ClassifyTrend compares the first and last points: more than +1% is up,
// less than -1% is down, anything between is flat.
func ClassifyTrend(points []TrendPoint) (Direction, float64) {
	if len(points) < 2 {
		return DirectionInsufficient, 0
	}
	start, end := points[0].Rate, points[len(points)-1].Rate
	if start == 0 {
		return DirectionInsufficient, 0
	}
	change := round((end-start)/start*100, 4)
	switch {
	case change > 1:
		return DirectionUp, change
	case change < -1:
		return DirectionDown, change
	default:
		return DirectionFlat, change
	}
}
