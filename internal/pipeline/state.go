package pipeline

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"fx-rate-pipeline/internal/indicator"
	"fx-rate-pipeline/internal/rates"
)

// Phase is the orchestrator's position in a cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseAggregating
	PhasePublishing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseAggregating:
		return "aggregating"
	case PhasePublishing:
		return "publishing"
	default:
		return "unknown"
	}
}

// State is the snapshot every reader sees. A State is never modified after
// it has been published; each cycle swaps in a new one.
type State struct {
	Cycle     int64
	CycleID   uuid.UUID
	Base      string
	UpdatedAt time.Time

	// Displayed is the smoothed table served to readers.
	Displayed rates.Table
	// Baseline is this cycle's raw aggregate; the next cycle compares against it.
	Baseline rates.Table

	Indicators map[string]indicator.Set
	Summary    *rates.MarketSummary
	Anomalies  rates.AnomalyReport
	Sources    []rates.QuoteSet
	Provider   string
}

// ProviderLabel renders "Aggregated from: A, B".
func ProviderLabel(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return "Aggregated from: " + strings.Join(names, ", ")
}

// RateUpdate is the rateUpdate event payload.
type RateUpdate struct {
	Cycle     int64       `json:"cycle"`
	CycleID   string      `json:"cycleId"`
	Base      string      `json:"base"`
	Rates     rates.Table `json:"rates"`
	Provider  string      `json:"provider"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

func (s *State) rateUpdate() RateUpdate {
	return RateUpdate{
		Cycle:     s.Cycle,
		CycleID:   s.CycleID.String(),
		Base:      s.Base,
		Rates:     s.Displayed,
		Provider:  s.Provider,
		UpdatedAt: s.UpdatedAt,
	}
}
