package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"fx-rate-pipeline/internal/rates"
)

// Snapshot is one persisted pipeline cycle.
type Snapshot struct {
	ID         int64
	CycleID    uuid.UUID
	Base       string
	Displayed  rates.Table
	Aggregated rates.Table
	Providers  []string
	CreatedAt  time.Time
}

// ConversionRecord captures one served conversion for popularity stats.
type ConversionRecord struct {
	ID        uuid.UUID
	From      string
	To        string
	Amount    decimal.Decimal
	Rate      decimal.Decimal
	Result    decimal.Decimal
	Cached    bool
	CreatedAt time.Time
}

// PairCount is a conversion pair with its request count.
type PairCount struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Count int64  `json:"count"`
}

// Displayed returns the displayed tables of snapshots in order.
func Displayed(snapshots []Snapshot) []rates.Table {
	out := make([]rates.Table, 0, len(snapshots))
	for _, s := range snapshots {
		out = append(out, s.Displayed)
	}
	return out
}
