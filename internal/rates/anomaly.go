package rates

import "math"

// DefaultAnomalyThreshold flags moves larger than 10% between cycles.
const DefaultAnomalyThreshold = 0.10

// Anomaly describes one currency whose aggregate jumped past the threshold.
type Anomaly struct {
	Currency      string  `json:"currency"`
	OldRate       float64 `json:"oldRate"`
	NewRate       float64 `json:"newRate"`
	ChangePercent float64 `json:"changePercent"`
}

// AnomalyReport is the detector output for one cycle.
type AnomalyReport struct {
	Anomalies  []Anomaly `json:"anomalies"`
	HasAnomaly bool      `json:"hasAnomaly"`
}

// DetectAnomalies compares the new aggregate with the previous cycle's
// aggregate. Only currencies present in both tables with a non-zero baseline
// are considered. Records are listed in ascending currency-code order.
func DetectAnomalies(current, baseline Table, threshold float64) AnomalyReport {
	report := AnomalyReport{Anomalies: []Anomaly{}}
	for _, code := range current.Currencies() {
		newRate := current[code]
		oldRate, ok := baseline[code]
		if !ok || oldRate == 0 || math.IsNaN(oldRate) || math.IsNaN(newRate) {
			continue
		}

		change := math.Abs(newRate-oldRate) / oldRate
		if change > threshold {
			report.Anomalies = append(report.Anomalies, Anomaly{
				Currency:      code,
				OldRate:       oldRate,
				NewRate:       newRate,
				ChangePercent: round(change*100, 2),
			})
		}
	}
	report.HasAnomaly = len(report.Anomalies) > 0
	return report
}
