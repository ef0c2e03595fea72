package model

import "time"

// Forecast flags annotate how a projected value was produced so the
// visualization layer can judge confidence.
const (
	FlagTrailingMean       = "trailing_mean"       // <2 comparable periods, plain mean used
	FlagPartialMonth       = "partial_month"       // current month projected by day rate
	FlagBiasAdjusted       = "bias_adjusted"       // scaled by historical forecast error
	FlagExtrapolatedParams = "extrapolated_params" // priced with an older year's parameters
)

// ForecastRecord is one projected value. The forecast partition is fully
// regenerated on every run; these rows are derived, never merged.
type ForecastRecord struct {
	Key              CalendarKey `json:"key"`
	Metric           Metric      `json:"metric"`
	Value            float64     `json:"value"`
	BasisRecordCount int         `json:"basis_record_count"`
	Flags            []string    `json:"flags,omitempty"`
	GeneratedAt      time.Time   `json:"generated_at"`
}

// HasFlag reports whether the record carries the given annotation.
func (f ForecastRecord) HasFlag(flag string) bool {
	for _, fl := range f.Flags {
		if fl == flag {
			return true
		}
	}
	return false
}

// AccuracyRecord compares a prior forecast against the actual that later
// arrived for the same month. ErrorPct > 0 means the forecast overshot.
type AccuracyRecord struct {
	Key        CalendarKey `json:"key"`
	Metric     Metric      `json:"metric"`
	Actual     float64     `json:"actual"`
	Forecast   float64     `json:"forecast"`
	ErrorPct   float64     `json:"error_pct"`
	RecordedAt time.Time   `json:"recorded_at"`
}
