package model

import "time"

// SourceID identifies a data source feeding the pipeline.
type SourceID string

const (
	SourceCLP       SourceID = "clp"        // chiller equipment exports
	SourceWeather   SourceID = "weather"    // public weather station records
	SourceEmissions SourceID = "emissions"  // public grid CO2-factor inventory
	SourceParams    SourceID = "parameters" // operator-entered economic values
)

// Metric names the quantity an observation or record measures.
type Metric string

const (
	// Observed metrics.
	MetricChillerKWh      Metric = "chiller_kwh"
	MetricChillerHours    Metric = "chiller_runtime_hours"
	MetricChillerAvgKW    Metric = "chiller_avg_power_kw"
	MetricChillerAvgCOP   Metric = "chiller_avg_cop"
	MetricTempMeanC       Metric = "temp_mean_c"
	MetricCO2FactorKgKWh  Metric = "co2_factor_kg_per_kwh"

	// Derived metrics (priced / emission-weighted consumption).
	MetricOperatingCost Metric = "operating_cost"
	MetricCO2EmittedKg  Metric = "co2_emitted_kg"
)

// Observation is one normalized reading produced by a source adapter.
// Observations are immutable once ingested; Authoritative marks a corrective
// re-export that is allowed to overwrite an already-merged value.
type Observation struct {
	Source        SourceID    `json:"source"`
	Key           CalendarKey `json:"key"`
	Metric        Metric      `json:"metric"`
	Value         float64     `json:"value"`
	Unit          string      `json:"unit"`
	Authoritative bool        `json:"authoritative,omitempty"`
}

// HistoricalRecord is the canonical merged value for one
// (calendar key, metric) pair. The merger is its only writer.
type HistoricalRecord struct {
	Key        CalendarKey `json:"key"`
	Metric     Metric      `json:"metric"`
	Value      float64     `json:"value"`
	Unit       string      `json:"unit"`
	Source     SourceID    `json:"source"`
	IngestedAt time.Time   `json:"ingested_at"`
}

// AuditEntry preserves a value displaced by an authoritative correction.
type AuditEntry struct {
	Key        CalendarKey `json:"key"`
	Metric     Metric      `json:"metric"`
	OldValue   float64     `json:"old_value"`
	NewValue   float64     `json:"new_value"`
	ReplacedAt time.Time   `json:"replaced_at"`
}

// UserParameters holds the operator-entered economic values for one year.
// Consulted, never inferred.
type UserParameters struct {
	Year             int       `json:"year"`
	KWhPrice         float64   `json:"kwh_price"`
	TotalConsumption float64   `json:"total_factory_consumption"`
	UpdatedAt        time.Time `json:"updated_at"`
}
