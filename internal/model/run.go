package model

import "time"

// RunStatus is the terminal state of an update run.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusPartial RunStatus = "partial" // at least one source skipped
	RunStatusFailed  RunStatus = "failed"
)

// SourceOutcome describes what happened to one source during a run.
type SourceOutcome struct {
	Source        SourceID `json:"source" yaml:"source"`
	Skipped       bool     `json:"skipped" yaml:"skipped"`
	Observations  int      `json:"observations" yaml:"observations"`
	MalformedRows int      `json:"malformed_rows" yaml:"malformed_rows"`
	Error         string   `json:"error,omitempty" yaml:"error,omitempty"`
}

// MetricConfidence summarizes forecast basis strength for one metric.
type MetricConfidence struct {
	Metric    Metric  `json:"metric" yaml:"metric"`
	Records   int     `json:"records" yaml:"records"`
	MeanBasis float64 `json:"mean_basis" yaml:"mean_basis"`
	MinBasis  int     `json:"min_basis" yaml:"min_basis"`
}

// RunSummary is the user-visible outcome of one pipeline run. It is
// serialized alongside the output dataset.
type RunSummary struct {
	ID              string             `json:"id" yaml:"id"`
	Status          RunStatus          `json:"status" yaml:"status"`
	StartedAt       time.Time          `json:"started_at" yaml:"started_at"`
	FinishedAt      time.Time          `json:"finished_at" yaml:"finished_at"`
	Sources         []SourceOutcome    `json:"sources" yaml:"sources"`
	RecordsMerged   int                `json:"records_merged" yaml:"records_merged"`
	RecordsReplaced int                `json:"records_replaced" yaml:"records_replaced"`
	ForecastRecords int                `json:"forecast_records" yaml:"forecast_records"`
	Confidence      []MetricConfidence `json:"confidence,omitempty" yaml:"confidence,omitempty"`
	FatalError      string             `json:"fatal_error,omitempty" yaml:"fatal_error,omitempty"`
}

// SkippedSources lists the sources that did not contribute to the run.
func (s RunSummary) SkippedSources() []SourceID {
	var skipped []SourceID
	for _, src := range s.Sources {
		if src.Skipped {
			skipped = append(skipped, src.Source)
		}
	}
	return skipped
}
