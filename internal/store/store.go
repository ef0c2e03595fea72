package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/plantops/chillwatch/internal/model"
)

// ErrCorrupt signals that the dataset failed an integrity check and must not
// be written to. Callers treat it as fatal.
var ErrCorrupt = eris.New("store: dataset corrupt")

// Store defines the persistence interface for the consolidation pipeline.
// History rows are keyed by (calendar key, metric); the forecast partition is
// replaced wholesale on every run.
type Store interface {
	// History
	GetHistory(ctx context.Context) ([]model.HistoricalRecord, error)
	// UpsertHistory writes merged records and their audit entries in one
	// transaction so a crash never splits a correction from its trail.
	UpsertHistory(ctx context.Context, recs []model.HistoricalRecord, audits []model.AuditEntry) error
	GetAudit(ctx context.Context) ([]model.AuditEntry, error)

	// Forecast
	ReplaceForecast(ctx context.Context, recs []model.ForecastRecord) error
	GetForecast(ctx context.Context) ([]model.ForecastRecord, error)

	// Accuracy
	AppendAccuracy(ctx context.Context, recs []model.AccuracyRecord) error
	GetAccuracy(ctx context.Context, metric model.Metric) ([]model.AccuracyRecord, error)

	// CommitRun writes everything one pipeline run produced in a single
	// transaction, so a crash can never leave new history next to a stale
	// forecast.
	CommitRun(ctx context.Context, delta RunDelta) error

	// Operator parameters
	UpsertParameters(ctx context.Context, p model.UserParameters) error
	ListParameters(ctx context.Context) ([]model.UserParameters, error)

	// Runs
	SaveRun(ctx context.Context, summary model.RunSummary) error
	LastRun(ctx context.Context) (*model.RunSummary, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Verify(ctx context.Context) error
	Close() error
}

// RunDelta is the full set of dataset writes one pipeline run produces.
// History and audits are upserts/appends; the forecast partition is replaced
// wholesale; accuracy rows keep their first-comparison-wins semantics.
type RunDelta struct {
	History  []model.HistoricalRecord
	Audits   []model.AuditEntry
	Accuracy []model.AccuracyRecord
	Forecast []model.ForecastRecord
}

// ParametersByYear indexes operator parameters for price lookups.
func ParametersByYear(params []model.UserParameters) map[int]model.UserParameters {
	byYear := make(map[int]model.UserParameters, len(params))
	for _, p := range params {
		byYear[p.Year] = p
	}
	return byYear
}
