package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantops/chillwatch/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "chillwatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func historyFixture(now time.Time) []model.HistoricalRecord {
	return []model.HistoricalRecord{
		{
			Key:        model.MonthlyKey(2025, time.January),
			Metric:     model.MetricChillerKWh,
			Value:      1000,
			Unit:       "kWh",
			Source:     model.SourceCLP,
			IngestedAt: now,
		},
		{
			Key:        model.MonthlyKey(2025, time.February),
			Metric:     model.MetricChillerKWh,
			Value:      1100,
			Unit:       "kWh",
			Source:     model.SourceCLP,
			IngestedAt: now,
		},
	}
}

func TestSQLiteHistoryRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertHistory(ctx, historyFixture(now), nil))

	got, err := s.GetHistory(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, model.MonthlyKey(2025, time.January), got[0].Key)
	assert.Equal(t, 1000.0, got[0].Value)
	assert.Equal(t, "kWh", got[0].Unit)
	assert.Equal(t, model.SourceCLP, got[0].Source)
	assert.True(t, got[0].IngestedAt.Equal(now))
}

func TestSQLiteUpsertHistoryIsIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertHistory(ctx, historyFixture(now), nil))
	require.NoError(t, s.UpsertHistory(ctx, historyFixture(now), nil))

	got, err := s.GetHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSQLiteUpsertHistoryWritesAuditAtomically(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	recs := historyFixture(now)
	recs[0].Value = 1050
	audits := []model.AuditEntry{{
		Key:        recs[0].Key,
		Metric:     recs[0].Metric,
		OldValue:   1000,
		NewValue:   1050,
		ReplacedAt: now,
	}}
	require.NoError(t, s.UpsertHistory(ctx, recs, audits))

	trail, err := s.GetAudit(ctx)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, 1000.0, trail[0].OldValue)
	assert.Equal(t, 1050.0, trail[0].NewValue)
}

func TestSQLiteReplaceForecastDropsStaleRows(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := []model.ForecastRecord{
		{Key: model.MonthlyKey(2025, time.July), Metric: model.MetricChillerKWh, Value: 900, BasisRecordCount: 4, GeneratedAt: now},
		{Key: model.MonthlyKey(2025, time.August), Metric: model.MetricChillerKWh, Value: 910, BasisRecordCount: 4, Flags: []string{model.FlagTrailingMean}, GeneratedAt: now},
	}
	require.NoError(t, s.ReplaceForecast(ctx, first))

	second := []model.ForecastRecord{
		{Key: model.MonthlyKey(2025, time.August), Metric: model.MetricChillerKWh, Value: 930, BasisRecordCount: 5, GeneratedAt: now},
	}
	require.NoError(t, s.ReplaceForecast(ctx, second))

	got, err := s.GetForecast(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, time.August, got[0].Key.Month)
	assert.Equal(t, 930.0, got[0].Value)
	assert.Equal(t, 5, got[0].BasisRecordCount)
	assert.Empty(t, got[0].Flags)
}

func TestSQLiteForecastFlagsSurvive(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceForecast(ctx, []model.ForecastRecord{{
		Key:              model.MonthlyKey(2025, time.September),
		Metric:           model.MetricOperatingCost,
		Value:            500,
		BasisRecordCount: 2,
		Flags:            []string{model.FlagTrailingMean, model.FlagExtrapolatedParams},
		GeneratedAt:      time.Now().UTC(),
	}}))

	got, err := s.GetForecast(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].HasFlag(model.FlagTrailingMean))
	assert.True(t, got[0].HasFlag(model.FlagExtrapolatedParams))
	assert.False(t, got[0].HasFlag(model.FlagPartialMonth))
}

func TestSQLiteAppendAccuracyFirstComparisonWins(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := model.AccuracyRecord{
		Key:        model.MonthlyKey(2025, time.May),
		Metric:     model.MetricChillerKWh,
		Actual:     1000,
		Forecast:   1100,
		ErrorPct:   10,
		RecordedAt: now,
	}
	require.NoError(t, s.AppendAccuracy(ctx, []model.AccuracyRecord{rec}))

	rec.ErrorPct = 99
	require.NoError(t, s.AppendAccuracy(ctx, []model.AccuracyRecord{rec}))

	got, err := s.GetAccuracy(ctx, model.MetricChillerKWh)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 10.0, got[0].ErrorPct)
}

func TestSQLiteGetAccuracyFiltersByMetric(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.AppendAccuracy(ctx, []model.AccuracyRecord{
		{Key: model.MonthlyKey(2025, time.April), Metric: model.MetricChillerKWh, Actual: 1, Forecast: 1, RecordedAt: now},
		{Key: model.MonthlyKey(2025, time.April), Metric: model.MetricOperatingCost, Actual: 2, Forecast: 2, RecordedAt: now},
	}))

	got, err := s.GetAccuracy(ctx, model.MetricOperatingCost)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.MetricOperatingCost, got[0].Metric)
}

func TestSQLiteParametersUpsert(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertParameters(ctx, model.UserParameters{
		Year: 2025, KWhPrice: 0.62, TotalConsumption: 120000, UpdatedAt: now,
	}))
	require.NoError(t, s.UpsertParameters(ctx, model.UserParameters{
		Year: 2025, KWhPrice: 0.65, TotalConsumption: 120000, UpdatedAt: now.Add(time.Hour),
	}))
	require.NoError(t, s.UpsertParameters(ctx, model.UserParameters{
		Year: 2024, KWhPrice: 0.58, TotalConsumption: 118000, UpdatedAt: now,
	}))

	params, err := s.ListParameters(ctx)
	require.NoError(t, err)
	require.Len(t, params, 2)
	assert.Equal(t, 2024, params[0].Year)
	assert.Equal(t, 0.65, params[1].KWhPrice)
}

func TestSQLiteCommitRunWritesAllPartitions(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	recs := historyFixture(now)
	require.NoError(t, s.CommitRun(ctx, RunDelta{
		History: recs,
		Audits: []model.AuditEntry{{
			Key: recs[0].Key, Metric: recs[0].Metric,
			OldValue: 900, NewValue: recs[0].Value, ReplacedAt: now,
		}},
		Accuracy: []model.AccuracyRecord{{
			Key: model.MonthlyKey(2026, time.January), Metric: model.MetricChillerKWh,
			Actual: 1000, Forecast: 1100, ErrorPct: 10, RecordedAt: now,
		}},
		Forecast: []model.ForecastRecord{{
			Key: model.MonthlyKey(2026, time.April), Metric: model.MetricChillerKWh,
			Value: 1200, BasisRecordCount: 3, GeneratedAt: now,
		}},
	}))

	history, err := s.GetHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	trail, err := s.GetAudit(ctx)
	require.NoError(t, err)
	assert.Len(t, trail, 1)

	accs, err := s.GetAccuracy(ctx, model.MetricChillerKWh)
	require.NoError(t, err)
	assert.Len(t, accs, 1)

	forecast, err := s.GetForecast(ctx)
	require.NoError(t, err)
	require.Len(t, forecast, 1)
	assert.Equal(t, 1200.0, forecast[0].Value)
}

func TestSQLiteCommitRunKeepsFirstAccuracyComparison(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := model.AccuracyRecord{
		Key:        model.MonthlyKey(2026, time.February),
		Metric:     model.MetricChillerHours,
		Actual:     400,
		Forecast:   420,
		ErrorPct:   5,
		RecordedAt: now,
	}
	require.NoError(t, s.CommitRun(ctx, RunDelta{Accuracy: []model.AccuracyRecord{rec}}))

	rec.ErrorPct = 50
	require.NoError(t, s.CommitRun(ctx, RunDelta{Accuracy: []model.AccuracyRecord{rec}}))

	got, err := s.GetAccuracy(ctx, model.MetricChillerHours)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 5.0, got[0].ErrorPct)
}

func TestParametersByYear(t *testing.T) {
	now := time.Now().UTC()
	byYear := ParametersByYear([]model.UserParameters{
		{Year: 2024, KWhPrice: 0.58, TotalConsumption: 118000, UpdatedAt: now},
		{Year: 2025, KWhPrice: 0.62, TotalConsumption: 120000, UpdatedAt: now},
	})

	require.Len(t, byYear, 2)
	assert.Equal(t, 0.58, byYear[2024].KWhPrice)
	assert.Equal(t, 120000.0, byYear[2025].TotalConsumption)
	_, ok := byYear[2023]
	assert.False(t, ok)
}

func TestSQLiteRunsLastWins(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.SaveRun(ctx, model.RunSummary{
		ID: "run-1", Status: model.RunStatusSuccess,
		StartedAt: base, FinishedAt: base.Add(time.Minute),
	}))
	require.NoError(t, s.SaveRun(ctx, model.RunSummary{
		ID: "run-2", Status: model.RunStatusPartial,
		StartedAt: base.Add(time.Hour), FinishedAt: base.Add(61 * time.Minute),
		Sources: []model.SourceOutcome{{Source: model.SourceWeather, Skipped: true, Error: "portal unreachable"}},
	}))

	last, err := s.LastRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "run-2", last.ID)
	assert.Equal(t, model.RunStatusPartial, last.Status)
	require.Len(t, last.Sources, 1)
	assert.True(t, last.Sources[0].Skipped)
}

func TestSQLiteLastRunEmpty(t *testing.T) {
	s := newTestSQLite(t)

	last, err := s.LastRun(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestSQLiteVerify(t *testing.T) {
	s := newTestSQLite(t)
	assert.NoError(t, s.Verify(context.Background()))
}
