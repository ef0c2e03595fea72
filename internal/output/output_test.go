package output

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantops/chillwatch/internal/model"
)

func testDataset() ([]model.HistoricalRecord, []model.ForecastRecord) {
	history := []model.HistoricalRecord{
		{
			Key:        model.MonthlyKey(2025, time.January),
			Metric:     model.MetricChillerKWh,
			Value:      1000.5,
			Unit:       "kWh",
			Source:     model.SourceCLP,
			IngestedAt: time.Now(),
		},
		{
			Key:        model.MonthlyKey(2025, time.January),
			Metric:     model.MetricTempMeanC,
			Value:      24.3,
			Unit:       "°C",
			Source:     model.SourceWeather,
			IngestedAt: time.Now(),
		},
	}
	forecast := []model.ForecastRecord{
		{
			Key:              model.MonthlyKey(2025, time.July),
			Metric:           model.MetricChillerKWh,
			Value:            909.0909090909091,
			BasisRecordCount: 2,
			GeneratedAt:      time.Now(),
		},
	}
	return history, forecast
}

func TestWriteDataset(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	history, forecast := testDataset()
	require.NoError(t, w.WriteDataset(history, forecast))

	f, err := os.Open(filepath.Join(w.Dir, DatasetFile))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, []string{"year", "month", "metric_name", "value", "is_forecast", "basis_record_count"}, rows[0])
	assert.Equal(t, []string{"2025", "1", "chiller_kwh", "1000.5", "false", "0"}, rows[1])
	assert.Equal(t, []string{"2025", "1", "temp_mean_c", "24.3", "false", "0"}, rows[2])
	assert.Equal(t, "909.0909090909091", rows[3][3])
	assert.Equal(t, "true", rows[3][4])
	assert.Equal(t, "2", rows[3][5])
}

func TestWriteDatasetDeterministic(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	history, forecast := testDataset()
	require.NoError(t, w.WriteDataset(history, forecast))
	first, err := os.ReadFile(filepath.Join(w.Dir, DatasetFile))
	require.NoError(t, err)

	// Shuffled input, different ingest times: identical bytes.
	history[0], history[1] = history[1], history[0]
	history[0].IngestedAt = history[0].IngestedAt.Add(time.Hour)
	require.NoError(t, w.WriteDataset(history, forecast))
	second, err := os.ReadFile(filepath.Join(w.Dir, DatasetFile))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestWriteDatasetLeavesNoTempFiles(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	history, forecast := testDataset()
	require.NoError(t, w.WriteDataset(history, forecast))

	entries, err := os.ReadDir(w.Dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "leftover temp file %s", e.Name())
	}
}

func TestWriteDatasetPreservesPreviousOnFailure(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	require.NoError(t, err)

	history, forecast := testDataset()
	require.NoError(t, w.WriteDataset(history, forecast))
	before, err := os.ReadFile(filepath.Join(dir, DatasetFile))
	require.NoError(t, err)

	// Point the writer at a directory that no longer exists; the commit
	// fails before any rename touches the original.
	broken := &Writer{Dir: filepath.Join(dir, "gone")}
	err = broken.WriteDataset(history, forecast)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWrite)

	after, err := os.ReadFile(filepath.Join(dir, DatasetFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestWriteAudit(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, w.WriteAudit([]model.AuditEntry{{
		Key:        model.MonthlyKey(2025, time.January),
		Metric:     model.MetricChillerKWh,
		OldValue:   1000,
		NewValue:   1050,
		ReplacedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}}))

	f, err := os.Open(filepath.Join(w.Dir, AuditFile))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"2025", "1", "chiller_kwh", "1000", "1050", "2025-06-01T12:00:00Z"}, rows[1])
}

func TestWriteSummary(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, w.WriteSummary(model.RunSummary{
		ID:     "run-1",
		Status: model.RunStatusPartial,
		Sources: []model.SourceOutcome{
			{Source: model.SourceWeather, Skipped: true, Error: "portal unreachable"},
		},
	}))

	data, err := os.ReadFile(filepath.Join(w.Dir, SummaryFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "status: partial")
	assert.Contains(t, string(data), "portal unreachable")
}

func TestWriteSummaryCustomPath(t *testing.T) {
	dir := t.TempDir()
	custom := filepath.Join(dir, "reports", "latest.yaml")

	w, err := NewWriter(filepath.Join(dir, "out"), WithSummaryPath(custom))
	require.NoError(t, err)

	require.NoError(t, w.WriteSummary(model.RunSummary{
		ID:     "run-2",
		Status: model.RunStatusSuccess,
	}))

	data, err := os.ReadFile(custom)
	require.NoError(t, err)
	assert.Contains(t, string(data), "id: run-2")

	// Nothing lands at the default location when redirected.
	_, statErr := os.Stat(filepath.Join(w.Dir, SummaryFile))
	assert.True(t, os.IsNotExist(statErr))

	entries, err := os.ReadDir(filepath.Dir(custom))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "latest.yaml", entries[0].Name())
}

func TestWriteSummaryEmptyPathUsesDefault(t *testing.T) {
	w, err := NewWriter(t.TempDir(), WithSummaryPath(""))
	require.NoError(t, err)

	require.NoError(t, w.WriteSummary(model.RunSummary{ID: "run-3"}))

	_, statErr := os.Stat(filepath.Join(w.Dir, SummaryFile))
	assert.NoError(t, statErr)
}
