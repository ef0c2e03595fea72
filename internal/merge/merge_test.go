package merge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantops/chillwatch/internal/model"
)

var mergeNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func obs(year int, month time.Month, metric model.Metric, value float64, auth bool) model.Observation {
	return model.Observation{
		Key:           model.MonthlyKey(year, month),
		Metric:        metric,
		Value:         value,
		Unit:          "kWh",
		Source:        model.SourceCLP,
		Authoritative: auth,
	}
}

func TestApplyInsertsNewPairs(t *testing.T) {
	batch := []model.Observation{
		obs(2025, time.February, model.MetricChillerKWh, 1200, false),
		obs(2025, time.January, model.MetricChillerKWh, 1000, false),
	}

	res := Apply(nil, batch, mergeNow)

	require.Len(t, res.Inserted, 2)
	assert.Empty(t, res.Replaced)
	assert.Empty(t, res.Audits)
	assert.Zero(t, res.Dropped)

	// Deterministic order: January before February.
	assert.Equal(t, time.January, res.Inserted[0].Key.Month)
	assert.Equal(t, 1000.0, res.Inserted[0].Value)
	assert.Equal(t, mergeNow, res.Inserted[0].IngestedAt)
}

func TestApplyFirstWriteWins(t *testing.T) {
	existing := Apply(nil, []model.Observation{
		obs(2025, time.January, model.MetricChillerKWh, 1000, false),
	}, mergeNow).Merged()

	res := Apply(existing, []model.Observation{
		obs(2025, time.January, model.MetricChillerKWh, 9999, false),
	}, mergeNow.Add(time.Hour))

	assert.Empty(t, res.Inserted)
	assert.Empty(t, res.Replaced)
	assert.Equal(t, 1, res.Dropped)
}

func TestApplyAuthoritativeReplaces(t *testing.T) {
	existing := []model.HistoricalRecord{{
		Key:        model.MonthlyKey(2025, time.January),
		Metric:     model.MetricChillerKWh,
		Value:      1000,
		Unit:       "kWh",
		Source:     model.SourceCLP,
		IngestedAt: mergeNow,
	}}

	later := mergeNow.Add(24 * time.Hour)
	res := Apply(existing, []model.Observation{
		obs(2025, time.January, model.MetricChillerKWh, 1050, true),
	}, later)

	require.Len(t, res.Replaced, 1)
	assert.Equal(t, 1050.0, res.Replaced[0].Value)
	assert.Equal(t, later, res.Replaced[0].IngestedAt)

	require.Len(t, res.Audits, 1)
	assert.Equal(t, 1000.0, res.Audits[0].OldValue)
	assert.Equal(t, 1050.0, res.Audits[0].NewValue)
	assert.Equal(t, later, res.Audits[0].ReplacedAt)
}

func TestApplyAuthoritativeIdenticalValueIsNoop(t *testing.T) {
	existing := []model.HistoricalRecord{{
		Key:    model.MonthlyKey(2025, time.January),
		Metric: model.MetricOperatingCost,
		Value:  620,
	}}

	res := Apply(existing, []model.Observation{
		obs(2025, time.January, model.MetricOperatingCost, 620, true),
	}, mergeNow)

	assert.Empty(t, res.Inserted)
	assert.Empty(t, res.Replaced)
	assert.Empty(t, res.Audits)
	assert.Zero(t, res.Dropped)
}

func TestApplyIdempotent(t *testing.T) {
	batch := []model.Observation{
		obs(2025, time.January, model.MetricChillerKWh, 1000, false),
		obs(2025, time.January, model.MetricChillerHours, 300, false),
	}

	first := Apply(nil, batch, mergeNow)
	require.Len(t, first.Inserted, 2)

	second := Apply(first.Merged(), batch, mergeNow.Add(time.Hour))
	assert.Empty(t, second.Inserted)
	assert.Empty(t, second.Replaced)
	assert.Equal(t, 2, second.Dropped)
}

func TestApplyDisjointBatchesCommute(t *testing.T) {
	a := []model.Observation{obs(2025, time.January, model.MetricChillerKWh, 1000, false)}
	b := []model.Observation{
		{Key: model.MonthlyKey(2025, time.January), Metric: model.MetricTempMeanC, Value: 24.5, Unit: "°C", Source: model.SourceWeather},
	}

	ab := Apply(Apply(nil, a, mergeNow).Merged(), b, mergeNow).Merged()
	ba := Apply(Apply(nil, b, mergeNow).Merged(), a, mergeNow).Merged()

	toMap := func(recs []model.HistoricalRecord) map[string]float64 {
		m := make(map[string]float64)
		for _, r := range recs {
			m[r.Key.String()+"|"+string(r.Metric)] = r.Value
		}
		return m
	}
	assert.Equal(t, toMap(ab), toMap(ba))
}

func TestApplyDuplicateWithinBatch(t *testing.T) {
	batch := []model.Observation{
		obs(2025, time.January, model.MetricChillerKWh, 1000, false),
		obs(2025, time.January, model.MetricChillerKWh, 2000, false),
	}

	res := Apply(nil, batch, mergeNow)
	require.Len(t, res.Inserted, 1)
	assert.Equal(t, 1000.0, res.Inserted[0].Value)
	assert.Equal(t, 1, res.Dropped)
}
