package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantops/chillwatch/internal/model"
)

func ts(day, hour, min int) time.Time {
	return time.Date(2025, time.June, day, hour, min, 0, 0, time.UTC)
}

func TestInferStepMinutes(t *testing.T) {
	tests := []struct {
		name string
		gaps []int // minutes between consecutive samples
		want float64
	}{
		{"regular 15min", []int{15, 15, 15, 15}, 15},
		{"regular 5min", []int{5, 5, 5}, 5},
		{"noisy around 10", []int{9, 10, 11, 10}, 10},
		{"hourly", []int{60, 60}, 60},
		{"no samples", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var samples []Sample
			cur := ts(1, 0, 0)
			samples = append(samples, Sample{TS: cur})
			for _, g := range tt.gaps {
				cur = cur.Add(time.Duration(g) * time.Minute)
				samples = append(samples, Sample{TS: cur})
			}
			assert.Equal(t, tt.want, InferStepMinutes(samples))
		})
	}
}

func TestChillerDaily_Integration(t *testing.T) {
	// Four samples at 15-minute intervals, 200 kW each: one hour at 200 kW.
	samples := []Sample{
		{TS: ts(1, 10, 0), PowerKW: 200, COP: 4},
		{TS: ts(1, 10, 15), PowerKW: 200, COP: 4},
		{TS: ts(1, 10, 30), PowerKW: 200, COP: 4},
		{TS: ts(1, 10, 45), PowerKW: 200, COP: 4},
	}

	obs := ChillerDaily(samples, 0, false)

	byMetric := map[model.Metric]model.Observation{}
	for _, o := range obs {
		byMetric[o.Metric] = o
	}

	require.Contains(t, byMetric, model.MetricChillerKWh)
	assert.InDelta(t, 200.0, byMetric[model.MetricChillerKWh].Value, 1e-9)
	assert.InDelta(t, 1.0, byMetric[model.MetricChillerHours].Value, 1e-9)
	assert.InDelta(t, 200.0, byMetric[model.MetricChillerAvgKW].Value, 1e-9)
	assert.InDelta(t, 4.0, byMetric[model.MetricChillerAvgCOP].Value, 1e-9)
	assert.Equal(t, model.DailyKey(2025, time.June, 1), byMetric[model.MetricChillerKWh].Key)
}

func TestChillerDaily_MinPowerFiltersIdle(t *testing.T) {
	samples := []Sample{
		{TS: ts(2, 8, 0), PowerKW: 0.4}, // idle draw, below threshold
		{TS: ts(2, 8, 15), PowerKW: 300},
		{TS: ts(2, 8, 30), PowerKW: 300},
	}

	obs := ChillerDaily(samples, 1.0, false)
	byMetric := map[model.Metric]model.Observation{}
	for _, o := range obs {
		byMetric[o.Metric] = o
	}

	assert.InDelta(t, 150.0, byMetric[model.MetricChillerKWh].Value, 1e-9)
	assert.InDelta(t, 0.5, byMetric[model.MetricChillerHours].Value, 1e-9)
	// No COP reported: metric absent.
	assert.NotContains(t, byMetric, model.MetricChillerAvgCOP)
}

func TestChillerDaily_Empty(t *testing.T) {
	assert.Nil(t, ChillerDaily(nil, 0, false))
}

func TestDerive(t *testing.T) {
	now := time.Now()
	history := []model.HistoricalRecord{
		{Key: model.MonthlyKey(2025, time.January), Metric: model.MetricChillerKWh, Value: 1000, IngestedAt: now},
		{Key: model.MonthlyKey(2025, time.January), Metric: model.MetricCO2FactorKgKWh, Value: 0.05, IngestedAt: now},
		{Key: model.MonthlyKey(2025, time.February), Metric: model.MetricChillerKWh, Value: 500, IngestedAt: now},
	}
	params := map[int]model.UserParameters{2025: {Year: 2025, KWhPrice: 0.62}}

	derived := Derive(history, params)

	require.Len(t, derived, 3) // cost for both months, co2 only for January
	byKey := map[string]float64{}
	for _, o := range derived {
		assert.True(t, o.Authoritative)
		byKey[string(o.Metric)+"|"+o.Key.String()] = o.Value
	}
	assert.InDelta(t, 620.0, byKey["operating_cost|2025-01"], 1e-9)
	assert.InDelta(t, 50.0, byKey["co2_emitted_kg|2025-01"], 1e-9)
	assert.InDelta(t, 310.0, byKey["operating_cost|2025-02"], 1e-9)
}
