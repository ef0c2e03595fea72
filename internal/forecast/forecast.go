// Package forecast projects consumption and emissions from the merged
// history. The forecast partition is recomputed from scratch on every run;
// nothing here writes history.
package forecast

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/plantops/chillwatch/internal/model"
)

// Bias correction thresholds: the accuracy history must hold this many
// real-vs-forecast comparisons before projections get scaled by it.
const (
	minGlobalComparisons   = 6
	minPerMonthComparisons = 3
)

// projectedMetrics are the quantities run through the statistical model.
// Cost and emissions are derived from the kWh projection afterwards.
var projectedMetrics = []model.Metric{
	model.MetricChillerKWh,
	model.MetricChillerHours,
}

// Engine generates the forecast partition. Now is injectable so tests can
// pin the partial-month boundary.
type Engine struct {
	Now func() time.Time
}

// NewEngine returns an Engine using wall-clock time.
func NewEngine() *Engine {
	return &Engine{Now: time.Now}
}

// Input carries everything a generation pass reads.
type Input struct {
	History    []model.HistoricalRecord
	Accuracy   map[model.Metric][]model.AccuracyRecord
	Parameters []model.UserParameters
	CO2Factor  float64 // latest known kg/kWh; 0 disables emission forecasts
}

// Generate produces projections for all remaining months of the current year
// and every month of the next year.
func (e *Engine) Generate(in Input) []model.ForecastRecord {
	now := e.Now().UTC()
	generatedAt := now

	byMetric := make(map[model.Metric]map[model.CalendarKey]float64)
	for _, r := range in.History {
		if byMetric[r.Metric] == nil {
			byMetric[r.Metric] = make(map[model.CalendarKey]float64)
		}
		byMetric[r.Metric][r.Key.Monthly()] = r.Value
	}

	var out []model.ForecastRecord
	for _, metric := range projectedMetrics {
		values := byMetric[metric]
		if len(values) == 0 {
			continue
		}
		bias := biasFor(in.Accuracy[metric])
		for _, target := range targetMonths(now) {
			rec, ok := e.projectMonth(metric, values, target, now)
			if !ok {
				continue
			}
			rec.GeneratedAt = generatedAt
			if adj, applied := bias.apply(rec.Value, target.Month); applied {
				rec.Value = adj
				rec.Flags = append(rec.Flags, model.FlagBiasAdjusted)
			}
			out = append(out, rec)
		}
	}

	out = append(out, e.deriveEconomic(out, in, generatedAt)...)

	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Key.Compare(out[j].Key); c != 0 {
			return c < 0
		}
		return out[i].Metric < out[j].Metric
	})

	zap.L().Info("forecast generated",
		zap.Int("records", len(out)),
		zap.Time("horizon_start", now),
	)
	return out
}

// targetMonths lists the current month through December of next year.
func targetMonths(now time.Time) []model.CalendarKey {
	var months []model.CalendarKey
	for m := now.Month(); m <= time.December; m++ {
		months = append(months, model.MonthlyKey(now.Year(), m))
	}
	for m := time.January; m <= time.December; m++ {
		months = append(months, model.MonthlyKey(now.Year()+1, m))
	}
	return months
}

// projectMonth applies the declared projection rule for one target month.
func (e *Engine) projectMonth(metric model.Metric, values map[model.CalendarKey]float64, target model.CalendarKey, now time.Time) (model.ForecastRecord, bool) {
	// Current partially-observed month: scale the observed total by the
	// day rate instead of looking at prior years.
	if target.Year == now.Year() && target.Month == now.Month() {
		observed, ok := values[target]
		if ok && now.Day() > 0 {
			projected := observed / float64(now.Day()) * float64(target.DaysInMonth())
			return model.ForecastRecord{
				Key:              target,
				Metric:           metric,
				Value:            projected,
				BasisRecordCount: 1,
				Flags:            []string{model.FlagPartialMonth},
			}, true
		}
		// No observation yet this month; fall through to the prior-year rule.
	}

	// Comparable periods: the same calendar month in earlier years.
	var years []int
	for key := range values {
		if key.Month == target.Month && key.Year < target.Year &&
			!(key.Year == now.Year() && key.Month == now.Month()) {
			years = append(years, key.Year)
		}
	}
	sort.Ints(years)

	switch {
	case len(years) >= 2:
		latest := values[model.MonthlyKey(years[len(years)-1], target.Month)]
		previous := values[model.MonthlyKey(years[len(years)-2], target.Month)]
		if previous == 0 {
			return model.ForecastRecord{}, false
		}
		return model.ForecastRecord{
			Key:              target,
			Metric:           metric,
			Value:            latest * (latest / previous),
			BasisRecordCount: len(years),
		}, true

	case len(years) == 1:
		return model.ForecastRecord{
			Key:              target,
			Metric:           metric,
			Value:            values[model.MonthlyKey(years[0], target.Month)],
			BasisRecordCount: 1,
			Flags:            []string{model.FlagTrailingMean},
		}, true

	default:
		return model.ForecastRecord{}, false
	}
}

// deriveEconomic prices the kWh projections into cost and emission records.
func (e *Engine) deriveEconomic(projections []model.ForecastRecord, in Input, generatedAt time.Time) []model.ForecastRecord {
	priceByYear := make(map[int]float64)
	var paramYears []int
	for _, p := range in.Parameters {
		priceByYear[p.Year] = p.KWhPrice
		paramYears = append(paramYears, p.Year)
	}
	sort.Ints(paramYears)

	var out []model.ForecastRecord
	for _, rec := range projections {
		if rec.Metric != model.MetricChillerKWh {
			continue
		}

		price, extrapolated := priceForYear(priceByYear, paramYears, rec.Key.Year)
		if price > 0 {
			cost := model.ForecastRecord{
				Key:              rec.Key,
				Metric:           model.MetricOperatingCost,
				Value:            rec.Value * price,
				BasisRecordCount: rec.BasisRecordCount,
				Flags:            append([]string(nil), rec.Flags...),
				GeneratedAt:      generatedAt,
			}
			if extrapolated {
				cost.Flags = append(cost.Flags, model.FlagExtrapolatedParams)
			}
			out = append(out, cost)
		}

		if in.CO2Factor > 0 {
			out = append(out, model.ForecastRecord{
				Key:              rec.Key,
				Metric:           model.MetricCO2EmittedKg,
				Value:            rec.Value * in.CO2Factor,
				BasisRecordCount: rec.BasisRecordCount,
				Flags:            append([]string(nil), rec.Flags...),
				GeneratedAt:      generatedAt,
			})
		}
	}
	return out
}

// priceForYear resolves the kWh price for a forecast year, falling back to
// the most recent known year when the target year has no entry.
func priceForYear(byYear map[int]float64, sortedYears []int, year int) (price float64, extrapolated bool) {
	if p, ok := byYear[year]; ok {
		return p, false
	}
	for i := len(sortedYears) - 1; i >= 0; i-- {
		if sortedYears[i] < year {
			return byYear[sortedYears[i]], true
		}
	}
	if len(sortedYears) > 0 {
		return byYear[sortedYears[len(sortedYears)-1]], true
	}
	return 0, false
}

// biasProfile holds the mean historical forecast error, globally and per
// month, computed from the accuracy history.
type biasProfile struct {
	global      float64
	globalCount int
	perMonth    map[time.Month]float64
	monthCount  map[time.Month]int
}

func biasFor(records []model.AccuracyRecord) biasProfile {
	p := biasProfile{
		perMonth:   make(map[time.Month]float64),
		monthCount: make(map[time.Month]int),
	}
	monthSum := make(map[time.Month]float64)
	var sum float64
	for _, r := range records {
		sum += r.ErrorPct
		monthSum[r.Key.Month] += r.ErrorPct
		p.monthCount[r.Key.Month]++
	}
	p.globalCount = len(records)
	if p.globalCount > 0 {
		p.global = sum / float64(p.globalCount)
	}
	for m, n := range p.monthCount {
		p.perMonth[m] = monthSum[m] / float64(n)
	}
	return p
}

// apply corrects a projection for systematic over- or under-forecasting.
// A positive bias means past forecasts overshot, so the projection shrinks.
func (p biasProfile) apply(value float64, month time.Month) (float64, bool) {
	if p.globalCount < minGlobalComparisons {
		return value, false
	}
	bias := p.global
	if p.monthCount[month] >= minPerMonthComparisons {
		bias = p.perMonth[month]
	}
	return value * (1 - bias/100), true
}
