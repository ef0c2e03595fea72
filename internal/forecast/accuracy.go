package forecast

import (
	"time"

	"go.uber.org/zap"

	"github.com/plantops/chillwatch/internal/model"
)

// CompareAccuracy checks the previously committed forecast against months
// that now carry actual merged values, producing one accuracy record per
// resolved (month, metric) pair. Only completed months count: the current
// month's actual is still accumulating. Zero actuals are skipped since the
// percentage error is undefined.
func CompareAccuracy(prev []model.ForecastRecord, history []model.HistoricalRecord, now time.Time) []model.AccuracyRecord {
	currentMonth := model.MonthlyKey(now.Year(), now.Month())

	actuals := make(map[string]float64, len(history))
	for _, r := range history {
		actuals[r.Key.Monthly().String()+"|"+string(r.Metric)] = r.Value
	}

	var out []model.AccuracyRecord
	for _, f := range prev {
		if f.Key.Compare(currentMonth) >= 0 {
			continue
		}
		actual, ok := actuals[f.Key.String()+"|"+string(f.Metric)]
		if !ok || actual == 0 {
			continue
		}
		errorPct := (f.Value - actual) / actual * 100
		out = append(out, model.AccuracyRecord{
			Key:        f.Key,
			Metric:     f.Metric,
			Actual:     actual,
			Forecast:   f.Value,
			ErrorPct:   errorPct,
			RecordedAt: now,
		})
		zap.L().Debug("forecast resolved against actual",
			zap.String("key", f.Key.String()),
			zap.String("metric", string(f.Metric)),
			zap.Float64("error_pct", errorPct),
		)
	}
	return out
}
