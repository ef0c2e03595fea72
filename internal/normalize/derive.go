package normalize

import (
	"sort"

	"github.com/plantops/chillwatch/internal/model"
)

// Derive computes the priced and emission-weighted metrics from merged
// monthly consumption: operating cost (kWh x that year's price) and emitted
// CO2 (kWh x the grid factor for the same month). Derived observations are
// always authoritative — they are a deterministic function of canonical
// history, so recomputation may overwrite a stale derivation; the merger
// drops value-identical replacements, keeping repeat runs no-ops.
func Derive(history []model.HistoricalRecord, paramsByYear map[int]model.UserParameters) []model.Observation {
	factorByKey := make(map[model.CalendarKey]float64)
	for _, r := range history {
		if r.Metric == model.MetricCO2FactorKgKWh {
			factorByKey[r.Key] = r.Value
		}
	}

	var out []model.Observation
	for _, r := range history {
		if r.Metric != model.MetricChillerKWh {
			continue
		}
		if prm, ok := paramsByYear[r.Key.Year]; ok {
			out = append(out, model.Observation{
				Source:        model.SourceParams,
				Key:           r.Key,
				Metric:        model.MetricOperatingCost,
				Value:         r.Value * prm.KWhPrice,
				Unit:          "BRL",
				Authoritative: true,
			})
		}
		if factor, ok := factorByKey[r.Key]; ok {
			out = append(out, model.Observation{
				Source:        model.SourceEmissions,
				Key:           r.Key,
				Metric:        model.MetricCO2EmittedKg,
				Value:         r.Value * factor,
				Unit:          "kg",
				Authoritative: true,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Key.Compare(out[j].Key); c != 0 {
			return c < 0
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}
