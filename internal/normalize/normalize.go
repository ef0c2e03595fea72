// Package normalize maps source-native records onto calendar keys and rolls
// them up to the monthly resolution shared by the whole dataset.
//
// The aggregation policy is declared per metric, not chosen ad hoc: energy
// and runtime are summed, rate-like metrics are averaged (time-weighted where
// a weight metric exists), and annual factors are replicated across their
// calendar year. Changing how a metric aggregates means editing one table row.
package normalize

import (
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/plantops/chillwatch/internal/model"
)

// ErrUnalignableTimestamp means a record's time reference cannot be mapped to
// any calendar key (missing or zero date fields).
var ErrUnalignableTimestamp = errors.New("unalignable timestamp")

// Policy selects how a metric's observations combine into a monthly value.
type Policy int

const (
	// PolicySum adds all values inside the month (energy, runtime).
	PolicySum Policy = iota
	// PolicyMean averages values inside the month (temperatures).
	PolicyMean
	// PolicyWeightedMean averages weighted by a sibling metric sharing the
	// same daily keys (power and COP weighted by runtime hours).
	PolicyWeightedMean
	// PolicyReplicateYear fans one annual value across all twelve months of
	// its year (emission factors).
	PolicyReplicateYear
)

// Rule binds a metric to its aggregation policy.
type Rule struct {
	Policy Policy
	Weight model.Metric // weight metric for PolicyWeightedMean
	Unit   string
}

// Rules is the declared per-metric aggregation table.
var Rules = map[model.Metric]Rule{
	model.MetricChillerKWh:     {Policy: PolicySum, Unit: "kWh"},
	model.MetricChillerHours:   {Policy: PolicySum, Unit: "h"},
	model.MetricChillerAvgKW:   {Policy: PolicyWeightedMean, Weight: model.MetricChillerHours, Unit: "kW"},
	model.MetricChillerAvgCOP:  {Policy: PolicyWeightedMean, Weight: model.MetricChillerHours, Unit: ""},
	model.MetricTempMeanC:      {Policy: PolicyMean, Unit: "degC"},
	model.MetricCO2FactorKgKWh: {Policy: PolicyReplicateYear, Unit: "kgCO2/kWh"},
}

// Monthly rolls a batch of source-native observations up to monthly keys
// according to the per-metric rules. Observations of unknown metrics pass
// through untouched when already monthly and fail otherwise.
func Monthly(obs []model.Observation) ([]model.Observation, error) {
	type group struct {
		key           model.CalendarKey
		metric        model.Metric
		source        model.SourceID
		authoritative bool
		sum           float64
		weightedSum   float64
		weightSum     float64
		count         int
	}

	// Index values by (metric, native key) so weighted means can find their
	// weight metric for the same day.
	weights := make(map[string]float64)
	for _, o := range obs {
		weights[string(o.Metric)+"|"+o.Key.String()] = o.Value
	}

	groups := make(map[string]*group)
	var out []model.Observation

	for _, o := range obs {
		if o.Key.Year == 0 || o.Key.Month < time.January || o.Key.Month > time.December {
			return nil, eris.Wrapf(ErrUnalignableTimestamp, "metric %s value %v", o.Metric, o.Value)
		}

		rule, known := Rules[o.Metric]
		if !known {
			if o.Key.IsDaily() {
				return nil, eris.Wrapf(ErrUnalignableTimestamp, "no aggregation rule for daily metric %s", o.Metric)
			}
			out = append(out, o)
			continue
		}

		if rule.Policy == PolicyReplicateYear {
			for m := time.January; m <= time.December; m++ {
				out = append(out, model.Observation{
					Source:        o.Source,
					Key:           model.MonthlyKey(o.Key.Year, m),
					Metric:        o.Metric,
					Value:         o.Value,
					Unit:          rule.Unit,
					Authoritative: o.Authoritative,
				})
			}
			continue
		}

		mk := o.Key.Monthly()
		gk := string(o.Metric) + "|" + mk.String()
		g, ok := groups[gk]
		if !ok {
			g = &group{key: mk, metric: o.Metric, source: o.Source}
			groups[gk] = g
		}
		g.authoritative = g.authoritative || o.Authoritative
		g.count++
		g.sum += o.Value

		if rule.Policy == PolicyWeightedMean {
			w := 1.0
			if rule.Weight != "" {
				if wv, ok := weights[string(rule.Weight)+"|"+o.Key.String()]; ok {
					w = wv
				}
			}
			g.weightedSum += o.Value * w
			g.weightSum += w
		}
	}

	for _, g := range groups {
		rule := Rules[g.metric]
		var value float64
		switch rule.Policy {
		case PolicySum:
			value = g.sum
		case PolicyMean:
			value = g.sum / float64(g.count)
		case PolicyWeightedMean:
			if g.weightSum <= 0 {
				continue // nothing ran this month, no meaningful average
			}
			value = g.weightedSum / g.weightSum
		}
		out = append(out, model.Observation{
			Source:        g.source,
			Key:           g.key,
			Metric:        g.metric,
			Value:         value,
			Unit:          rule.Unit,
			Authoritative: g.authoritative,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Key.Compare(out[j].Key); c != 0 {
			return c < 0
		}
		return out[i].Metric < out[j].Metric
	})

	return out, nil
}
