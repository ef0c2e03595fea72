package normalize

import (
	"math"
	"sort"
	"time"

	"github.com/plantops/chillwatch/internal/model"
)

// Sample is one timestamped chiller reading from an equipment export.
type Sample struct {
	TS        time.Time
	ChillerID string
	PowerKW   float64 // electrical input power
	ThermalKW float64 // cooling output power
	COP       float64 // coefficient of performance
}

// stepCandidates are the sampling intervals equipment loggers actually use.
var stepCandidates = []float64{1, 5, 10, 15, 30, 60}

// InferStepMinutes estimates the sampling interval of a chiller export from
// the median of positive inter-sample deltas, snapped to the nearest common
// logger interval. Defaults to 1 minute when no usable deltas exist.
func InferStepMinutes(samples []Sample) float64 {
	var deltas []float64
	for i := 1; i < len(samples); i++ {
		d := samples[i].TS.Sub(samples[i-1].TS).Minutes()
		if d > 0 && d <= 60 {
			deltas = append(deltas, d)
		}
	}
	if len(deltas) == 0 {
		return 1
	}
	sort.Float64s(deltas)
	med := deltas[len(deltas)/2]
	if len(deltas)%2 == 0 {
		med = (deltas[len(deltas)/2-1] + deltas[len(deltas)/2]) / 2
	}

	best := stepCandidates[0]
	for _, c := range stepCandidates[1:] {
		if math.Abs(c-med) < math.Abs(best-med) {
			best = c
		}
	}
	return best
}

// ChillerDaily integrates per-event samples into daily observations:
// energy (kW x step hours), runtime hours, and runtime-weighted mean power
// and COP. Samples at or below minPowerKW count as the machine being off.
func ChillerDaily(samples []Sample, minPowerKW float64, authoritative bool) []model.Observation {
	if len(samples) == 0 {
		return nil
	}

	sort.Slice(samples, func(i, j int) bool { return samples[i].TS.Before(samples[j].TS) })
	stepH := InferStepMinutes(samples) / 60.0

	type day struct {
		kwh      float64
		hours    float64
		copSum   float64 // COP x hours, only for samples reporting COP
		copHours float64
	}
	days := make(map[model.CalendarKey]*day)

	for _, s := range samples {
		if s.PowerKW <= minPowerKW {
			continue
		}
		k := model.KeyFromTime(s.TS)
		d, ok := days[k]
		if !ok {
			d = &day{}
			days[k] = d
		}
		d.kwh += s.PowerKW * stepH
		d.hours += stepH
		if s.COP > 0 {
			d.copSum += s.COP * stepH
			d.copHours += stepH
		}
	}

	keys := make([]model.CalendarKey, 0, len(days))
	for k := range days {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	var out []model.Observation
	for _, k := range keys {
		d := days[k]
		emit := func(metric model.Metric, value float64, unit string) {
			out = append(out, model.Observation{
				Source:        model.SourceCLP,
				Key:           k,
				Metric:        metric,
				Value:         value,
				Unit:          unit,
				Authoritative: authoritative,
			})
		}
		emit(model.MetricChillerKWh, d.kwh, "kWh")
		emit(model.MetricChillerHours, d.hours, "h")
		if d.hours > 0 {
			emit(model.MetricChillerAvgKW, d.kwh/d.hours, "kW")
		}
		if d.copHours > 0 {
			emit(model.MetricChillerAvgCOP, d.copSum/d.copHours, "")
		}
	}
	return out
}
