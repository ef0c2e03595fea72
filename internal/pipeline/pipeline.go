// Package pipeline orchestrates one consolidation run end to end: lock,
// fetch, normalize, merge, derive, score accuracy, forecast, publish.
package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/plantops/chillwatch/internal/config"
	"github.com/plantops/chillwatch/internal/forecast"
	"github.com/plantops/chillwatch/internal/merge"
	"github.com/plantops/chillwatch/internal/model"
	"github.com/plantops/chillwatch/internal/normalize"
	"github.com/plantops/chillwatch/internal/output"
	"github.com/plantops/chillwatch/internal/source"
	"github.com/plantops/chillwatch/internal/store"
)

// Pipeline runs the full update cycle against one store.
type Pipeline struct {
	cfg     *config.Config
	store   store.Store
	sources []source.Adapter
	engine  *forecast.Engine
	writer  *output.Writer
	now     func() time.Time
}

// New creates a Pipeline. Sources are fetched in the order given.
func New(cfg *config.Config, st store.Store, sources []source.Adapter, writer *output.Writer) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		store:   st,
		sources: sources,
		engine:  forecast.NewEngine(),
		writer:  writer,
		now:     time.Now,
	}
}

// Run executes one update. A per-source failure marks the source skipped and
// the run partial; store corruption and output write failures are fatal and
// nothing is published. Lock contention returns before a run record exists.
func (p *Pipeline) Run(ctx context.Context) (*model.RunSummary, error) {
	runTime := p.now().UTC()
	log := zap.L()

	ctx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.Run.TimeoutSecs)*time.Second)
	defer cancel()

	lock, err := AcquireLock(p.cfg.Paths.LockFile, time.Duration(p.cfg.Run.LockStaleSecs)*time.Second)
	if err != nil {
		return nil, err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			log.Warn("pipeline: release lock", zap.Error(relErr))
		}
	}()

	summary := model.RunSummary{
		ID:        uuid.NewString(),
		Status:    model.RunStatusSuccess,
		StartedAt: runTime,
	}
	log.Info("pipeline: starting run", zap.String("run_id", summary.ID))

	if err := p.store.Verify(ctx); err != nil {
		return p.fail(ctx, summary, eris.Wrap(err, "pipeline: verify store"))
	}

	// Fetch and normalize each source. Failures here never abort the run.
	var batch []model.Observation
	for _, src := range p.sources {
		outcome, monthly := p.fetchSource(ctx, src)
		summary.Sources = append(summary.Sources, outcome)
		batch = append(batch, monthly...)
	}

	existing, err := p.store.GetHistory(ctx)
	if err != nil {
		return p.fail(ctx, summary, eris.Wrap(err, "pipeline: load history"))
	}

	// Everything the run produces is staged in memory and committed in a
	// single store transaction below, so a crash mid-run never publishes new
	// history next to a stale forecast.
	res := merge.Apply(existing, batch, runTime)
	history := overlay(existing, res.Merged())

	params, err := p.store.ListParameters(ctx)
	if err != nil {
		return p.fail(ctx, summary, eris.Wrap(err, "pipeline: load parameters"))
	}

	// Derived metrics are a second merge pass over canonical history.
	derived := normalize.Derive(history, store.ParametersByYear(params))
	dres := merge.Apply(history, derived, runTime)
	history = overlay(history, dres.Merged())

	summary.RecordsMerged = len(res.Inserted) + len(dres.Inserted)
	summary.RecordsReplaced = len(res.Replaced) + len(dres.Replaced)

	// Score the previous forecast against months that have since resolved,
	// before the partition is regenerated.
	prevForecast, err := p.store.GetForecast(ctx)
	if err != nil {
		return p.fail(ctx, summary, eris.Wrap(err, "pipeline: load previous forecast"))
	}
	accs := forecast.CompareAccuracy(prevForecast, history, runTime)

	input := forecast.Input{
		History:    history,
		Accuracy:   make(map[model.Metric][]model.AccuracyRecord),
		Parameters: params,
		CO2Factor:  latestFactor(history),
	}
	for _, m := range []model.Metric{model.MetricChillerKWh, model.MetricChillerHours} {
		stored, accErr := p.store.GetAccuracy(ctx, m)
		if accErr != nil {
			return p.fail(ctx, summary, eris.Wrapf(accErr, "pipeline: load accuracy for %s", m))
		}
		input.Accuracy[m] = accuracyFor(stored, accs, m)
	}

	forecastRecs := p.engine.Generate(input)
	summary.ForecastRecords = len(forecastRecs)
	summary.Confidence = confidence(forecastRecs)

	delta := store.RunDelta{
		History:  append(res.Merged(), dres.Merged()...),
		Audits:   append(res.Audits, dres.Audits...),
		Accuracy: accs,
		Forecast: forecastRecs,
	}
	if err := p.store.CommitRun(ctx, delta); err != nil {
		return p.fail(ctx, summary, eris.Wrap(err, "pipeline: commit run"))
	}

	if err := p.writer.WriteDataset(history, forecastRecs); err != nil {
		return p.fail(ctx, summary, err)
	}
	audits, err := p.store.GetAudit(ctx)
	if err != nil {
		return p.fail(ctx, summary, eris.Wrap(err, "pipeline: load audit trail"))
	}
	if err := p.writer.WriteAudit(audits); err != nil {
		return p.fail(ctx, summary, err)
	}

	if len(summary.SkippedSources()) > 0 {
		summary.Status = model.RunStatusPartial
	}
	summary.FinishedAt = p.now().UTC()

	if err := p.writer.WriteSummary(summary); err != nil {
		return p.fail(ctx, summary, err)
	}
	if err := p.store.SaveRun(ctx, summary); err != nil {
		return p.fail(ctx, summary, eris.Wrap(err, "pipeline: save run"))
	}

	log.Info("pipeline: run finished",
		zap.String("run_id", summary.ID),
		zap.String("status", string(summary.Status)),
		zap.Int("merged", summary.RecordsMerged),
		zap.Int("replaced", summary.RecordsReplaced),
		zap.Int("forecast_records", summary.ForecastRecords),
	)
	return &summary, nil
}

// fetchSource runs one adapter under its timeout slice and rolls its output
// up to monthly resolution. Every failure path degrades to a skip.
func (p *Pipeline) fetchSource(ctx context.Context, src source.Adapter) (model.SourceOutcome, []model.Observation) {
	log := zap.L().With(zap.String("source", string(src.ID())))
	outcome := model.SourceOutcome{Source: src.ID()}

	sctx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.Run.SourceTimeoutSecs)*time.Second)
	defer cancel()

	res, err := src.Fetch(sctx)
	if err != nil {
		log.Warn("pipeline: source skipped", zap.Error(err))
		outcome.Skipped = true
		outcome.Error = err.Error()
		return outcome, nil
	}

	monthly, err := normalize.Monthly(res.Observations)
	if err != nil {
		log.Warn("pipeline: source skipped after normalization", zap.Error(err))
		outcome.Skipped = true
		outcome.Error = err.Error()
		return outcome, nil
	}

	outcome.Observations = len(monthly)
	outcome.MalformedRows = res.MalformedRows
	log.Info("pipeline: source fetched",
		zap.Int("observations", len(monthly)),
		zap.Int("malformed_rows", res.MalformedRows),
	)
	return outcome, monthly
}

// fail finalizes a fatal run: nothing further is published, but the failure
// is recorded so status reporting can surface it.
func (p *Pipeline) fail(ctx context.Context, summary model.RunSummary, err error) (*model.RunSummary, error) {
	summary.Status = model.RunStatusFailed
	summary.FatalError = err.Error()
	summary.FinishedAt = p.now().UTC()

	zap.L().Error("pipeline: run failed", zap.String("run_id", summary.ID), zap.Error(err))

	if saveErr := p.store.SaveRun(ctx, summary); saveErr != nil {
		zap.L().Warn("pipeline: save failed run", zap.Error(saveErr))
	}
	return &summary, err
}

// overlay applies merged records over an in-memory view of history, matching
// what the commit below will persist.
func overlay(history, upserts []model.HistoricalRecord) []model.HistoricalRecord {
	type slot struct {
		key    model.CalendarKey
		metric model.Metric
	}
	merged := make(map[slot]model.HistoricalRecord, len(history)+len(upserts))
	for _, r := range history {
		merged[slot{r.Key, r.Metric}] = r
	}
	for _, r := range upserts {
		merged[slot{r.Key, r.Metric}] = r
	}

	out := make([]model.HistoricalRecord, 0, len(merged))
	for _, r := range merged {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Key.Compare(out[j].Key); c != 0 {
			return c < 0
		}
		return out[i].Metric < out[j].Metric
	})
	return out
}

// accuracyFor combines stored comparisons with this run's fresh ones for one
// metric. A month already scored keeps its first comparison.
func accuracyFor(stored, fresh []model.AccuracyRecord, metric model.Metric) []model.AccuracyRecord {
	seen := make(map[model.CalendarKey]bool, len(stored))
	for _, a := range stored {
		seen[a.Key] = true
	}
	out := stored
	for _, a := range fresh {
		if a.Metric != metric || seen[a.Key] {
			continue
		}
		out = append(out, a)
	}
	return out
}

// latestFactor returns the most recent known grid emission factor.
func latestFactor(history []model.HistoricalRecord) float64 {
	var best model.CalendarKey
	var factor float64
	for _, r := range history {
		if r.Metric != model.MetricCO2FactorKgKWh {
			continue
		}
		if factor == 0 || best.Before(r.Key) {
			best = r.Key
			factor = r.Value
		}
	}
	return factor
}

// confidence summarizes forecast basis strength per metric.
func confidence(recs []model.ForecastRecord) []model.MetricConfidence {
	type acc struct {
		count int
		sum   int
		min   int
	}
	byMetric := make(map[model.Metric]*acc)
	for _, r := range recs {
		a := byMetric[r.Metric]
		if a == nil {
			a = &acc{min: r.BasisRecordCount}
			byMetric[r.Metric] = a
		}
		a.count++
		a.sum += r.BasisRecordCount
		if r.BasisRecordCount < a.min {
			a.min = r.BasisRecordCount
		}
	}

	out := make([]model.MetricConfidence, 0, len(byMetric))
	for m, a := range byMetric {
		out = append(out, model.MetricConfidence{
			Metric:    m,
			Records:   a.count,
			MeanBasis: float64(a.sum) / float64(a.count),
			MinBasis:  a.min,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out
}
