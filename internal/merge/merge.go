// Package merge folds normalized observation batches into the persisted
// historical dataset. It is the only writer of historical rows.
//
// Merge semantics: a (calendar key, metric) pair absent from the store is
// inserted; a pair already present keeps its first-written value unless the
// incoming observation is flagged authoritative, in which case the value is
// replaced and the displaced value lands in the audit trail. Replaying the
// same batch is a no-op, and batches from sources writing disjoint metrics
// commute.
package merge

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/plantops/chillwatch/internal/model"
)

// Result is the delta produced by one merge pass. Nothing is persisted here;
// the caller applies the delta to the store in one transaction.
type Result struct {
	Inserted []model.HistoricalRecord
	Replaced []model.HistoricalRecord
	Audits   []model.AuditEntry
	Dropped  int // non-authoritative duplicates discarded (first write wins)
}

// Merged returns all records the store must upsert.
func (r Result) Merged() []model.HistoricalRecord {
	out := make([]model.HistoricalRecord, 0, len(r.Inserted)+len(r.Replaced))
	out = append(out, r.Inserted...)
	out = append(out, r.Replaced...)
	return out
}

// Apply merges a normalized monthly batch against the existing history and
// returns the resulting delta. now stamps inserted and replaced rows.
func Apply(existing []model.HistoricalRecord, batch []model.Observation, now time.Time) Result {
	index := make(map[string]model.HistoricalRecord, len(existing))
	for _, r := range existing {
		index[recordKey(r.Key, r.Metric)] = r
	}

	// Deterministic processing order regardless of source ordering.
	sorted := make([]model.Observation, len(batch))
	copy(sorted, batch)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := sorted[i].Key.Compare(sorted[j].Key); c != 0 {
			return c < 0
		}
		return sorted[i].Metric < sorted[j].Metric
	})

	var res Result
	seen := make(map[string]bool)

	for _, o := range sorted {
		k := recordKey(o.Key, o.Metric)
		if seen[k] {
			// Same pair twice in one batch: first occurrence won already.
			res.Dropped++
			continue
		}
		seen[k] = true

		cur, exists := index[k]
		switch {
		case !exists:
			rec := model.HistoricalRecord{
				Key:        o.Key,
				Metric:     o.Metric,
				Value:      o.Value,
				Unit:       o.Unit,
				Source:     o.Source,
				IngestedAt: now,
			}
			index[k] = rec
			res.Inserted = append(res.Inserted, rec)

		case o.Authoritative && o.Value != cur.Value:
			rec := cur
			rec.Value = o.Value
			rec.Unit = o.Unit
			rec.Source = o.Source
			rec.IngestedAt = now
			index[k] = rec
			res.Replaced = append(res.Replaced, rec)
			res.Audits = append(res.Audits, model.AuditEntry{
				Key:        o.Key,
				Metric:     o.Metric,
				OldValue:   cur.Value,
				NewValue:   o.Value,
				ReplacedAt: now,
			})
			zap.L().Info("authoritative correction",
				zap.String("key", o.Key.String()),
				zap.String("metric", string(o.Metric)),
				zap.Float64("old", cur.Value),
				zap.Float64("new", o.Value),
			)

		case o.Authoritative:
			// Identical value: recomputation or re-export confirmed the
			// stored row. No replacement, no audit noise.

		default:
			res.Dropped++
			zap.L().Debug("first write wins, observation dropped",
				zap.String("key", o.Key.String()),
				zap.String("metric", string(o.Metric)),
			)
		}
	}

	return res
}

func recordKey(k model.CalendarKey, m model.Metric) string {
	return k.String() + "|" + string(m)
}
