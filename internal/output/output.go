// Package output serializes the merged dataset for the visualization layer.
// Every file is written to a same-directory temp file, synced, then renamed
// over the previous version, so a crash mid-write leaves the old output
// intact.
package output

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/plantops/chillwatch/internal/model"
)

// ErrWrite signals a failed output commit. Callers treat it as fatal: the
// previous output files remain the valid state.
var ErrWrite = eris.New("output: write failed")

// Dataset file names under the output directory.
const (
	DatasetFile = "dataset.csv"
	AuditFile   = "audit.csv"
	SummaryFile = "run_summary.yaml"
)

// Writer commits pipeline results to the output directory.
type Writer struct {
	Dir string

	// SummaryPath is where the run summary lands. Defaults to SummaryFile
	// under Dir.
	SummaryPath string
}

// Option adjusts a Writer.
type Option func(*Writer)

// WithSummaryPath redirects the run summary to path instead of the default
// location under the output directory.
func WithSummaryPath(path string) Option {
	return func(w *Writer) {
		if path != "" {
			w.SummaryPath = path
		}
	}
}

// NewWriter returns a Writer rooted at dir, creating it if needed.
func NewWriter(dir string, opts ...Option) (*Writer, error) {
	w := &Writer{Dir: dir, SummaryPath: filepath.Join(dir, SummaryFile)}
	for _, opt := range opts {
		opt(w)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(ErrWrite, "create output dir %s: %v", dir, err)
	}
	if sdir := filepath.Dir(w.SummaryPath); sdir != dir {
		if err := os.MkdirAll(sdir, 0o755); err != nil {
			return nil, eris.Wrapf(ErrWrite, "create summary dir %s: %v", sdir, err)
		}
	}
	return w, nil
}

// WriteDataset serializes history and forecast rows into one CSV. Rows are
// ordered by (year, month, metric, is_forecast) and values are formatted
// with the shortest exact decimal representation, so identical data always
// produces identical bytes.
func (w *Writer) WriteDataset(history []model.HistoricalRecord, forecast []model.ForecastRecord) error {
	type row struct {
		key        model.CalendarKey
		metric     model.Metric
		value      float64
		isForecast bool
		basis      int
	}

	rows := make([]row, 0, len(history)+len(forecast))
	for _, r := range history {
		rows = append(rows, row{key: r.Key.Monthly(), metric: r.Metric, value: r.Value})
	}
	for _, f := range forecast {
		rows = append(rows, row{key: f.Key, metric: f.Metric, value: f.Value, isForecast: true, basis: f.BasisRecordCount})
	}
	sort.Slice(rows, func(i, j int) bool {
		if c := rows[i].key.Compare(rows[j].key); c != 0 {
			return c < 0
		}
		if rows[i].metric != rows[j].metric {
			return rows[i].metric < rows[j].metric
		}
		return !rows[i].isForecast && rows[j].isForecast
	})

	records := [][]string{{"year", "month", "metric_name", "value", "is_forecast", "basis_record_count"}}
	for _, r := range rows {
		records = append(records, []string{
			strconv.Itoa(r.key.Year),
			strconv.Itoa(int(r.key.Month)),
			string(r.metric),
			strconv.FormatFloat(r.value, 'f', -1, 64),
			strconv.FormatBool(r.isForecast),
			strconv.Itoa(r.basis),
		})
	}

	if err := w.commitCSV(DatasetFile, records); err != nil {
		return err
	}
	zap.L().Info("dataset written",
		zap.String("path", filepath.Join(w.Dir, DatasetFile)),
		zap.Int("history_rows", len(history)),
		zap.Int("forecast_rows", len(forecast)),
	)
	return nil
}

// WriteAudit serializes the correction trail.
func (w *Writer) WriteAudit(entries []model.AuditEntry) error {
	records := [][]string{{"year", "month", "metric_name", "old_value", "new_value", "replaced_at"}}
	for _, a := range entries {
		records = append(records, []string{
			strconv.Itoa(a.Key.Year),
			strconv.Itoa(int(a.Key.Month)),
			string(a.Metric),
			strconv.FormatFloat(a.OldValue, 'f', -1, 64),
			strconv.FormatFloat(a.NewValue, 'f', -1, 64),
			a.ReplacedAt.UTC().Format(time.RFC3339),
		})
	}
	return w.commitCSV(AuditFile, records)
}

// WriteSummary serializes the run summary as YAML to SummaryPath.
func (w *Writer) WriteSummary(summary model.RunSummary) error {
	data, err := yaml.Marshal(summary)
	if err != nil {
		return eris.Wrapf(ErrWrite, "marshal summary: %v", err)
	}
	return commitBytes(w.SummaryPath, data)
}

// commitCSV writes records through the atomic temp-and-rename path.
func (w *Writer) commitCSV(name string, records [][]string) error {
	tmp, err := os.CreateTemp(w.Dir, "."+name+"-*")
	if err != nil {
		return eris.Wrapf(ErrWrite, "create temp for %s: %v", name, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	cw := csv.NewWriter(tmp)
	if err := cw.WriteAll(records); err != nil {
		return eris.Wrapf(ErrWrite, "write %s: %v", name, err)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return eris.Wrapf(ErrWrite, "flush %s: %v", name, err)
	}
	return seal(tmp, filepath.Join(w.Dir, name))
}

// commitBytes writes data to dest atomically. The temp file lives in dest's
// directory so the rename never crosses a filesystem boundary.
func commitBytes(dest string, data []byte) error {
	name := filepath.Base(dest)
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+name+"-*")
	if err != nil {
		return eris.Wrapf(ErrWrite, "create temp for %s: %v", name, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		return eris.Wrapf(ErrWrite, "write %s: %v", name, err)
	}
	return seal(tmp, dest)
}

// seal syncs the temp file and renames it into place.
func seal(tmp *os.File, dest string) error {
	name := filepath.Base(dest)
	if err := tmp.Sync(); err != nil {
		return eris.Wrapf(ErrWrite, "sync %s: %v", name, err)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(ErrWrite, "close %s: %v", name, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return eris.Wrapf(ErrWrite, "rename %s: %v", name, err)
	}
	return nil
}
