package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/plantops/chillwatch/internal/fetcher"
	"github.com/plantops/chillwatch/internal/model"
)

// inventorySuffixes is the cumulative-coverage ladder used in inventory file
// names: Inventario_<year>_<suffix>.xlsx, where the suffix names the last
// month covered. Later suffixes supersede earlier ones within a year.
var inventorySuffixes = []string{
	"janfev", "janmar", "janabr", "janmai", "janjun",
	"janjul", "janago", "janset", "janout", "jannov", "jandez",
}

// Emissions ingests the national grid operator's CO2 inventory workbooks and
// produces one annual mean kgCO2/kWh factor per year, keyed to January.
// The pinned base-year workbook is always ensured before probing for the
// current year; within the current year only the widest-coverage file is
// kept, while prior years are never removed.
type Emissions struct {
	BaseURL      string
	BaseYear     int
	BaseWorkbook string
	CacheDir     string
	MinYear      int // factors before this year are ignored

	HTTP *fetcher.HTTPFetcher
	Now  func() time.Time
}

func (e *Emissions) ID() model.SourceID { return model.SourceEmissions }

func (e *Emissions) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Emissions) Fetch(ctx context.Context) (Result, error) {
	res := Result{Source: e.ID()}
	if err := os.MkdirAll(e.CacheDir, 0o755); err != nil {
		return res, eris.Wrapf(ErrUnavailable, "emissions cache dir: %v", err)
	}

	baseOK := e.ensureBaseWorkbook(ctx)
	e.refreshCurrentYear(ctx)

	workbooks, err := filepath.Glob(filepath.Join(e.CacheDir, "Inventario_*.xlsx"))
	if err != nil || len(workbooks) == 0 {
		if !baseOK {
			return res, eris.Wrapf(ErrUnavailable, "no inventory workbook available")
		}
		return res, eris.Wrapf(ErrEmpty, "no inventory workbook found in %s", e.CacheDir)
	}
	sort.Strings(workbooks)

	factors := make(map[int]float64)
	var malformed int
	for _, wb := range workbooks {
		n, bad := e.extractFactors(wb, factors)
		malformed += bad
		zap.L().Debug("inventory workbook parsed",
			zap.String("file", filepath.Base(wb)),
			zap.Int("factors", n),
		)
	}
	if len(factors) == 0 {
		return res, eris.Wrapf(ErrFormat, "no annual factor extracted from %d workbook(s)", len(workbooks))
	}

	years := make([]int, 0, len(factors))
	for y := range factors {
		years = append(years, y)
	}
	sort.Ints(years)
	for _, y := range years {
		res.Observations = append(res.Observations, model.Observation{
			Source: model.SourceEmissions,
			Key:    model.MonthlyKey(y, time.January), // annual value, replicated downstream
			Metric: model.MetricCO2FactorKgKWh,
			Value:  factors[y],
			Unit:   "kgCO2/kWh",
		})
	}
	res.MalformedRows = malformed
	zap.L().Info("emission factors ingested",
		zap.Int("years", len(years)),
		zap.Int("workbooks", len(workbooks)),
	)
	return res, nil
}

// ensureBaseWorkbook guarantees the pinned base-year file is present.
func (e *Emissions) ensureBaseWorkbook(ctx context.Context) bool {
	target := filepath.Join(e.CacheDir, e.BaseWorkbook)
	if fileExists(target) {
		return true
	}
	if e.HTTP == nil {
		return false
	}
	url := fmt.Sprintf("%s/%s/@@download/file", strings.TrimSuffix(e.BaseURL, "/"), e.BaseWorkbook)
	if _, err := e.HTTP.DownloadToFile(ctx, url, target); err != nil {
		zap.L().Warn("base inventory workbook unavailable",
			zap.String("workbook", e.BaseWorkbook),
			zap.Error(err),
		)
		return false
	}
	return true
}

// refreshCurrentYear probes for wider-coverage inventory files of the
// current year and keeps only the newest one.
func (e *Emissions) refreshCurrentYear(ctx context.Context) {
	year := e.now().Year()
	if year <= e.BaseYear || e.HTTP == nil {
		return
	}

	have := -1
	existing, _ := filepath.Glob(filepath.Join(e.CacheDir, fmt.Sprintf("Inventario_%d_*.xlsx", year)))
	for _, f := range existing {
		if i := suffixIndex(f); i > have {
			have = i
		}
	}

	for i := have + 1; i < len(inventorySuffixes); i++ {
		name := fmt.Sprintf("Inventario_%d_%s.xlsx", year, inventorySuffixes[i])
		url := fmt.Sprintf("%s/%s/@@download/file", strings.TrimSuffix(e.BaseURL, "/"), name)
		target := filepath.Join(e.CacheDir, name)
		if _, err := e.HTTP.DownloadToFile(ctx, url, target); err != nil {
			continue
		}
		zap.L().Info("inventory workbook downloaded", zap.String("file", name))
	}

	// Retention: newest suffix wins, prior years stay untouched.
	all, _ := filepath.Glob(filepath.Join(e.CacheDir, fmt.Sprintf("Inventario_%d_*.xlsx", year)))
	if len(all) < 2 {
		return
	}
	newest := all[0]
	for _, f := range all[1:] {
		if suffixIndex(f) > suffixIndex(newest) {
			newest = f
		}
	}
	for _, f := range all {
		if f == newest {
			continue
		}
		if err := os.Remove(f); err != nil {
			zap.L().Warn("stale inventory not removed", zap.String("file", filepath.Base(f)), zap.Error(err))
		}
	}
}

func suffixIndex(path string) int {
	name := strings.ToLower(filepath.Base(path))
	for i, suf := range inventorySuffixes {
		if strings.Contains(name, suf) {
			return i
		}
	}
	return -1
}

var inventoryYearRe = regexp.MustCompile(`20\d{2}`)

// extractFactors pulls (year, factor) pairs out of one workbook. The factor
// table lives in the "inventário-todos" sheet as "ANO - <year>" labels each
// followed by the annual mean value; sheet naming drifts between releases,
// so any sheet whose normalized name contains "inventario" is accepted.
func (e *Emissions) extractFactors(path string, factors map[int]float64) (found, malformed int) {
	names, err := fetcher.SheetNames(path)
	if err != nil {
		zap.L().Warn("unreadable inventory workbook", zap.String("file", filepath.Base(path)), zap.Error(err))
		return 0, 0
	}

	sheet := ""
	for _, n := range names {
		if strings.Contains(normalizeHeader(n), "inventario") {
			sheet = n
			break
		}
	}
	if sheet == "" {
		return 0, 0
	}

	rows, err := fetcher.ReadXLSX(path, fetcher.XLSXOptions{SheetName: sheet})
	if err != nil {
		zap.L().Warn("unreadable inventory sheet", zap.String("file", filepath.Base(path)), zap.Error(err))
		return 0, 0
	}

	// Walk the factor column: a year label cell, then the value beneath it.
	const factorColumn = 14
	var column []string
	for _, row := range rows {
		if len(row) > factorColumn && strings.TrimSpace(row[factorColumn]) != "" {
			column = append(column, strings.TrimSpace(row[factorColumn]))
		}
	}
	for i := 0; i+1 < len(column); i++ {
		if !strings.Contains(column[i], "ANO - 20") {
			continue
		}
		m := inventoryYearRe.FindString(column[i])
		if m == "" {
			continue
		}
		year, _ := strconv.Atoi(m)
		if year < e.MinYear {
			continue
		}
		value, err := ParseDecimalComma(column[i+1])
		if err != nil {
			malformed++
			continue
		}
		// Later workbooks are parsed after earlier ones and refresh the year.
		factors[year] = value
		found++
	}
	return found, malformed
}
