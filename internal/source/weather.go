package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/plantops/chillwatch/internal/fetcher"
	"github.com/plantops/chillwatch/internal/model"
)

// Weather ingests the public station archives: one zip per year holding
// per-station hourly CSVs (latin-1, semicolon, 8 metadata lines before the
// header). It produces daily mean dry-bulb temperatures for the configured
// station.
type Weather struct {
	ArchiveURL string // URL template, %d expands to the year
	Station    string // substring matched against file names inside the zip
	FirstYear  int
	CacheDir   string // downloaded zips and extracted CSVs live here

	HTTP *fetcher.HTTPFetcher
	FTP  *fetcher.FTPFetcher
	Now  func() time.Time
}

func (w *Weather) ID() model.SourceID { return model.SourceWeather }

func (w *Weather) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Weather) Fetch(ctx context.Context) (Result, error) {
	res := Result{Source: w.ID()}
	if err := os.MkdirAll(w.CacheDir, 0o755); err != nil {
		return res, eris.Wrapf(ErrUnavailable, "weather cache dir: %v", err)
	}

	currentYear := w.now().Year()
	var stationFiles []string
	var fetchedAny bool
	for year := w.FirstYear; year <= currentYear; year++ {
		files, err := w.ensureYear(ctx, year, currentYear)
		if err != nil {
			zap.L().Warn("weather archive skipped",
				zap.Int("year", year),
				zap.Error(err),
			)
			continue
		}
		fetchedAny = true
		stationFiles = append(stationFiles, files...)
	}
	if !fetchedAny {
		return res, eris.Wrapf(ErrUnavailable, "no weather archive reachable (%d..%d)", w.FirstYear, currentYear)
	}
	if len(stationFiles) == 0 {
		return res, eris.Wrapf(ErrEmpty, "no file matched station %q", w.Station)
	}

	obs, malformed, err := w.dailyMeans(ctx, stationFiles)
	if err != nil {
		return res, err
	}
	if len(obs) == 0 {
		return res, eris.Wrapf(ErrEmpty, "station %q yielded no readings", w.Station)
	}
	res.Observations = obs
	res.MalformedRows = malformed
	zap.L().Info("weather archives ingested",
		zap.Int("station_files", len(stationFiles)),
		zap.Int("daily_means", len(obs)),
		zap.Int("malformed", malformed),
	)
	return res, nil
}

// ensureYear downloads and extracts one annual archive. Prior years are
// served from cache; the current year is always re-downloaded since the
// archive grows month by month.
func (w *Weather) ensureYear(ctx context.Context, year, currentYear int) ([]string, error) {
	zipPath := filepath.Join(w.CacheDir, fmt.Sprintf("%d.zip", year))
	cached := fileExists(zipPath)

	if !cached || year == currentYear {
		url := fmt.Sprintf(w.ArchiveURL, year)
		f := fetcher.ForURL(url, w.HTTP, w.FTP)
		if _, err := f.DownloadToFile(ctx, url, zipPath); err != nil {
			if cached {
				zap.L().Warn("re-download failed, using cached archive",
					zap.Int("year", year), zap.Error(err))
			} else {
				return nil, eris.Wrapf(err, "download archive %d", year)
			}
		}
	}

	extractDir := filepath.Join(w.CacheDir, fmt.Sprintf("%d", year))
	if err := os.MkdirAll(extractDir, 0o755); err != nil {
		return nil, eris.Wrap(err, "create extract dir")
	}
	names, err := fetcher.ExtractZIP(zipPath, extractDir)
	if err != nil {
		return nil, eris.Wrapf(err, "extract archive %d", year)
	}

	needle := strings.ToUpper(w.Station)
	var matched []string
	for _, name := range names {
		if strings.Contains(strings.ToUpper(filepath.Base(name)), needle) {
			matched = append(matched, name)
		}
	}
	return matched, nil
}

// dailyMeans parses the station CSVs and averages hourly dry-bulb readings
// per calendar day.
func (w *Weather) dailyMeans(ctx context.Context, paths []string) ([]model.Observation, int, error) {
	days := make(map[model.CalendarKey]*tempAcc)
	var malformed int

	for _, path := range paths {
		if err := w.accumulateFile(ctx, path, days, &malformed); err != nil {
			return nil, 0, err
		}
	}

	keys := make([]model.CalendarKey, 0, len(days))
	for k := range days {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	obs := make([]model.Observation, 0, len(keys))
	for _, k := range keys {
		a := days[k]
		obs = append(obs, model.Observation{
			Source: model.SourceWeather,
			Key:    k,
			Metric: model.MetricTempMeanC,
			Value:  a.sum / float64(a.count),
			Unit:   "°C",
		})
	}
	return obs, malformed, nil
}

func (w *Weather) accumulateFile(ctx context.Context, path string, days map[model.CalendarKey]*tempAcc, malformed *int) error {
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrapf(ErrFormat, "open station file %s: %v", path, err)
	}
	defer f.Close()

	headerCh := make(chan []string, 1)
	rowCh, errCh := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{
		Delimiter:  ';',
		HasHeader:  true,
		HeaderCh:   headerCh,
		Latin1:     true,
		LazyQuotes: true,
		TrimSpace:  true,
		SkipRows:   8, // station metadata block before the header
	})

	header, ok := <-headerCh
	if !ok {
		// Input ran out before a header row: empty or truncated file.
		for range rowCh {
		}
		if err := <-errCh; err != nil {
			return eris.Wrapf(ErrFormat, "parse station file %s: %v", filepath.Base(path), err)
		}
		return eris.Wrapf(ErrFormat, "station file %s truncated before header", filepath.Base(path))
	}
	dateCol, tempCol := weatherColumns(header)
	if tempCol < 0 {
		// Drain per StreamCSV's contract before reporting.
		for range rowCh {
		}
		<-errCh
		return eris.Wrapf(ErrFormat, "no temperature column in %s", filepath.Base(path))
	}

	for row := range rowCh {
		if len(row) <= tempCol || len(row) <= dateCol {
			*malformed++
			continue
		}
		day, ok := parseWeatherDate(row[dateCol])
		if !ok {
			*malformed++
			continue
		}
		temp, err := ParseDecimalComma(row[tempCol])
		if err != nil {
			*malformed++
			continue
		}
		key := model.DailyKey(day.Year(), day.Month(), day.Day())
		if days[key] == nil {
			days[key] = &tempAcc{}
		}
		days[key].sum += temp
		days[key].count++
	}
	if err := <-errCh; err != nil {
		return eris.Wrapf(ErrFormat, "parse station file %s: %v", path, err)
	}
	return nil
}

type tempAcc struct {
	sum   float64
	count int
}

// weatherColumns locates the date and dry-bulb temperature columns. Station
// layouts vary across years, so matching is by normalized substring: prefer
// the dry-bulb air temperature, fall back to any temperature that is not a
// dew point.
func weatherColumns(header []string) (dateCol, tempCol int) {
	dateCol, tempCol = 0, -1
	fallback := -1
	for i, h := range header {
		n := normalizeHeader(h)
		if n == "data" || strings.HasPrefix(n, "data") {
			dateCol = i
		}
		if strings.Contains(n, "temperatura do ar") && strings.Contains(n, "bulbo seco") {
			tempCol = i
		}
		if fallback < 0 && strings.Contains(n, "temperatura") && !strings.Contains(n, "orvalho") {
			fallback = i
		}
	}
	if tempCol < 0 {
		tempCol = fallback
	}
	return dateCol, tempCol
}

// normalizeHeader lowercases and strips the Portuguese accents that vary
// between archive years.
func normalizeHeader(s string) string {
	s = strings.ToLower(s)
	replacer := strings.NewReplacer(
		"ã", "a", "á", "a", "â", "a",
		"é", "e", "ê", "e", "í", "i",
		"ó", "o", "ô", "o", "õ", "o",
		"ú", "u", "ç", "c",
	)
	return strings.TrimSpace(replacer.Replace(s))
}

var weatherDateFormats = []string{"2006/01/02", "02/01/2006", "2006-01-02"}

func parseWeatherDate(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range weatherDateFormats {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
