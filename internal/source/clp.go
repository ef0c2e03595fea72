package source

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/plantops/chillwatch/internal/fetcher"
	"github.com/plantops/chillwatch/internal/model"
	"github.com/plantops/chillwatch/internal/normalize"
)

// CLP ingests chiller equipment exports: a semicolon CSV (latin-1, decimal
// comma, day-first timestamps) or an XLSX workbook, selected by extension.
// Rows carry timestamp, chiller id, electrical kW, thermal kW, COP.
type CLP struct {
	Path          string
	MinPowerKW    float64
	Authoritative bool // re-exported file correcting a previously partial month
}

func (c *CLP) ID() model.SourceID { return model.SourceCLP }

// clpTimeFormats are the timestamp layouts equipment exports use, day first.
var clpTimeFormats = []string{
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
	"2006-01-02 15:04:05",
}

func (c *CLP) Fetch(ctx context.Context) (Result, error) {
	res := Result{Source: c.ID()}

	if _, err := os.Stat(c.Path); err != nil {
		return res, eris.Wrapf(ErrUnavailable, "clp export %s: %v", c.Path, err)
	}

	var samples []normalize.Sample
	var malformed int
	var err error
	switch strings.ToLower(filepath.Ext(c.Path)) {
	case ".xlsx":
		samples, malformed, err = c.readXLSX()
	default:
		samples, malformed, err = c.readCSV(ctx)
	}
	if err != nil {
		return res, err
	}
	if len(samples) == 0 {
		return res, eris.Wrapf(ErrEmpty, "clp export %s", c.Path)
	}

	res.Observations = normalize.ChillerDaily(samples, c.MinPowerKW, c.Authoritative)
	res.MalformedRows = malformed
	zap.L().Info("clp export ingested",
		zap.String("path", c.Path),
		zap.Int("samples", len(samples)),
		zap.Int("malformed", malformed),
		zap.Bool("authoritative", c.Authoritative),
	)
	return res, nil
}

func (c *CLP) readCSV(ctx context.Context) ([]normalize.Sample, int, error) {
	f, err := os.Open(c.Path)
	if err != nil {
		return nil, 0, eris.Wrapf(ErrUnavailable, "open %s: %v", c.Path, err)
	}
	defer f.Close()

	rowCh, errCh := fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{
		Delimiter: ';',
		HasHeader: true,
		Latin1:    true,
		TrimSpace: true,
	})

	var samples []normalize.Sample
	var malformed int
	for row := range rowCh {
		s, ok := parseCLPRow(row)
		if !ok {
			malformed++
			continue
		}
		samples = append(samples, s)
	}
	if err := <-errCh; err != nil {
		return nil, 0, eris.Wrapf(ErrFormat, "parse %s: %v", c.Path, err)
	}
	return samples, malformed, nil
}

func (c *CLP) readXLSX() ([]normalize.Sample, int, error) {
	rows, err := fetcher.ReadXLSX(c.Path, fetcher.XLSXOptions{SkipRows: 1})
	if err != nil {
		return nil, 0, eris.Wrapf(ErrFormat, "read workbook %s: %v", c.Path, err)
	}

	var samples []normalize.Sample
	var malformed int
	for _, row := range rows {
		s, ok := parseCLPRow(row)
		if !ok {
			malformed++
			continue
		}
		samples = append(samples, s)
	}
	return samples, malformed, nil
}

// parseCLPRow decodes one export row. Rows missing a timestamp or a power
// value are malformed; thermal power and COP are optional.
func parseCLPRow(row []string) (normalize.Sample, bool) {
	if len(row) < 3 {
		return normalize.Sample{}, false
	}

	ts, ok := parseCLPTime(strings.TrimSpace(row[0]))
	if !ok {
		return normalize.Sample{}, false
	}
	power, err := ParseDecimalComma(row[2])
	if err != nil {
		return normalize.Sample{}, false
	}

	s := normalize.Sample{
		TS:        ts,
		ChillerID: strings.TrimSpace(row[1]),
		PowerKW:   power,
	}
	if len(row) > 3 {
		if v, err := ParseDecimalComma(row[3]); err == nil {
			s.ThermalKW = v
		}
	}
	if len(row) > 4 {
		if v, err := ParseDecimalComma(row[4]); err == nil {
			s.COP = v
		}
	}
	return s, true
}

func parseCLPTime(raw string) (time.Time, bool) {
	for _, layout := range clpTimeFormats {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// ParseDecimalComma parses a float that may use the Brazilian decimal comma.
func ParseDecimalComma(raw string) (float64, error) {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), " ", "")
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "parse number %q", raw)
	}
	return v, nil
}
