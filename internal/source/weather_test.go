package source

import (
	"archive/zip"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plantops/chillwatch/internal/fetcher"
	"github.com/plantops/chillwatch/internal/model"
)

const stationCSV = "REGIAO:;SE\n" +
	"UF:;SP\n" +
	"ESTACAO:;SAO PAULO - MIRANTE\n" +
	"CODIGO (WMO):;A701\n" +
	"LATITUDE:;-23,49\n" +
	"LONGITUDE:;-46,62\n" +
	"ALTITUDE:;786\n" +
	"DATA DE FUNDACAO:;25/07/06\n" +
	"Data;Hora UTC;PRECIPITACAO TOTAL, HORARIO (mm);TEMPERATURA DO AR - BULBO SECO, HORARIA (C);TEMPERATURA DO PONTO DE ORVALHO (C)\n" +
	"2020/01/01;0000 UTC;0;24,0;18,0\n" +
	"2020/01/01;0100 UTC;0;26,0;18,0\n" +
	"2020/01/02;0000 UTC;0;20,0;17,0\n" +
	"2020/01/02;0100 UTC;;bogus;17,0\n"

func buildArchive(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func weatherAdapter(t *testing.T, serverURL string) *Weather {
	t.Helper()
	return &Weather{
		ArchiveURL: serverURL + "/%d.zip",
		Station:    "SAO PAULO - MIRANTE",
		FirstYear:  2020,
		CacheDir:   t.TempDir(),
		HTTP:       fetcher.NewHTTPFetcher(fetcher.HTTPOptions{MaxRetries: 1}),
		Now:        func() time.Time { return time.Date(2020, 6, 15, 0, 0, 0, 0, time.UTC) },
	}
}

func TestWeatherFetchDailyMeans(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"2020/INMET_SE_SP_A701_SAO PAULO - MIRANTE_01-01-2020_A_31-12-2020.CSV": stationCSV,
		"2020/INMET_SE_SP_A999_OUTRA ESTACAO_01-01-2020_A_31-12-2020.CSV":       stationCSV,
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	w := weatherAdapter(t, srv.URL)
	res, err := w.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.SourceWeather, res.Source)
	assert.Equal(t, 1, res.MalformedRows)

	day1 := findObservation(t, res.Observations, model.DailyKey(2020, time.January, 1), model.MetricTempMeanC)
	assert.InDelta(t, 25.0, day1.Value, 1e-9) // mean of 24 and 26

	day2 := findObservation(t, res.Observations, model.DailyKey(2020, time.January, 2), model.MetricTempMeanC)
	assert.InDelta(t, 20.0, day2.Value, 1e-9)
}

func TestWeatherFetchUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	w := weatherAdapter(t, srv.URL)
	_, err := w.Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestWeatherFetchNoStationMatch(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"2020/INMET_SE_SP_A999_OUTRA ESTACAO_01-01-2020_A_31-12-2020.CSV": stationCSV,
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	w := weatherAdapter(t, srv.URL)
	w.Station = "ESTACAO INEXISTENTE"
	_, err := w.Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestWeatherFetchUsesCachedPriorYear(t *testing.T) {
	archive := buildArchive(t, map[string]string{
		"2020/INMET_SE_SP_A701_SAO PAULO - MIRANTE_01-01-2020_A_31-12-2020.CSV": stationCSV,
	})
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	w := weatherAdapter(t, srv.URL)
	// 2020 is a prior year from 2021's point of view; its zip is cached.
	w.Now = func() time.Time { return time.Date(2021, 6, 15, 0, 0, 0, 0, time.UTC) }

	_, err := w.Fetch(context.Background())
	require.NoError(t, err)
	firstRun := hits

	_, err = w.Fetch(context.Background())
	require.NoError(t, err)

	// Second run re-fetches only the current year (2021), not 2020.
	assert.Equal(t, firstRun+1, hits)
}

func TestWeatherFetchTruncatedStationFile(t *testing.T) {
	// A file shorter than the metadata block must fail as a format error,
	// not stall the fetch waiting for a header that never arrives.
	archive := buildArchive(t, map[string]string{
		"2020/INMET_SE_SP_A701_SAO PAULO - MIRANTE_01-01-2020_A_31-12-2020.CSV": "REGIAO:;SE\nUF:;SP\n",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer srv.Close()

	w := weatherAdapter(t, srv.URL)
	_, err := w.Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFormat)
	assert.Contains(t, err.Error(), "truncated before header")
}
