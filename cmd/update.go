package main

import (
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plantops/chillwatch/internal/fetcher"
	"github.com/plantops/chillwatch/internal/output"
	"github.com/plantops/chillwatch/internal/pipeline"
	"github.com/plantops/chillwatch/internal/source"
)

// errPartialRun signals that the run finished but at least one source was
// skipped; main maps it to exit code 3.
var errPartialRun = eris.New("run completed with skipped sources")

var (
	updateCLPPath          string
	updateCLPAuthoritative bool
	updateWeatherDir       string
	updateOffline          bool
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Fetch all sources, merge into the dataset, regenerate the forecast",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		writer, err := output.NewWriter(filepath.Dir(cfg.Paths.OutputFile),
			output.WithSummaryPath(cfg.Paths.SummaryFile))
		if err != nil {
			return err
		}

		p := pipeline.New(cfg, st, buildSources(), writer)
		summary, err := p.Run(ctx)
		if err != nil {
			return err
		}

		cmd.Println(pipeline.FormatSummary(*summary))
		if len(summary.SkippedSources()) > 0 {
			return errPartialRun
		}
		return nil
	},
}

// buildSources assembles the adapters for one run. Offline mode keeps only
// the local equipment export.
func buildSources() []source.Adapter {
	clpPath := cfg.CLP.ExportPath
	if updateCLPPath != "" {
		clpPath = updateCLPPath
	}

	sources := []source.Adapter{
		&source.CLP{
			Path:          clpPath,
			MinPowerKW:    cfg.CLP.MinPowerKW,
			Authoritative: updateCLPAuthoritative,
		},
	}

	if updateOffline {
		zap.L().Info("offline mode: network sources disabled")
		return sources
	}

	httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{})
	weatherDir := updateWeatherDir
	if weatherDir == "" {
		weatherDir = filepath.Join(cfg.Paths.DataDir, "weather")
	}

	sources = append(sources,
		&source.Weather{
			ArchiveURL: cfg.Weather.ArchiveURL,
			Station:    cfg.Weather.Station,
			FirstYear:  cfg.Weather.FirstYear,
			CacheDir:   weatherDir,
			HTTP:       httpFetcher,
			FTP:        fetcher.NewFTPFetcher(60 * time.Second),
		},
		&source.Emissions{
			BaseURL:      cfg.Emissions.BaseURL,
			BaseYear:     cfg.Emissions.BaseYear,
			BaseWorkbook: cfg.Emissions.BaseWorkbook,
			CacheDir:     filepath.Join(cfg.Paths.DataDir, "emissions"),
			MinYear:      cfg.Emissions.MinYear,
			HTTP:         httpFetcher,
		},
	)
	return sources
}

func init() {
	updateCmd.Flags().StringVar(&updateCLPPath, "clp", "", "chiller export file (default from config)")
	updateCmd.Flags().BoolVar(&updateCLPAuthoritative, "clp-authoritative", false, "treat the export as a correction that may overwrite merged values")
	updateCmd.Flags().StringVar(&updateWeatherDir, "weather-dir", "", "weather archive cache directory (default under data dir)")
	updateCmd.Flags().BoolVar(&updateOffline, "offline", false, "skip network sources, ingest only the local export")
	rootCmd.AddCommand(updateCmd)
}
