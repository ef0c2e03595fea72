package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/plantops/chillwatch/internal/model"
	"github.com/plantops/chillwatch/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last run and dataset coverage",
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

		last, err := st.LastRun(ctx)
		if err != nil {
			return eris.Wrap(err, "load last run")
		}
		if last == nil {
			cmd.Println("No runs recorded yet.")
		} else {
			cmd.Println(pipeline.FormatSummary(*last))
		}

		history, err := st.GetHistory(ctx)
		if err != nil {
			return eris.Wrap(err, "load history")
		}
		cmd.Println(formatCoverage(history))
		return nil
	},
}

// formatCoverage summarizes per-metric record counts and calendar span.
func formatCoverage(history []model.HistoricalRecord) string {
	if len(history) == 0 {
		return "Dataset is empty."
	}

	type span struct {
		count int
		first model.CalendarKey
		last  model.CalendarKey
	}
	byMetric := make(map[model.Metric]*span)
	for _, r := range history {
		s := byMetric[r.Metric]
		if s == nil {
			s = &span{first: r.Key, last: r.Key}
			byMetric[r.Metric] = s
		}
		s.count++
		if r.Key.Before(s.first) {
			s.first = r.Key
		}
		if s.last.Before(r.Key) {
			s.last = r.Key
		}
	}

	metrics := make([]model.Metric, 0, len(byMetric))
	for m := range byMetric {
		metrics = append(metrics, m)
	}
	sort.Slice(metrics, func(i, j int) bool { return metrics[i] < metrics[j] })

	var b strings.Builder
	b.WriteString("## Coverage\n")
	for _, m := range metrics {
		s := byMetric[m]
		fmt.Fprintf(&b, "- %s: %s .. %s (%d records)\n", m, s.first, s.last, s.count)
	}
	return b.String()
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
