package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/plantops/chillwatch/internal/model"
)

// FormatSummary renders a run summary for the terminal.
func FormatSummary(s model.RunSummary) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Run %s\n", s.ID)
	fmt.Fprintf(&b, "Status: %s\n", s.Status)
	fmt.Fprintf(&b, "Started: %s\n", s.StartedAt.Format(time.RFC3339))
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "Finished: %s (%.1fs)\n", s.FinishedAt.Format(time.RFC3339), s.FinishedAt.Sub(s.StartedAt).Seconds())
	}
	if s.FatalError != "" {
		fmt.Fprintf(&b, "Fatal: %s\n", s.FatalError)
	}
	b.WriteString("\n")

	b.WriteString("## Sources\n")
	if len(s.Sources) == 0 {
		b.WriteString("No sources configured.\n")
	}
	for _, src := range s.Sources {
		if src.Skipped {
			fmt.Fprintf(&b, "- %s: skipped (%s)\n", src.Source, src.Error)
			continue
		}
		fmt.Fprintf(&b, "- %s: %d observations", src.Source, src.Observations)
		if src.MalformedRows > 0 {
			fmt.Fprintf(&b, ", %d malformed rows skipped", src.MalformedRows)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	b.WriteString("## Dataset\n")
	fmt.Fprintf(&b, "- Records merged: %d\n", s.RecordsMerged)
	fmt.Fprintf(&b, "- Records replaced: %d\n", s.RecordsReplaced)
	fmt.Fprintf(&b, "- Forecast records: %d\n", s.ForecastRecords)

	if len(s.Confidence) > 0 {
		b.WriteString("\n## Forecast confidence\n")
		for _, c := range s.Confidence {
			fmt.Fprintf(&b, "- %s: %d records, mean basis %.1f, min basis %d\n",
				c.Metric, c.Records, c.MeanBasis, c.MinBasis)
		}
	}

	return b.String()
}
