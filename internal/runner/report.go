package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"

	"github.com/tiger/voiceflow-regression/api/suite"
)

// WriteConsoleSummary renders the human-readable run table followed by
// mismatch detail for every non-passing case.
func WriteConsoleSummary(w io.Writer, summary suite.Summary) {
	fmt.Fprintf(w, "\nRegression run: %d total, %d passed, %d failed, %d errored, %d skipped\n\n",
		summary.Total, summary.Passed, summary.Failed, summary.Errored, summary.Skipped)

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Case", "Outcome", "Duration", "Detail"})
	table.SetAutoWrapText(false)
	for _, v := range summary.Verdicts {
		table.Append([]string{v.Case, string(v.Outcome), formatDuration(v), shortDetail(v)})
	}
	table.Render()

	for _, v := range summary.Verdicts {
		if v.Outcome == suite.VerdictPass || v.Outcome == suite.VerdictSkip {
			continue
		}
		fmt.Fprintf(w, "\n%s (%s):\n", v.Case, v.Outcome)
		if v.Err != "" {
			fmt.Fprintf(w, "  error: %s\n", v.Err)
		}
		for _, m := range v.Mismatches {
			fmt.Fprintf(w, "  %s\n", m.String())
		}
	}
}

func formatDuration(v suite.Verdict) string {
	if v.Outcome == suite.VerdictSkip {
		return "-"
	}
	return fmt.Sprintf("%dms", v.DurationMS)
}

func shortDetail(v suite.Verdict) string {
	switch {
	case v.Err != "":
		return v.Err
	case len(v.Mismatches) > 0:
		return v.Mismatches[0].String()
	case v.Record != nil && v.Record.Queue != "":
		return "queue " + v.Record.Queue
	default:
		return ""
	}
}

// WriteJSONReport writes the machine-readable report for CI consumption.
// When path names an existing directory the report lands in report.json
// inside it; otherwise path is the file itself.
func WriteJSONReport(path string, summary suite.Summary) error {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "report.json")
	}
	encoded, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, append(encoded, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}
