package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"

	"github.com/kalambet/tandem/internal/pipeline"
	"github.com/kalambet/tandem/internal/storage"
)

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	cyan   = color.New(color.FgCyan)
	bold   = color.New(color.Bold)
)

func printSuccess(format string, args ...any) {
	fmt.Fprintln(os.Stderr, green.Sprint("✓ "+fmt.Sprintf(format, args...)))
}

func printError(format string, args ...any) {
	fmt.Fprintln(os.Stderr, red.Sprint("✗ "+fmt.Sprintf(format, args...)))
}

func printWarning(format string, args ...any) {
	fmt.Fprintln(os.Stderr, yellow.Sprint("⚠ "+fmt.Sprintf(format, args...)))
}

func printStep(format string, args ...any) {
	fmt.Fprintln(os.Stderr, cyan.Sprint("→ "+fmt.Sprintf(format, args...)))
}

func fprintStatus(w io.Writer, label string, format string, args ...any) {
	fmt.Fprintf(w, "  %s %s\n", bold.Sprint(label+":"), fmt.Sprintf(format, args...))
}

func statusColor(status storage.RunStatus) *color.Color {
	switch status {
	case storage.RunCompleted:
		return green
	case storage.RunFailed:
		return red
	default:
		return yellow
	}
}

func outcomeColor(o pipeline.Outcome) *color.Color {
	switch o {
	case pipeline.OutcomeCompleted, pipeline.OutcomeAlreadyProcessed, pipeline.OutcomeNothingToDo:
		return green
	case pipeline.OutcomePartiallyFailed:
		return yellow
	default:
		return red
	}
}

// renderReport writes a human summary of a batch run.
func renderReport(w io.Writer, r pipeline.Report) {
	fprintStatus(w, "Batch date", "%s", r.BatchDate)
	fprintStatus(w, "Outcome", "%s", outcomeColor(r.Outcome).Sprint(r.Outcome))
	if r.Message != "" {
		fprintStatus(w, "Message", "%s", r.Message)
	}
	if r.AlreadyProcessed {
		return
	}

	s := r.Summary
	fprintStatus(w, "Journals", "%d", s.JournalsProcessed)
	fprintStatus(w, "Relationships", "%d (%d ok, %d failed)", s.RelationshipsAnalyzed, s.SuccessfulBatches, s.FailedBatches)
	fprintStatus(w, "Suggestions", "%d", s.SuggestionsGenerated)

	if len(r.Results) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RELATIONSHIP\tSTATUS\tENTRIES\tSUGGESTIONS\tERROR")
	for _, res := range r.Results {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n",
			res.RelationshipID,
			statusColor(res.Status).Sprint(res.Status),
			res.EntriesProcessed,
			res.SuggestionsGenerated,
			res.Error,
		)
	}
	tw.Flush()
}

// renderRuns writes the ledger rows of one batch date as a table.
func renderRuns(w io.Writer, batchDate string, runs []storage.BatchRun) {
	if len(runs) == 0 {
		fmt.Fprintf(w, "No runs recorded for %s\n", batchDate)
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RELATIONSHIP\tRUN\tSTATUS\tENTRIES\tSUGGESTIONS\tUPDATED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.RelationshipID,
			r.ID,
			statusColor(r.Status).Sprint(r.Status),
			r.EntriesProcessed,
			r.SuggestionsGenerated,
			r.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
			r.ErrorMessage,
		)
	}
	tw.Flush()
}
