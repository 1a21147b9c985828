package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	im "bqddl/internal/migrator"
)

func statusLabel(s im.StepStatus) string {
	switch s {
	case im.StatusOK:
		return color.New(color.FgGreen).Sprint("OK     ")
	case im.StatusFailed:
		return color.New(color.FgRed).Sprint("FAILED ")
	case im.StatusSkipped:
		return color.New(color.FgYellow).Sprint("SKIPPED")
	}
	return string(s)
}

func printReport(w io.Writer, rep *im.Report) {
	fmt.Fprintf(w, "%s started %s", rep.Operation, rep.StartedAt.Format(time.RFC3339))
	if !rep.Snapshot.IsZero() {
		fmt.Fprintf(w, ", snapshot %d (%s)", rep.Snapshot.Millis(), rep.Snapshot.Time().Format(time.RFC3339))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "STATUS\tPHASE\tKIND\tRESOURCE\tACTION\tERROR")
	for _, s := range rep.Steps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", statusLabel(s.Status), s.Phase, s.Kind, s.Resource, s.Action, s.Error)
	}

	var ok, failed, skipped int
	for _, s := range rep.Steps {
		switch s.Status {
		case im.StatusOK:
			ok++
		case im.StatusFailed:
			failed++
		case im.StatusSkipped:
			skipped++
		}
	}
	outcome := color.New(color.FgGreen).Sprint("succeeded")
	if rep.Failed() {
		outcome = color.New(color.FgRed).Sprint("failed")
	}
	fmt.Fprintf(w, "%s %s: %d ok, %d failed, %d skipped", rep.Operation, outcome, ok, failed, skipped)
	if rep.RolledBack && rep.Operation == im.OpApply {
		fmt.Fprint(w, ", rolled back")
	}
	fmt.Fprintln(w)
}

func printCheck(w io.Writer, res im.CheckResult) {
	for _, loc := range res.Missing {
		fmt.Fprintf(w, "%s\t%s\n", color.New(color.FgRed).Sprint("MISSING"), loc)
	}
	for _, f := range res.Orphaned {
		fmt.Fprintf(w, "%s\t%s\n", color.New(color.FgYellow).Sprint("UNUSED "), f)
	}
	if res.OK() {
		fmt.Fprintf(w, "%s every planned resource has a statement\n", color.New(color.FgGreen).Sprint("OK"))
	}
}
