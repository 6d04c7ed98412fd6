package cmd

import (
	"fmt"
	"io"
	"slices"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/stevehiehn/testagent/internal/engine"
	"github.com/stevehiehn/testagent/internal/events"
	"github.com/stevehiehn/testagent/internal/plan"
	"github.com/stevehiehn/testagent/internal/publish"
	"github.com/stevehiehn/testagent/internal/results"
)

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	if title != "" {
		t.SetTitle(title)
	}
	return t
}

func colorVerdict(v results.Verdict) string {
	switch v {
	case results.Pass:
		return text.FgGreen.Sprint(v)
	case results.Fail, results.Error:
		return text.FgRed.Sprint(v)
	}
	return text.FgYellow.Sprint(v)
}

func colorOutcome(o events.Outcome) string {
	switch o {
	case events.Pass:
		return text.FgGreen.Sprint(o)
	case events.Fail:
		return text.FgRed.Sprint(o)
	}
	return text.FgYellow.Sprint(o)
}

func renderPlan(w io.Writer, p *plan.Plan) {
	t := newTable(w, "Plan: "+p.Name)
	t.AppendRow(table.Row{"Job", p.JobID})
	t.AppendRow(table.Row{"Command", p.CommandLine()})
	if p.WorkDir != "" {
		t.AppendRow(table.Row{"Workdir", p.WorkDir})
	}
	if p.Timeout > 0 {
		t.AppendRow(table.Row{"Timeout", p.Timeout})
	}
	names := make([]string, 0, len(p.Env))
	for name := range p.Env {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		t.AppendRow(table.Row{"Env", name + "=" + p.Env[name]})
	}
	for _, pattern := range p.Artifacts {
		t.AppendRow(table.Row{"Artifact", pattern})
	}
	t.Render()
}

func renderSubResults(w io.Writer, subs []results.SubResult, tally results.Tally) {
	if len(subs) == 0 {
		fmt.Fprintln(w, "No test case results reported.")
		return
	}
	t := newTable(w, "Test cases")
	t.AppendHeader(table.Row{"#", "Name", "Verdict", "Reason"})
	for _, r := range subs {
		t.AppendRow(table.Row{r.Seq, r.Name, colorVerdict(r.Verdict), r.Reason})
	}
	t.AppendFooter(table.Row{"", "Total", tally.Total(),
		fmt.Sprintf("pass %d, fail %d, skip %d, error %d", tally.Pass, tally.Fail, tally.Skip, tally.Error)})
	t.Render()
}

func renderReport(w io.Writer, r *engine.RunReport) {
	summary := newTable(w, "Run "+r.RunID)
	summary.AppendRow(table.Row{"Job", fmt.Sprintf("%s (%s)", r.Name, r.JobID)})
	summary.AppendRow(table.Row{"Outcome", colorOutcome(r.Outcome)})
	if r.Verdict != "" {
		summary.AppendRow(table.Row{"Verdict", fmt.Sprintf("%s / %s", r.Verdict, r.Conclusion)})
	}
	summary.AppendRow(table.Row{"Description", r.Description})
	if p := r.Process; p != nil {
		exit := "none"
		if p.ExitCode != nil {
			exit = fmt.Sprint(*p.ExitCode)
		}
		if p.Signal != "" {
			exit += " (" + p.Signal + ")"
		}
		summary.AppendRow(table.Row{"Exit code", exit})
		summary.AppendRow(table.Row{"Duration", p.Duration.Round(time.Millisecond)})
	}
	if r.Abort != nil {
		summary.AppendRow(table.Row{"Aborted", r.Abort.Error()})
	}
	if r.Degraded {
		summary.AppendRow(table.Row{"Events", text.FgYellow.Sprintf("degraded, %d dropped", len(r.DroppedEvents))})
	}
	summary.Render()

	renderSubResults(w, r.SubResults, r.Tally)

	if refs := slices.Concat(r.Logs, r.Artifacts); len(refs) > 0 {
		t := newTable(w, "Artifacts")
		t.AppendHeader(table.Row{"Name", "Size", "SHA-256", "Reference"})
		for _, ref := range refs {
			t.AppendRow(table.Row{ref.Name, ref.Size, shortSum(ref.Checksum), ref.Ref})
		}
		t.Render()
	}

	problems := slices.Concat(r.Warnings, r.Failures)
	if len(problems) > 0 {
		t := newTable(w, "Warnings and failures")
		t.AppendHeader(table.Row{"Type", "Message", "Hint"})
		for _, p := range problems {
			t.AppendRow(table.Row{p.Type, p.Error(), p.Hint})
		}
		t.Render()
	}

	if r.Degraded {
		t := newTable(w, "Dropped events")
		t.AppendHeader(table.Row{"Event", "Kind", "Attempts", "Error"})
		for _, d := range r.Deliveries {
			if d.Status == publish.Dropped {
				t.AppendRow(table.Row{d.EventID, d.Kind, d.Attempts, d.Error})
			}
		}
		t.Render()
	}
}

func shortSum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
