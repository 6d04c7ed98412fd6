package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/stevehiehn/testagent/internal/artifact"
	dagerrors "github.com/stevehiehn/testagent/internal/errors"
	"github.com/stevehiehn/testagent/internal/events"
	"github.com/stevehiehn/testagent/internal/job"
	"github.com/stevehiehn/testagent/internal/plan"
	"github.com/stevehiehn/testagent/internal/results"
	"github.com/stevehiehn/testagent/internal/runner"
	"github.com/stevehiehn/testagent/internal/verdict"
)

// run holds the mutable state of a single execution.
type run struct {
	driver *Driver
	report *RunReport
	desc   *job.Descriptor
	plan   *plan.Plan

	matcher *verdict.Matcher
	parser  *results.Parser
	events  *events.Builder
	log     bytes.Buffer

	logger *slog.Logger
	span   trace.Span
}

func (r *run) execute(ctx context.Context, inputs map[string]string) error {
	cfg := r.driver.cfg

	p, err := Explain(r.desc, inputs, cfg.Expander, cfg.DefaultTimeout)
	if err != nil {
		return err
	}
	rules := r.desc.VerdictRules
	if len(rules) == 0 {
		rules = cfg.Rules
	}
	r.matcher, err = verdict.NewMatcher(rules)
	if err != nil {
		return &dagerrors.RunError{Type: dagerrors.ValidationError, Field: "verdict_rules", Message: err.Error()}
	}
	r.plan = p
	r.report.Plan = p
	if err := r.transition(Resolved); err != nil {
		return err
	}

	if err := r.announce(); err != nil {
		return err
	}
	if err := r.transition(Running); err != nil {
		return err
	}

	proc, err := runner.Start(ctx, p, cfg.Runner)
	if err != nil {
		err = r.launchFailed(err)
	} else {
		err = r.supervise(proc)
	}
	if err != nil {
		return err
	}
	if !r.report.State.Terminal() {
		return fmt.Errorf("engine: run left supervision in non-terminal state %s", r.report.State)
	}

	// Storage and the sink must still be reachable after cancellation so
	// that the outcome of an aborted run is reported.
	detached := context.WithoutCancel(ctx)
	r.collect(detached)
	if err := r.finish(); err != nil {
		return err
	}
	if err := r.publish(detached); err != nil {
		return err
	}
	return r.transition(Reported)
}

func (r *run) transition(to State) error {
	if err := ValidateTransition(r.report.State, to); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	r.logger.Debug("run state changed", "from", string(r.report.State), "to", string(to))
	r.span.AddEvent(string(to))
	r.report.State = to
	return nil
}

// announce builds TRIGGERED and STARTED.
func (r *run) announce() error {
	var cause *events.Link
	if c := r.desc.Cause; c != nil {
		cause = &events.Link{Kind: c.Kind, ID: c.ID}
	}
	if _, err := r.events.Triggered(cause, events.TriggeredData{Name: r.desc.Name, JobID: r.desc.ID}); err != nil {
		return err
	}
	r.driver.plugins.Triggered(r.desc.Name)

	started := events.StartedData{Command: r.plan.CommandLine(), WorkDir: r.plan.WorkDir}
	if r.plan.Timeout > 0 {
		started.Timeout = r.plan.Timeout.String()
	}
	if _, err := r.events.Started(started); err != nil {
		return err
	}
	r.driver.plugins.Started(r.desc.Name)
	return nil
}

func (r *run) launchFailed(err error) error {
	var re *dagerrors.RunError
	if !errors.As(err, &re) {
		re = dagerrors.NewLaunchError(err)
	}
	r.report.Abort = re
	fmt.Fprintf(&r.log, "launch failed: %s\n", re.Message)
	r.logger.Error("launch failed", "command", r.plan.CommandLine(), "error", re.Message)
	return r.transition(LaunchFailed)
}

// supervise is the single consumer of the process output. Every line goes
// to the log; marker lines also become sub-results.
func (r *run) supervise(proc *runner.Process) error {
	r.logger.Info("process started", "pid", proc.Pid(), "command", r.plan.CommandLine())
	for line := range proc.Lines() {
		r.log.WriteString(line.Text)
		r.log.WriteByte('\n')
		if res, ok := r.parser.Feed(line.Text, string(line.Source)); ok {
			r.addResult(res)
		}
	}

	outcome := proc.Wait()
	r.report.Process = &outcome
	log := r.logger.With("duration", outcome.Duration)
	switch {
	case outcome.TimedOut:
		r.report.Abort = &dagerrors.RunError{
			Type:    dagerrors.Timeout,
			Message: fmt.Sprintf("timed out after %s", r.plan.Timeout),
			Hint:    "Raise the job timeout or TESTAGENT_DEFAULT_TIMEOUT",
		}
		log.Warn("process timed out", "signal", outcome.Signal)
		return r.transition(TimedOut)
	case outcome.Cancelled:
		r.report.Abort = &dagerrors.RunError{Type: dagerrors.Cancelled, Message: "run was cancelled"}
		log.Warn("process cancelled", "signal", outcome.Signal)
		return r.transition(Cancelled)
	}
	r.report.Evaluated = true
	if outcome.ExitCode != nil {
		log.Info("process exited", "exit_code", *outcome.ExitCode)
	} else {
		log.Warn("process killed", "signal", outcome.Signal)
	}
	return r.transition(Completed)
}

func (r *run) addResult(res results.SubResult) {
	r.report.SubResults = append(r.report.SubResults, res)
	if res.Anomaly {
		r.report.Warnings = append(r.report.Warnings, &dagerrors.RunError{
			Type:    dagerrors.ParserAnomaly,
			Message: fmt.Sprintf("malformed result marker: %s", res.Reason),
			Hint:    "Markers look like RESULT|<name>|<PASS|FAIL|SKIP|ERROR>|<reason>",
		})
		r.logger.Warn("malformed result marker", "line", res.Reason)
	}
	if _, err := r.events.TestCase(res); err != nil {
		r.logger.Error("building test case event", "test_case", res.Name, "error", err)
	}
	r.driver.plugins.TestCase(res)
}

// collect stores the log and, unless the launch failed, the declared
// artifacts.
func (r *run) collect(ctx context.Context) {
	req := artifact.Request{WorkDir: r.plan.WorkDir, Log: r.log.Bytes()}
	launched := r.report.State != LaunchFailed
	if launched {
		req.Patterns = r.plan.Artifacts
		req.ArchiveWorkspace = r.desc.ArchiveWorkspace
	}
	c := r.driver.artifacts.Collect(ctx, req)
	r.report.Artifacts = c.Artifacts
	r.report.Logs = c.Logs
	r.report.Warnings = append(r.report.Warnings, c.Warnings...)
	r.report.Failures = append(r.report.Failures, c.Failures...)
	r.span.AddEvent("artifacts collected")

	if !launched {
		return
	}
	for _, ref := range c.All() {
		if _, err := r.events.Artifact(events.ArtifactData{
			Name:      ref.Name,
			Reference: ref.Ref,
			Size:      ref.Size,
			Checksum:  ref.Checksum,
			Algorithm: artifact.Algorithm,
		}); err != nil {
			r.logger.Error("building artifact event", "artifact", ref.Name, "error", err)
		}
	}
}

// finish derives the outcome and builds ACTIVITY_FINISHED.
func (r *run) finish() error {
	rep := r.report
	rep.Tally = r.parser.Tally()

	var exitCode *int
	if rep.Process != nil {
		exitCode = rep.Process.ExitCode
	}
	aborted := rep.State != Completed
	rep.Outcome = events.DeriveOutcome(aborted, exitCode, rep.Tally)

	// Rules only apply when the job or the configuration declares them.
	if rule := r.matcher.Evaluate([]*int{exitCode}); rule != nil {
		rep.Verdict = rule.Verdict
		rep.Conclusion = rule.Conclusion
		rep.Description = rule.Description
		r.logger.Info("verdict rule matched", "rule", rule.Description, "verdict", rule.Verdict)
	} else {
		rep.Verdict, rep.Conclusion = verdict.Derive(rep.Evaluated, rep.Outcome == events.Pass)
	}
	if aborted || rep.Description == "" {
		reason := ""
		if rep.Abort != nil {
			reason = rep.Abort.Message
		}
		rep.Description = events.DefaultDescription(rep.Name, rep.Outcome, reason)
	}

	data := events.FinishedData{
		Outcome:     rep.Outcome,
		Verdict:     rep.Verdict,
		Conclusion:  rep.Conclusion,
		Description: rep.Description,
		ExitCode:    exitCode,
		Tally:       rep.Tally,
	}
	if p := rep.Process; p != nil {
		data.Signal = p.Signal
		data.TimedOut = p.TimedOut
		data.Cancelled = p.Cancelled
		data.DurationMS = p.Duration.Milliseconds()
	}
	for _, l := range rep.Logs {
		data.PersistentLogs = append(data.PersistentLogs, l.Ref)
	}
	if _, err := r.events.Finished(data); err != nil {
		return err
	}
	r.driver.plugins.Finished(rep.Name, rep.Outcome)
	return nil
}

func (r *run) publish(ctx context.Context) error {
	seq := r.events.Events()
	res, err := r.driver.publisher.Publish(ctx, seq)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	rep := r.report
	rep.Events = seq
	rep.Deliveries = res.Deliveries
	rep.Degraded = res.Degraded
	rep.DroppedEvents = res.Dropped
	r.span.AddEvent("events published")

	log := r.logger.With("outcome", string(rep.Outcome), "events", len(seq))
	if res.Degraded {
		log.Warn("event chain degraded", "dropped", len(res.Dropped), "started_dropped", res.StartedDropped)
		return nil
	}
	log.Info("run reported")
	return nil
}
