package engine

import (
	"github.com/stevehiehn/testagent/internal/artifact"
	dagerrors "github.com/stevehiehn/testagent/internal/errors"
	"github.com/stevehiehn/testagent/internal/events"
	"github.com/stevehiehn/testagent/internal/plan"
	"github.com/stevehiehn/testagent/internal/publish"
	"github.com/stevehiehn/testagent/internal/results"
	"github.com/stevehiehn/testagent/internal/runner"
)

// RunReport is the structured output of one run.
type RunReport struct {
	RunID   string         `json:"run_id"`
	JobID   string         `json:"job_id"`
	Name    string         `json:"name"`
	State   State          `json:"state"`
	Plan    *plan.Plan     `json:"plan,omitempty"`
	Outcome events.Outcome `json:"outcome,omitempty"`

	// Evaluated is true when the test process ran to completion and its
	// output was judged. A false value with an ABORTED outcome means the
	// infrastructure failed, not the tests.
	Evaluated bool `json:"evaluated"`

	Verdict     string `json:"verdict,omitempty"`
	Conclusion  string `json:"conclusion,omitempty"`
	Description string `json:"description,omitempty"`

	Process    *runner.Outcome     `json:"process,omitempty"`
	Abort      *dagerrors.RunError `json:"abort,omitempty"`
	SubResults []results.SubResult `json:"sub_results"`
	Tally      results.Tally       `json:"tally"`

	Artifacts []artifact.Reference  `json:"artifacts"`
	Logs      []artifact.Reference  `json:"logs"`
	Warnings  []*dagerrors.RunError `json:"warnings,omitempty"`
	Failures  []*dagerrors.RunError `json:"failures,omitempty"`

	Events        []events.Event     `json:"-"`
	Deliveries    []publish.Delivery `json:"deliveries"`
	Degraded      bool               `json:"degraded"`
	DroppedEvents []string           `json:"dropped_events,omitempty"`
}

// Failed reports whether the run did not pass.
func (r *RunReport) Failed() bool {
	return r.Outcome != events.Pass
}
