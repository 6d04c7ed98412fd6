// Package events builds the causally linked event sequence of one run.
package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stevehiehn/testagent/internal/results"
)

// Kind is one of the fixed event kinds.
type Kind string

const (
	Triggered       Kind = "ACTIVITY_TRIGGERED"
	Started         Kind = "ACTIVITY_STARTED"
	TestCaseResult  Kind = "TEST_CASE_RESULT"
	ArtifactCreated Kind = "ARTIFACT_CREATED"
	Finished        Kind = "ACTIVITY_FINISHED"
)

var validKinds = map[Kind]struct{}{
	Triggered:       {},
	Started:         {},
	TestCaseResult:  {},
	ArtifactCreated: {},
	Finished:        {},
}

// Outcome is the overall result carried by ACTIVITY_FINISHED.
type Outcome string

const (
	Pass    Outcome = "PASS"
	Fail    Outcome = "FAIL"
	Aborted Outcome = "ABORTED"
)

var (
	ErrInvalidEvent = errors.New("invalid event")
	ErrOutOfOrder   = errors.New("event constructed out of order")
)

// Link references a causally prior event. Kind is free-form so that an
// inbound cause from another system can be linked as-is.
type Link struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Event is immutable once built.
type Event struct {
	ID    string    `json:"event_id"`
	RunID string    `json:"run_id"`
	Kind  Kind      `json:"kind"`
	Seq   int       `json:"seq"`
	Time  time.Time `json:"time"`
	Links []Link    `json:"links"`
	Data  any       `json:"data,omitempty"`
}

// LinksTo reports whether e links to the event with the given id.
func (e Event) LinksTo(id string) bool {
	for _, l := range e.Links {
		if l.ID == id {
			return true
		}
	}
	return false
}

type TriggeredData struct {
	Name  string `json:"name"`
	JobID string `json:"job_id"`
}

type StartedData struct {
	Command string `json:"command"`
	WorkDir string `json:"workdir,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type TestCaseData struct {
	Name    string          `json:"name"`
	Verdict results.Verdict `json:"verdict"`
	Reason  string          `json:"reason,omitempty"`
	Seq     uint64          `json:"seq"`
	Source  string          `json:"source,omitempty"`
}

type ArtifactData struct {
	Name      string `json:"name"`
	Reference string `json:"reference"`
	Size      int64  `json:"size"`
	Checksum  string `json:"checksum"`
	Algorithm string `json:"checksum_algorithm"`
}

type FinishedData struct {
	Outcome        Outcome       `json:"outcome"`
	Verdict        string        `json:"verdict,omitempty"`
	Conclusion     string        `json:"conclusion,omitempty"`
	Description    string        `json:"description"`
	ExitCode       *int          `json:"exit_code"`
	Signal         string        `json:"signal,omitempty"`
	TimedOut       bool          `json:"timed_out"`
	Cancelled      bool          `json:"cancelled,omitempty"`
	DurationMS     int64         `json:"duration_ms"`
	Tally          results.Tally `json:"tally"`
	PersistentLogs []string      `json:"persistent_logs,omitempty"`
}

// DeriveOutcome computes the overall outcome. aborted covers launch
// failure, timeout and cancellation. A missing exit code on a run that was
// not aborted means the process died by a signal and counts as a failure.
func DeriveOutcome(aborted bool, exitCode *int, tally results.Tally) Outcome {
	switch {
	case aborted:
		return Aborted
	case tally.Failed(), exitCode == nil, *exitCode != 0:
		return Fail
	}
	return Pass
}

// DefaultDescription is used when no verdict rule supplies one.
func DefaultDescription(name string, outcome Outcome, reason string) string {
	switch outcome {
	case Pass:
		return fmt.Sprintf("All %s tests completed successfully.", name)
	case Fail:
		return fmt.Sprintf("At least some %s tests failed.", name)
	}
	if reason != "" {
		return fmt.Sprintf("%s was aborted: %s", name, reason)
	}
	return fmt.Sprintf("%s was aborted.", name)
}

// Validate checks the envelope fields every sink relies on.
func Validate(e Event) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: event_id is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.RunID) == "" {
		return fmt.Errorf("%w: run_id is required", ErrInvalidEvent)
	}
	if e.Seq <= 0 {
		return fmt.Errorf("%w: seq must be > 0", ErrInvalidEvent)
	}
	if e.Time.IsZero() {
		return fmt.Errorf("%w: time is required", ErrInvalidEvent)
	}
	if _, ok := validKinds[e.Kind]; !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// CheckCausality verifies a constructed sequence: exactly one STARTED that
// precedes FINISHED, and every test case and artifact event links to it.
func CheckCausality(seq []Event) error {
	startedAt, finishedAt := -1, -1
	var startedID string
	for i, e := range seq {
		switch e.Kind {
		case Started:
			if startedAt >= 0 {
				return fmt.Errorf("%w: duplicate %s", ErrOutOfOrder, Started)
			}
			startedAt, startedID = i, e.ID
		case Finished:
			if finishedAt >= 0 {
				return fmt.Errorf("%w: duplicate %s", ErrOutOfOrder, Finished)
			}
			finishedAt = i
		}
	}
	if startedAt < 0 {
		return fmt.Errorf("%w: no %s", ErrOutOfOrder, Started)
	}
	if finishedAt >= 0 && finishedAt < startedAt {
		return fmt.Errorf("%w: %s before %s", ErrOutOfOrder, Finished, Started)
	}
	for _, e := range seq {
		switch e.Kind {
		case TestCaseResult, ArtifactCreated, Finished:
			if !e.LinksTo(startedID) {
				return fmt.Errorf("%w: %s %s does not link to %s", ErrOutOfOrder, e.Kind, e.ID, Started)
			}
		}
	}
	return nil
}

// Builder constructs a run's events in order and is the only place links
// are written. It is not safe for concurrent use.
type Builder struct {
	runID string
	newID func() string
	now   func() time.Time

	seq       []Event
	triggered *Event
	started   *Event
	finished  bool
}

// NewBuilder returns a builder for one run. nil newID and now select
// random UUIDs and the wall clock.
func NewBuilder(runID string, newID func() string, now func() time.Time) *Builder {
	if newID == nil {
		newID = uuid.NewString
	}
	if now == nil {
		now = time.Now
	}
	return &Builder{runID: runID, newID: newID, now: now}
}

func (b *Builder) build(kind Kind, links []Link, data any) Event {
	e := Event{
		ID:    b.newID(),
		RunID: b.runID,
		Kind:  kind,
		Seq:   len(b.seq) + 1,
		Time:  b.now().UTC(),
		Links: links,
		Data:  data,
	}
	b.seq = append(b.seq, e)
	return e
}

// Triggered builds the first event. cause may be nil when the run has no
// inbound causality reference.
func (b *Builder) Triggered(cause *Link, d TriggeredData) (Event, error) {
	if b.triggered != nil {
		return Event{}, fmt.Errorf("%w: %s already built", ErrOutOfOrder, Triggered)
	}
	links := []Link{}
	if cause != nil {
		links = append(links, *cause)
	}
	e := b.build(Triggered, links, d)
	b.triggered = &e
	return e, nil
}

func (b *Builder) Started(d StartedData) (Event, error) {
	if b.triggered == nil {
		return Event{}, fmt.Errorf("%w: %s requires %s", ErrOutOfOrder, Started, Triggered)
	}
	if b.started != nil {
		return Event{}, fmt.Errorf("%w: %s already built", ErrOutOfOrder, Started)
	}
	e := b.build(Started, []Link{{Kind: string(Triggered), ID: b.triggered.ID}}, d)
	b.started = &e
	return e, nil
}

func (b *Builder) linkStarted(kind Kind) ([]Link, error) {
	if b.started == nil {
		return nil, fmt.Errorf("%w: %s requires %s", ErrOutOfOrder, kind, Started)
	}
	if b.finished {
		return nil, fmt.Errorf("%w: %s after %s", ErrOutOfOrder, kind, Finished)
	}
	return []Link{{Kind: string(Started), ID: b.started.ID}}, nil
}

func (b *Builder) TestCase(r results.SubResult) (Event, error) {
	links, err := b.linkStarted(TestCaseResult)
	if err != nil {
		return Event{}, err
	}
	return b.build(TestCaseResult, links, TestCaseData{
		Name:    r.Name,
		Verdict: r.Verdict,
		Reason:  r.Reason,
		Seq:     r.Seq,
		Source:  r.Source,
	}), nil
}

func (b *Builder) Artifact(d ArtifactData) (Event, error) {
	links, err := b.linkStarted(ArtifactCreated)
	if err != nil {
		return Event{}, err
	}
	return b.build(ArtifactCreated, links, d), nil
}

// Finished builds the terminal event. It fails until Started was built.
func (b *Builder) Finished(d FinishedData) (Event, error) {
	links, err := b.linkStarted(Finished)
	if err != nil {
		return Event{}, err
	}
	b.finished = true
	return b.build(Finished, links, d), nil
}

// Events returns the constructed sequence so far.
func (b *Builder) Events() []Event {
	return append([]Event(nil), b.seq...)
}
