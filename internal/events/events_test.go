package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevehiehn/testagent/internal/results"
)

func counterIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("ev-%d", n)
	}
}

func fixedNow() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

func newTestBuilder() *Builder {
	return NewBuilder("run-1", counterIDs(), fixedNow)
}

func intp(v int) *int { return &v }

func TestBuilderFullSequence(t *testing.T) {
	b := newTestBuilder()
	cause := &Link{Kind: "UPSTREAM", ID: "cause-1"}

	trig, err := b.Triggered(cause, TriggeredData{Name: "suite", JobID: "job"})
	require.NoError(t, err)
	assert.Equal(t, []Link{*cause}, trig.Links)

	started, err := b.Started(StartedData{Command: "make test"})
	require.NoError(t, err)
	assert.Equal(t, []Link{{Kind: string(Triggered), ID: trig.ID}}, started.Links)

	tc, err := b.TestCase(results.SubResult{Seq: 1, Name: "a", Verdict: results.Pass})
	require.NoError(t, err)
	assert.True(t, tc.LinksTo(started.ID))

	art, err := b.Artifact(ArtifactData{Name: "report.xml", Reference: "file:///x", Size: 3, Checksum: "abc", Algorithm: "sha256"})
	require.NoError(t, err)
	assert.True(t, art.LinksTo(started.ID))

	fin, err := b.Finished(FinishedData{Outcome: Pass})
	require.NoError(t, err)
	assert.True(t, fin.LinksTo(started.ID))

	seq := b.Events()
	require.Len(t, seq, 5)
	for i, e := range seq {
		assert.Equal(t, i+1, e.Seq)
		assert.Equal(t, "run-1", e.RunID)
		assert.NoError(t, Validate(e))
	}
	assert.NoError(t, CheckCausality(seq))
}

func TestBuilderTriggeredWithoutCause(t *testing.T) {
	b := newTestBuilder()
	e, err := b.Triggered(nil, TriggeredData{})
	require.NoError(t, err)
	assert.NotNil(t, e.Links)
	assert.Empty(t, e.Links)

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"links":[]`)
}

func TestBuilderRejectsFinishedBeforeStarted(t *testing.T) {
	b := newTestBuilder()
	_, err := b.Finished(FinishedData{})
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, err = b.Triggered(nil, TriggeredData{})
	require.NoError(t, err)
	_, err = b.Finished(FinishedData{})
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestBuilderRejectsOutOfOrder(t *testing.T) {
	b := newTestBuilder()
	_, err := b.Started(StartedData{})
	assert.ErrorIs(t, err, ErrOutOfOrder)
	_, err = b.TestCase(results.SubResult{})
	assert.ErrorIs(t, err, ErrOutOfOrder)
	_, err = b.Artifact(ArtifactData{})
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, _ = b.Triggered(nil, TriggeredData{})
	_, err = b.Triggered(nil, TriggeredData{})
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, _ = b.Started(StartedData{})
	_, err = b.Started(StartedData{})
	assert.ErrorIs(t, err, ErrOutOfOrder)

	_, err = b.Finished(FinishedData{})
	require.NoError(t, err)
	_, err = b.TestCase(results.SubResult{})
	assert.ErrorIs(t, err, ErrOutOfOrder)
	_, err = b.Finished(FinishedData{})
	assert.ErrorIs(t, err, ErrOutOfOrder)
}

func TestBuilderDefaultsToUUIDs(t *testing.T) {
	b := NewBuilder("run", nil, nil)
	a, _ := b.Triggered(nil, TriggeredData{})
	s, _ := b.Started(StartedData{})
	assert.Len(t, a.ID, 36)
	assert.NotEqual(t, a.ID, s.ID)
	assert.False(t, a.Time.IsZero())
}

func TestCheckCausality(t *testing.T) {
	started := Event{ID: "s", Kind: Started}
	linked := []Link{{Kind: string(Started), ID: "s"}}

	tests := []struct {
		name string
		seq  []Event
		ok   bool
	}{
		{"valid", []Event{{ID: "t", Kind: Triggered}, started, {ID: "c", Kind: TestCaseResult, Links: linked}, {ID: "f", Kind: Finished, Links: linked}}, true},
		{"no started", []Event{{ID: "t", Kind: Triggered}}, false},
		{"finished first", []Event{{ID: "f", Kind: Finished, Links: linked}, started}, false},
		{"unlinked test case", []Event{started, {ID: "c", Kind: TestCaseResult}}, false},
		{"unlinked artifact", []Event{started, {ID: "a", Kind: ArtifactCreated, Links: []Link{{ID: "other"}}}}, false},
		{"duplicate started", []Event{started, started}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCausality(tt.seq)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.Is(err, ErrOutOfOrder), "got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	good := Event{ID: "e", RunID: "r", Kind: Started, Seq: 1, Time: fixedNow()}
	require.NoError(t, Validate(good))

	for name, mutate := range map[string]func(*Event){
		"id":   func(e *Event) { e.ID = " " },
		"run":  func(e *Event) { e.RunID = "" },
		"seq":  func(e *Event) { e.Seq = 0 },
		"time": func(e *Event) { e.Time = time.Time{} },
		"kind": func(e *Event) { e.Kind = "NOPE" },
	} {
		t.Run(name, func(t *testing.T) {
			e := good
			mutate(&e)
			assert.ErrorIs(t, Validate(e), ErrInvalidEvent)
		})
	}
}

func TestDeriveOutcome(t *testing.T) {
	tests := []struct {
		name     string
		aborted  bool
		exitCode *int
		tally    results.Tally
		want     Outcome
	}{
		{"clean exit", false, intp(0), results.Tally{}, Pass},
		{"passing cases", false, intp(0), results.Tally{Pass: 2, Skip: 1}, Pass},
		{"failing case", false, intp(0), results.Tally{Pass: 1, Fail: 1}, Fail},
		{"error case", false, intp(0), results.Tally{Error: 1}, Fail},
		{"non-zero exit", false, intp(1), results.Tally{Pass: 1}, Fail},
		{"killed by signal", false, nil, results.Tally{}, Fail},
		{"aborted", true, nil, results.Tally{Pass: 3}, Aborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveOutcome(tt.aborted, tt.exitCode, tt.tally))
		})
	}
}

func TestDefaultDescription(t *testing.T) {
	assert.Equal(t, "All smoke tests completed successfully.", DefaultDescription("smoke", Pass, ""))
	assert.Equal(t, "At least some smoke tests failed.", DefaultDescription("smoke", Fail, ""))
	assert.Equal(t, "smoke was aborted: timed out", DefaultDescription("smoke", Aborted, "timed out"))
	assert.Equal(t, "smoke was aborted.", DefaultDescription("smoke", Aborted, ""))
}
