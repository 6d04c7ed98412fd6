//go:build !windows

package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stevehiehn/testagent/internal/engine"
	"github.com/stevehiehn/testagent/internal/events"
	"github.com/stevehiehn/testagent/internal/job"
	"github.com/stevehiehn/testagent/internal/results"
	"github.com/stevehiehn/testagent/internal/retry"
	"github.com/stevehiehn/testagent/internal/runner"
	"github.com/stevehiehn/testagent/internal/sink"
	"github.com/stevehiehn/testagent/internal/storage"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Ceiling: 5 * time.Second}
}

func writeJob(t *testing.T, dir, content string) *job.Descriptor {
	t.Helper()
	path := filepath.Join(dir, "job.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := job.LoadFile(path)
	if err != nil {
		t.Fatalf("loading job: %v", err)
	}
	return d
}

type harness struct {
	driver    *engine.Driver
	store     *storage.FSStore
	eventsLog string
}

func newHarness(t *testing.T, runID string) *harness {
	t.Helper()
	root := t.TempDir()
	store, err := storage.NewFS(root, runID)
	if err != nil {
		t.Fatal(err)
	}
	eventsLog := filepath.Join(root, "events.jsonl")
	d, err := engine.New(engine.Config{
		Sink:    sink.NewFile(eventsLog),
		Storage: store,
		Policy:  fastPolicy(),
		Runner:  runner.Options{KillGrace: 200 * time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}
	return &harness{driver: d, store: store, eventsLog: eventsLog}
}

func TestJobFileToEventLogE2E(t *testing.T) {
	work := t.TempDir()
	d := writeJob(t, work, `
id: login-suite
name: login
inputs:
  browser:
    default: firefox
command:
  - |
    echo "running on {{ .browser }}"
    echo "RESULT|login_ok|PASS|"
    echo "RESULT|login_locked|FAIL|account locked" >&2
    mkdir -p reports && echo "<testsuite/>" > reports/junit.xml
    exit 1
shell: true
workdir: `+work+`
artifacts:
  - "reports/**/*.xml"
cause:
  kind: SUITE_STARTED
  id: upstream-7
`)
	h := newHarness(t, "run-e2e")
	report, err := h.driver.ExecuteRun(context.Background(), "run-e2e", d, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if report.Outcome != events.Fail {
		t.Errorf("expected FAIL, got %s", report.Outcome)
	}
	if len(report.SubResults) != 2 {
		t.Fatalf("expected 2 sub-results, got %d", len(report.SubResults))
	}
	for _, r := range report.SubResults {
		if r.Name == "login_locked" && (r.Source != string(runner.Stderr) || r.Reason != "account locked") {
			t.Errorf("unexpected sub-result: %+v", r)
		}
	}

	records, err := sink.ReadFile(h.eventsLog)
	if err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, r := range records {
		got = append(got, string(r.Kind))
	}
	want := []events.Kind{events.Triggered, events.Started, events.TestCaseResult, events.TestCaseResult,
		events.ArtifactCreated, events.ArtifactCreated, events.Finished}
	if len(records) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), got)
	}
	if records[0].Links[0].ID != "upstream-7" {
		t.Errorf("triggered must link to the inbound cause, got %+v", records[0].Links)
	}
	if records[0].Kind != events.Triggered || records[len(records)-1].Kind != events.Finished {
		t.Errorf("unexpected order %v", got)
	}
	for _, r := range records[2:] {
		if len(r.Links) != 1 || r.Links[0].ID != records[1].ID {
			t.Errorf("%s does not link to started: %+v", r.Kind, r.Links)
		}
	}

	var finished events.FinishedData
	if err := json.Unmarshal(records[len(records)-1].Data, &finished); err != nil {
		t.Fatal(err)
	}
	if finished.ExitCode == nil || *finished.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %v", finished.ExitCode)
	}
	if len(finished.PersistentLogs) != 1 || !strings.HasPrefix(finished.PersistentLogs[0], "file://") {
		t.Errorf("unexpected persistent logs %v", finished.PersistentLogs)
	}

	junit, err := os.ReadFile(filepath.Join(h.store.BaseDir, "artifacts", "files", "reports", "junit.xml"))
	if err != nil || strings.TrimSpace(string(junit)) != "<testsuite/>" {
		t.Errorf("artifact not stored: %q %v", junit, err)
	}
}

func TestStoredLogReplaysToSameResultsE2E(t *testing.T) {
	work := t.TempDir()
	d := writeJob(t, work, `
id: replay
name: replay
command: ["sh", "-c", "for i in 1 2 3; do echo \"RESULT|case$i|PASS|\"; done; echo 'RESULT|bad|NOPE|'"]
workdir: `+work+`
`)
	h := newHarness(t, "run-replay")
	report, err := h.driver.ExecuteRun(context.Background(), "run-replay", d, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Logs) != 1 {
		t.Fatalf("expected one stored log, got %d", len(report.Logs))
	}

	data, err := h.store.Fetch(context.Background(), report.Logs[0].Ref)
	if err != nil {
		t.Fatal(err)
	}
	replayed, err := results.Replay(strings.NewReader(string(data)))
	if err != nil {
		t.Fatal(err)
	}
	if len(replayed) != len(report.SubResults) {
		t.Fatalf("replayed %d results, live run had %d", len(replayed), len(report.SubResults))
	}
	for i := range replayed {
		live := report.SubResults[i]
		if replayed[i].Name != live.Name || replayed[i].Verdict != live.Verdict || replayed[i].Seq != live.Seq {
			t.Errorf("result %d differs: replay %+v live %+v", i, replayed[i], live)
		}
	}
	if results.Count(replayed) != report.Tally {
		t.Errorf("tally mismatch: %+v vs %+v", results.Count(replayed), report.Tally)
	}
}

func TestReportIsWrittenE2E(t *testing.T) {
	work := t.TempDir()
	d := writeJob(t, work, "id: r\nname: r\ncommand: [\"true\"]\nworkdir: "+work+"\n")
	h := newHarness(t, "run-report")
	report, err := h.driver.ExecuteRun(context.Background(), "run-report", d, nil)
	if err != nil {
		t.Fatal(err)
	}
	path, err := h.store.WriteReport(report)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["run_id"] != "run-report" || decoded["outcome"] != "PASS" || decoded["state"] != "REPORTED" {
		t.Errorf("unexpected report: %v", decoded)
	}
}
