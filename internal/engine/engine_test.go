//go:build !windows

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dagerrors "github.com/stevehiehn/testagent/internal/errors"
	"github.com/stevehiehn/testagent/internal/events"
	"github.com/stevehiehn/testagent/internal/job"
	"github.com/stevehiehn/testagent/internal/plugin"
	"github.com/stevehiehn/testagent/internal/publish"
	"github.com/stevehiehn/testagent/internal/results"
	"github.com/stevehiehn/testagent/internal/retry"
	"github.com/stevehiehn/testagent/internal/runner"
	"github.com/stevehiehn/testagent/internal/verdict"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memStorage) Store(_ context.Context, name string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.objects == nil {
		s.objects = map[string][]byte{}
	}
	s.objects[name] = append([]byte(nil), data...)
	return "mem://" + name, nil
}

func (s *memStorage) get(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.objects[name])
}

type fixture struct {
	driver  *Driver
	sink    *publish.Recorder
	storage *memStorage
}

func newFixture(t *testing.T, sink publish.Sink, mutate ...func(*Config)) *fixture {
	t.Helper()
	rec := &publish.Recorder{}
	if sink == nil {
		sink = rec
	}
	store := &memStorage{}
	cfg := Config{
		Sink:    sink,
		Storage: store,
		Policy:  retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Ceiling: 2 * time.Second},
		Runner:  runner.Options{KillGrace: 200 * time.Millisecond},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	return &fixture{driver: d, sink: rec, storage: store}
}

func shellJob(t *testing.T, script string) *job.Descriptor {
	t.Helper()
	return &job.Descriptor{
		ID:      "job-1",
		Name:    "smoke",
		Command: []string{script},
		Shell:   true,
		WorkDir: t.TempDir(),
	}
}

func kinds(seq []events.Event) []events.Kind {
	out := make([]events.Kind, len(seq))
	for i, e := range seq {
		out[i] = e.Kind
	}
	return out
}

func finishedData(t *testing.T, seq []events.Event) events.FinishedData {
	t.Helper()
	require.NotEmpty(t, seq)
	last := seq[len(seq)-1]
	require.Equal(t, events.Finished, last.Kind)
	data, ok := last.Data.(events.FinishedData)
	require.True(t, ok, "unexpected data %T", last.Data)
	return data
}

func TestExitZeroWithoutMarkersPasses(t *testing.T) {
	f := newFixture(t, nil)
	report, err := f.driver.Execute(context.Background(), shellJob(t, "echo hello"), nil)
	require.NoError(t, err)

	assert.Equal(t, Reported, report.State)
	assert.Equal(t, events.Pass, report.Outcome)
	assert.True(t, report.Evaluated)
	assert.Empty(t, report.SubResults)
	require.NotNil(t, report.Process.ExitCode)
	assert.Equal(t, 0, *report.Process.ExitCode)
	assert.Equal(t, "PASSED", report.Verdict)
	assert.Equal(t, "SUCCESSFUL", report.Conclusion)
	assert.False(t, report.Degraded)

	assert.Equal(t, []events.Kind{events.Triggered, events.Started, events.ArtifactCreated, events.Finished}, kinds(f.sink.Events()))
	assert.Equal(t, "hello\n", f.storage.get("logs/full_execution.log"))
	data := finishedData(t, f.sink.Events())
	assert.Equal(t, []string{"mem://logs/full_execution.log"}, data.PersistentLogs)
}

func TestMarkersAndNonZeroExitFail(t *testing.T) {
	f := newFixture(t, nil)
	script := `echo 'RESULT|caseA|PASS|'; echo 'RESULT|caseB|FAIL|assert x==1'; exit 1`
	report, err := f.driver.Execute(context.Background(), shellJob(t, script), nil)
	require.NoError(t, err)

	assert.Equal(t, events.Fail, report.Outcome)
	assert.True(t, report.Evaluated)
	require.Len(t, report.SubResults, 2)
	assert.Equal(t, "caseA", report.SubResults[0].Name)
	assert.Equal(t, results.Pass, report.SubResults[0].Verdict)
	assert.Equal(t, "caseB", report.SubResults[1].Name)
	assert.Equal(t, results.Fail, report.SubResults[1].Verdict)
	assert.Equal(t, "assert x==1", report.SubResults[1].Reason)
	assert.Less(t, report.SubResults[0].Seq, report.SubResults[1].Seq)
	assert.Equal(t, results.Tally{Pass: 1, Fail: 1}, report.Tally)
	assert.Equal(t, "FAILED", report.Verdict)
	assert.Equal(t, "SUCCESSFUL", report.Conclusion)
	assert.Equal(t, "At least some smoke tests failed.", finishedData(t, f.sink.Events()).Description)

	seq := f.sink.Events()
	startedID := seq[1].ID
	for _, e := range seq[2:] {
		assert.True(t, e.LinksTo(startedID), "%s must link to started", e.Kind)
	}
	require.NoError(t, events.CheckCausality(report.Events))
}

func TestTimeoutAborts(t *testing.T) {
	f := newFixture(t, nil)
	d := shellJob(t, "echo begin; sleep 30")
	d.Timeout = 300 * time.Millisecond

	start := time.Now()
	report, err := f.driver.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	assert.Equal(t, Reported, report.State)
	assert.Equal(t, events.Aborted, report.Outcome)
	assert.False(t, report.Evaluated)
	require.NotNil(t, report.Process)
	assert.True(t, report.Process.TimedOut)
	assert.Nil(t, report.Process.ExitCode)
	require.NotNil(t, report.Abort)
	assert.Equal(t, dagerrors.Timeout, report.Abort.Type)

	data := finishedData(t, f.sink.Events())
	assert.True(t, data.TimedOut)
	assert.Equal(t, events.Aborted, data.Outcome)
	assert.Contains(t, data.Description, "smoke was aborted")
	assert.Equal(t, "begin\n", f.storage.get("logs/full_execution.log"))
}

func TestFailedMarkerWithExitZeroFailsVerdict(t *testing.T) {
	f := newFixture(t, nil)
	report, err := f.driver.Execute(context.Background(), shellJob(t, `echo 'RESULT|a|FAIL|boom'; exit 0`), nil)
	require.NoError(t, err)

	assert.Equal(t, events.Fail, report.Outcome)
	assert.Equal(t, "FAILED", report.Verdict)
	assert.Equal(t, "SUCCESSFUL", report.Conclusion)
	assert.Equal(t, "At least some smoke tests failed.", report.Description)

	data := finishedData(t, f.sink.Events())
	assert.Equal(t, events.Fail, data.Outcome)
	assert.Equal(t, "FAILED", data.Verdict)
	assert.Equal(t, report.Description, data.Description)
}

func TestTimedOutRunIsInconclusive(t *testing.T) {
	f := newFixture(t, nil)
	d := shellJob(t, "sleep 30")
	d.Timeout = 200 * time.Millisecond

	report, err := f.driver.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.Equal(t, "INCONCLUSIVE", report.Verdict)
	assert.Equal(t, "FAILED", report.Conclusion)
}

func TestBackgroundChildDoesNotAbortRun(t *testing.T) {
	f := newFixture(t, nil, func(c *Config) { c.Runner.DrainGrace = 200 * time.Millisecond })
	d := shellJob(t, `sleep 30 & echo 'RESULT|a|PASS|'; exit 0`)
	d.Timeout = 10 * time.Second

	start := time.Now()
	report, err := f.driver.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	assert.Equal(t, Reported, report.State)
	assert.Equal(t, events.Pass, report.Outcome)
	assert.True(t, report.Evaluated)
	require.NotNil(t, report.Process)
	assert.False(t, report.Process.TimedOut)
	require.NotNil(t, report.Process.ExitCode)
	assert.Equal(t, 0, *report.Process.ExitCode)
	require.Len(t, report.SubResults, 1)
	assert.Equal(t, results.Pass, report.SubResults[0].Verdict)
}

func TestTimeoutLeavesNoProcessRunning(t *testing.T) {
	f := newFixture(t, nil)
	d := shellJob(t, "echo $$ > pid; sleep 30")
	d.Timeout = 300 * time.Millisecond

	_, err := f.driver.Execute(context.Background(), d, nil)
	require.NoError(t, err)

	raw, err := os.ReadFile(filepath.Join(d.WorkDir, "pid"))
	require.NoError(t, err)
	var pid int
	_, err = fmt.Sscanf(strings.TrimSpace(string(raw)), "%d", &pid)
	require.NoError(t, err)
	assert.ErrorIs(t, syscall.Kill(pid, 0), syscall.ESRCH)
}

func TestUnmatchedArtifactPatternWarns(t *testing.T) {
	f := newFixture(t, nil)
	d := shellJob(t, "echo report > result.xml")
	d.Artifacts = []string{"*.xml", "coverage/**/*.out"}

	report, err := f.driver.Execute(context.Background(), d, nil)
	require.NoError(t, err)

	assert.Equal(t, Reported, report.State)
	assert.Equal(t, events.Pass, report.Outcome)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, dagerrors.ArtifactCollectionFailure, report.Warnings[0].Type)
	assert.Equal(t, "coverage/**/*.out", report.Warnings[0].Artifact)
	require.Len(t, report.Artifacts, 1)
	assert.Equal(t, "result.xml", report.Artifacts[0].Name)
	assert.Equal(t, "report\n", f.storage.get("files/result.xml"))

	var created []string
	for _, e := range f.sink.Events() {
		if e.Kind == events.ArtifactCreated {
			created = append(created, e.Data.(events.ArtifactData).Name)
		}
	}
	assert.ElementsMatch(t, []string{"full_execution.log", "result.xml"}, created)
}

func TestSinkDroppingOneTestCaseDegrades(t *testing.T) {
	rec := &publish.Recorder{}
	var attempts sync.Map
	sink := publish.SinkFunc(func(ctx context.Context, e events.Event) error {
		if e.Kind == events.TestCaseResult && e.Data.(events.TestCaseData).Name == "flaky" {
			n, _ := attempts.LoadOrStore(e.ID, new(int))
			*n.(*int)++
			return errors.New("broker unavailable")
		}
		return rec.Send(ctx, e)
	})
	f := newFixture(t, sink)
	script := `echo 'RESULT|stable|PASS|'; echo 'RESULT|flaky|PASS|'; echo 'RESULT|other|PASS|'`
	report, err := f.driver.Execute(context.Background(), shellJob(t, script), nil)
	require.NoError(t, err)

	assert.Equal(t, events.Pass, report.Outcome)
	assert.True(t, report.Degraded)
	require.Len(t, report.DroppedEvents, 1)

	var dropped publish.Delivery
	for _, d := range report.Deliveries {
		if d.EventID == report.DroppedEvents[0] {
			dropped = d
		}
	}
	assert.Equal(t, publish.Dropped, dropped.Status)
	assert.Equal(t, events.TestCaseResult, dropped.Kind)
	assert.Equal(t, 3, dropped.Attempts)
	assert.Len(t, rec.Events(), len(report.Events)-1)
	assert.Equal(t, events.Finished, rec.Events()[len(rec.Events())-1].Kind)
}

func TestLaunchFailureEmitsAbortedChain(t *testing.T) {
	f := newFixture(t, nil)
	d := &job.Descriptor{
		ID:        "job-1",
		Name:      "smoke",
		Command:   []string{"/nonexistent/test-binary"},
		WorkDir:   t.TempDir(),
		Artifacts: []string{"*.xml"},
	}
	report, err := f.driver.Execute(context.Background(), d, nil)
	require.NoError(t, err)

	assert.Equal(t, Reported, report.State)
	assert.Equal(t, events.Aborted, report.Outcome)
	assert.False(t, report.Evaluated)
	assert.Nil(t, report.Process)
	require.NotNil(t, report.Abort)
	assert.Equal(t, dagerrors.LaunchError, report.Abort.Type)
	assert.Empty(t, report.Warnings, "artifact patterns are not evaluated after a launch failure")

	assert.Equal(t, []events.Kind{events.Triggered, events.Started, events.Finished}, kinds(f.sink.Events()))
	data := finishedData(t, f.sink.Events())
	assert.Nil(t, data.ExitCode)
	assert.Len(t, data.PersistentLogs, 1)
	assert.Contains(t, f.storage.get("logs/full_execution.log"), "launch failed")
}

func TestCancellationStillReportsFinished(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	report, err := f.driver.Execute(ctx, shellJob(t, "sleep 30"), nil)
	require.NoError(t, err)

	assert.Equal(t, Reported, report.State)
	assert.Equal(t, events.Aborted, report.Outcome)
	assert.True(t, report.Process.Cancelled)
	assert.Equal(t, dagerrors.Cancelled, report.Abort.Type)
	assert.Equal(t, events.Finished, f.sink.Events()[len(f.sink.Events())-1].Kind)
	assert.False(t, report.Degraded)
}

func TestTemplateErrorPublishesNothing(t *testing.T) {
	f := newFixture(t, nil)
	d := shellJob(t, "echo {{ .missing }}")

	report, err := f.driver.Execute(context.Background(), d, nil)
	require.Error(t, err)
	assert.True(t, dagerrors.IsType(err, dagerrors.TemplateError))
	assert.Equal(t, Pending, report.State)
	assert.Empty(t, f.sink.Events())
}

func TestValidationErrorPublishesNothing(t *testing.T) {
	f := newFixture(t, nil)
	d := shellJob(t, "echo {{ .target }}")
	d.Inputs = map[string]job.Input{"target": {Required: true}}

	_, err := f.driver.Execute(context.Background(), d, nil)
	require.Error(t, err)
	assert.True(t, dagerrors.IsType(err, dagerrors.ValidationError))
	assert.Empty(t, f.sink.Events())
}

func TestInputsAndCauseFlowIntoEvents(t *testing.T) {
	f := newFixture(t, nil, func(c *Config) {
		ids := 0
		c.NewID = func() string {
			ids++
			return fmt.Sprintf("id-%d", ids)
		}
	})
	d := shellJob(t, "echo RESULT\\|{{ .suite }}\\|pass\\|")
	d.Cause = &job.Reference{Kind: "SUITE_STARTED", ID: "upstream-1"}

	report, err := f.driver.Execute(context.Background(), d, map[string]string{"suite": "login"})
	require.NoError(t, err)

	assert.Equal(t, "id-1", report.RunID)
	require.Len(t, report.SubResults, 1)
	assert.Equal(t, "login", report.SubResults[0].Name)

	seq := f.sink.Events()
	assert.Equal(t, []events.Link{{Kind: "SUITE_STARTED", ID: "upstream-1"}}, seq[0].Links)
	assert.Equal(t, "id-1", seq[0].RunID)
	assert.Equal(t, "id-2", seq[0].ID)
}

func TestJobVerdictRulesOverrideDefaults(t *testing.T) {
	f := newFixture(t, nil)
	four := 4
	d := shellJob(t, "exit 4")
	d.VerdictRules = []verdict.Rule{{
		Description: "Test collection error",
		Condition:   map[string]verdict.Expression{verdict.KeywordExitCodes: {Match: "all", Op: "eq", Value: &four}},
		Conclusion:  "FAILED",
		Verdict:     "INCONCLUSIVE",
	}}

	report, err := f.driver.Execute(context.Background(), d, nil)
	require.NoError(t, err)
	assert.Equal(t, events.Fail, report.Outcome, "rules never change the outcome")
	assert.Equal(t, "INCONCLUSIVE", report.Verdict)
	assert.Equal(t, "FAILED", report.Conclusion)
	assert.Equal(t, "Test collection error", report.Description)
}

type countingPlugin struct {
	plugin.Base
	mu       sync.Mutex
	failures []string
	outcome  events.Outcome
}

func (p *countingPlugin) OnFailure(tc string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, tc)
}

func (p *countingPlugin) OnFinished(_ string, o events.Outcome) { p.outcome = o }

func TestPluginsSeeLifecycle(t *testing.T) {
	p := &countingPlugin{}
	f := newFixture(t, nil, func(c *Config) { c.Plugins = []plugin.Plugin{p} })
	script := `echo 'RESULT|a|FAIL|x'; echo 'RESULT|b|PASS|'`
	_, err := f.driver.Execute(context.Background(), shellJob(t, script), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"a"}, p.failures)
	assert.Equal(t, events.Fail, p.outcome)
}

func TestMalformedMarkerIsRecordedAsAnomaly(t *testing.T) {
	f := newFixture(t, nil)
	report, err := f.driver.Execute(context.Background(), shellJob(t, `echo 'RESULT|broken|MAYBE|'`), nil)
	require.NoError(t, err)

	require.Len(t, report.SubResults, 1)
	assert.Equal(t, results.Error, report.SubResults[0].Verdict)
	assert.Equal(t, events.Fail, report.Outcome)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, dagerrors.ParserAnomaly, report.Warnings[0].Type)
}

func TestExplainResolvesWithoutRunning(t *testing.T) {
	f := newFixture(t, nil, func(c *Config) { c.DefaultTimeout = time.Minute })
	d := shellJob(t, "touch marker && echo {{ .name }}")
	d.Inputs = map[string]job.Input{"name": {Default: "world"}}

	p, err := f.driver.Explain(d, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sh", "-c", "touch marker && echo world"}, p.Argv)
	assert.Equal(t, time.Minute, p.Timeout)
	_, statErr := os.Stat(filepath.Join(d.WorkDir, "marker"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, f.sink.Events())
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{Storage: &memStorage{}})
	assert.Error(t, err)
	_, err = New(Config{Sink: &publish.Recorder{}})
	assert.Error(t, err)
}
