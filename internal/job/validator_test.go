package job

import (
	"testing"

	dagerrors "github.com/stevehiehn/testagent/internal/errors"
	"github.com/stevehiehn/testagent/internal/verdict"
)

func validJob() *Descriptor {
	return &Descriptor{
		ID:        "job-1",
		Name:      "test",
		Command:   []string{"echo", "hello"},
		Artifacts: []string{"reports/*.xml"},
	}
}

func TestValidateAcceptsValidJob(t *testing.T) {
	if err := Validate(validJob(), map[string]string{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsMissingID(t *testing.T) {
	d := validJob()
	d.ID = ""
	if err := Validate(d, nil); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestValidateRejectsEmptyExecutable(t *testing.T) {
	d := validJob()
	d.Command = []string{" "}
	err := Validate(d, nil)
	if !dagerrors.IsType(err, dagerrors.ValidationError) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateMissingRequiredInput(t *testing.T) {
	d := validJob()
	d.Inputs = map[string]Input{"suite": {Required: true}}
	if err := Validate(d, map[string]string{}); err == nil {
		t.Fatal("expected error for missing required input")
	}
	if err := Validate(d, map[string]string{"suite": "unit"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Validate-only mode does not check inputs.
	if err := Validate(d, nil); err != nil {
		t.Fatalf("unexpected error in validate-only mode: %v", err)
	}
}

func TestValidateRequiredInputWithDefault(t *testing.T) {
	d := validJob()
	d.Inputs = map[string]Input{"suite": {Required: true, Default: "unit"}}
	if err := Validate(d, map[string]string{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsEscapingPattern(t *testing.T) {
	for _, pattern := range []string{"../secrets/*", "/etc/passwd", "a/../../b"} {
		d := validJob()
		d.Artifacts = []string{pattern}
		if err := Validate(d, nil); err == nil {
			t.Errorf("expected error for pattern %q", pattern)
		}
	}
}

func TestValidateRejectsMalformedPattern(t *testing.T) {
	d := validJob()
	d.Artifacts = []string{"reports/[.xml"}
	if err := Validate(d, nil); err == nil {
		t.Fatal("expected error for malformed pattern")
	}
}

func TestValidateSkipsTemplatedPattern(t *testing.T) {
	d := validJob()
	d.Artifacts = []string{"{{ .out }}/*.xml"}
	if err := Validate(d, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsBadEnvName(t *testing.T) {
	d := validJob()
	d.Env = map[string]string{"A=B": "x"}
	if err := Validate(d, nil); err == nil {
		t.Fatal("expected error for invalid env name")
	}
}

func TestValidateRejectsNegativeTimeout(t *testing.T) {
	d := validJob()
	d.Timeout = -1
	if err := Validate(d, nil); err == nil {
		t.Fatal("expected error for negative timeout")
	}
}

func TestValidateRejectsPartialCause(t *testing.T) {
	d := validJob()
	d.Cause = &Reference{Kind: "TEST_SUITE_TRIGGERED"}
	if err := Validate(d, nil); err == nil {
		t.Fatal("expected error for cause without id")
	}
}

func TestValidateRejectsBadVerdictRules(t *testing.T) {
	d := validJob()
	d.VerdictRules = []verdict.Rule{{Description: "no condition", Conclusion: "FAILED", Verdict: "FAILED"}}
	if err := Validate(d, nil); err == nil {
		t.Fatal("expected error for rule without condition")
	}
}
