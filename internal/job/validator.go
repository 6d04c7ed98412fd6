package job

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	dagerrors "github.com/stevehiehn/testagent/internal/errors"
	"github.com/stevehiehn/testagent/internal/verdict"
)

// Validate checks a descriptor for structural correctness.
func Validate(d *Descriptor, providedInputs map[string]string) error {
	if strings.TrimSpace(d.ID) == "" {
		return dagerrors.NewValidationError("job has no id", "Set a unique id for the job")
	}

	// Check required inputs (skip if providedInputs is nil, e.g. validate-only mode)
	if providedInputs != nil {
		for name, inp := range d.Inputs {
			if !inp.Required {
				continue
			}
			if _, ok := providedInputs[name]; !ok && inp.Default == "" {
				return &dagerrors.RunError{
					Type:    dagerrors.ValidationError,
					Message: fmt.Sprintf("missing required input %q", name),
					Hint:    fmt.Sprintf("Provide --input %s=<value>", name),
				}
			}
		}
	}

	if len(d.Command) == 0 || strings.TrimSpace(d.Command[0]) == "" {
		return &dagerrors.RunError{
			Type:    dagerrors.ValidationError,
			Field:   "command",
			Message: "command must name an executable",
		}
	}

	for name := range d.Env {
		if name == "" || strings.ContainsAny(name, "=\x00") {
			return &dagerrors.RunError{
				Type:    dagerrors.ValidationError,
				Field:   "env",
				Message: fmt.Sprintf("invalid environment variable name %q", name),
			}
		}
	}

	for i, pattern := range d.Artifacts {
		field := fmt.Sprintf("artifacts[%d]", i)
		if strings.TrimSpace(pattern) == "" {
			return &dagerrors.RunError{Type: dagerrors.ValidationError, Field: field, Message: "empty artifact pattern"}
		}
		// Templated patterns are checked after expansion.
		if strings.Contains(pattern, "{{") {
			continue
		}
		if err := checkPattern(pattern); err != nil {
			return &dagerrors.RunError{Type: dagerrors.ValidationError, Field: field, Message: err.Error()}
		}
	}

	if d.Timeout < 0 {
		return &dagerrors.RunError{
			Type:    dagerrors.ValidationError,
			Field:   "timeout",
			Message: fmt.Sprintf("timeout must not be negative, got %s", d.Timeout),
		}
	}

	if d.Cause != nil && (d.Cause.Kind == "" || d.Cause.ID == "") {
		return &dagerrors.RunError{
			Type:    dagerrors.ValidationError,
			Field:   "cause",
			Message: "cause requires both kind and id",
		}
	}

	if len(d.VerdictRules) > 0 {
		if err := verdict.ValidateRules(d.VerdictRules); err != nil {
			return &dagerrors.RunError{
				Type:    dagerrors.ValidationError,
				Field:   "verdict_rules",
				Message: err.Error(),
			}
		}
	}

	return nil
}

// checkPattern rejects patterns that are malformed or reach outside the
// working directory.
func checkPattern(pattern string) error {
	if !doublestar.ValidatePattern(pattern) {
		return fmt.Errorf("malformed artifact pattern %q", pattern)
	}
	if path.IsAbs(pattern) || strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("artifact pattern %q must be relative to the working directory", pattern)
	}
	for _, part := range strings.Split(pattern, "/") {
		if part == ".." {
			return fmt.Errorf("artifact pattern %q must not leave the working directory", pattern)
		}
	}
	return nil
}

// CheckPattern is exported for patterns that only become concrete after expansion.
func CheckPattern(pattern string) error { return checkPattern(pattern) }
