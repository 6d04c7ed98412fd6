// Package verdict matches test framework exit codes against user-defined
// rules to produce a verdict and conclusion for a finished run.
package verdict

import (
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// KeywordExitCodes is the only supported condition keyword.
const KeywordExitCodes = "test_framework_exit_codes"

// Rule is one verdict rule. The first rule whose condition holds wins.
type Rule struct {
	Description string                `yaml:"description" json:"description"`
	Condition   map[string]Expression `yaml:"condition" json:"condition"`
	Conclusion  string                `yaml:"conclusion" json:"conclusion"`
	Verdict     string                `yaml:"verdict" json:"verdict"`
}

// Expression compares every exit code of a run against Value.
// A nil Value stands for "no exit code" (the framework never returned one).
type Expression struct {
	Match string `yaml:"match" json:"match"` // all, some or none
	Op    string `yaml:"op" json:"op"`       // eq, neq, gt, lt, gte, lte
	Value *int   `yaml:"value" json:"value"`
}

var (
	supportedMatches = []string{"all", "some", "none"}
	supportedOps     = []string{"eq", "neq", "gt", "lt", "gte", "lte"}
)

// Verdicts and conclusions.
const (
	Passed       = "PASSED"
	Failed       = "FAILED"
	Inconclusive = "INCONCLUSIVE"
	Successful   = "SUCCESSFUL"
)

// Derive is the verdict of a run no rule matched. A run whose tests
// executed concludes SUCCESSFUL and passes only if its result passed; a run
// that never got to a result is INCONCLUSIVE.
func Derive(executed, passed bool) (verdict, conclusion string) {
	switch {
	case !executed:
		return Inconclusive, Failed
	case passed:
		return Passed, Successful
	default:
		return Failed, Successful
	}
}

// ValidateRules checks that every rule is complete and only uses supported
// keywords and operators.
func ValidateRules(rules []Rule) error {
	for i, rule := range rules {
		if rule.Description == "" || rule.Conclusion == "" || rule.Verdict == "" {
			return fmt.Errorf("rule %d: description, conclusion and verdict are required", i)
		}
		if len(rule.Condition) == 0 {
			return fmt.Errorf("rule %d (%s): no keywords given in condition", i, rule.Description)
		}
		keys := make([]string, 0, len(rule.Condition))
		for k := range rule.Condition {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, keyword := range keys {
			if keyword != KeywordExitCodes {
				return fmt.Errorf("rule %d: unsupported condition keyword %q, supported: %s", i, keyword, KeywordExitCodes)
			}
			expr := rule.Condition[keyword]
			if !slices.Contains(supportedMatches, expr.Match) {
				return fmt.Errorf("rule %d: unsupported match %q, supported: %s", i, expr.Match, strings.Join(supportedMatches, ", "))
			}
			if !slices.Contains(supportedOps, expr.Op) {
				return fmt.Errorf("rule %d: unsupported operator %q, supported: %s", i, expr.Op, strings.Join(supportedOps, ", "))
			}
		}
	}
	return nil
}

// LoadRules reads a YAML or JSON rule list from path.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading verdict rules: %w", err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("parsing verdict rules: %w", err)
	}
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// Matcher evaluates rules in order.
type Matcher struct {
	rules []Rule
}

// NewMatcher validates rules and returns a matcher. A matcher without rules
// matches nothing.
func NewMatcher(rules []Rule) (*Matcher, error) {
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}
	return &Matcher{rules: rules}, nil
}

// Evaluate returns the first rule matching exitCodes, or nil.
func (m *Matcher) Evaluate(exitCodes []*int) *Rule {
	for i := range m.rules {
		if m.matches(m.rules[i], exitCodes) {
			r := m.rules[i]
			return &r
		}
	}
	return nil
}

func (m *Matcher) matches(rule Rule, exitCodes []*int) bool {
	// Logical AND across keywords.
	for keyword, expr := range rule.Condition {
		if keyword == KeywordExitCodes && !expr.holds(exitCodes) {
			return false
		}
	}
	return true
}

func (e Expression) holds(exitCodes []*int) bool {
	switch e.Match {
	case "all":
		for _, code := range exitCodes {
			if !compare(e.Op, code, e.Value) {
				return false
			}
		}
		return true
	case "some":
		for _, code := range exitCodes {
			if compare(e.Op, code, e.Value) {
				return true
			}
		}
		return false
	case "none":
		for _, code := range exitCodes {
			if compare(e.Op, code, e.Value) {
				return false
			}
		}
		return true
	}
	return false
}

func compare(op string, code, value *int) bool {
	switch op {
	case "eq":
		return equal(code, value)
	case "neq":
		return !equal(code, value)
	}
	// Ordering is undefined against a missing exit code.
	if code == nil || value == nil {
		return false
	}
	switch op {
	case "gt":
		return *code > *value
	case "lt":
		return *code < *value
	case "gte":
		return *code >= *value
	case "lte":
		return *code <= *value
	}
	return false
}

func equal(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
