// Package plugin lets callers observe the lifecycle of a run.
package plugin

import (
	"fmt"
	"log/slog"

	"github.com/stevehiehn/testagent/internal/events"
	"github.com/stevehiehn/testagent/internal/results"
)

// Plugin receives lifecycle notifications. Hooks are called synchronously
// from the driver, in event order, and must not block for long.
type Plugin interface {
	OnTriggered(name string)
	OnStarted(name string)
	OnSuccess(testCase string)
	OnFailure(testCase string)
	OnSkipped(testCase string)
	OnError(testCase string)
	OnFinished(name string, outcome events.Outcome)
}

// Base implements every hook as a no-op. Embed it to override only the
// hooks you need.
type Base struct{}

func (Base) OnTriggered(string)                {}
func (Base) OnStarted(string)                  {}
func (Base) OnSuccess(string)                  {}
func (Base) OnFailure(string)                  {}
func (Base) OnSkipped(string)                  {}
func (Base) OnError(string)                    {}
func (Base) OnFinished(string, events.Outcome) {}

// Set fans notifications out to several plugins. A panicking plugin is
// logged and skipped; it never takes the run down.
type Set struct {
	plugins []Plugin
	logger  *slog.Logger
}

func NewSet(logger *slog.Logger, plugins ...Plugin) *Set {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Set{plugins: plugins, logger: logger}
}

// Len returns the number of registered plugins.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.plugins)
}

func (s *Set) Triggered(name string) {
	s.each("triggered", func(p Plugin) { p.OnTriggered(name) })
}

func (s *Set) Started(name string) {
	s.each("started", func(p Plugin) { p.OnStarted(name) })
}

// TestCase dispatches a sub-result to the hook matching its verdict.
func (s *Set) TestCase(r results.SubResult) {
	s.each("test_case", func(p Plugin) {
		switch r.Verdict {
		case results.Pass:
			p.OnSuccess(r.Name)
		case results.Fail:
			p.OnFailure(r.Name)
		case results.Skip:
			p.OnSkipped(r.Name)
		default:
			p.OnError(r.Name)
		}
	})
}

func (s *Set) Finished(name string, outcome events.Outcome) {
	s.each("finished", func(p Plugin) { p.OnFinished(name, outcome) })
}

func (s *Set) each(hook string, call func(Plugin)) {
	if s == nil {
		return
	}
	for _, p := range s.plugins {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("plugin panicked",
						"hook", hook,
						"plugin", fmt.Sprintf("%T", p),
						"panic", r)
				}
			}()
			call(p)
		}()
	}
}

// Logging writes every notification to a slog logger.
type Logging struct {
	Logger *slog.Logger
}

func (l Logging) OnTriggered(name string) { l.Logger.Info("run triggered", "name", name) }
func (l Logging) OnStarted(name string)   { l.Logger.Info("run started", "name", name) }
func (l Logging) OnSuccess(tc string)     { l.Logger.Info("test case passed", "test_case", tc) }
func (l Logging) OnFailure(tc string)     { l.Logger.Warn("test case failed", "test_case", tc) }
func (l Logging) OnSkipped(tc string)     { l.Logger.Info("test case skipped", "test_case", tc) }
func (l Logging) OnError(tc string)       { l.Logger.Warn("test case errored", "test_case", tc) }

func (l Logging) OnFinished(name string, outcome events.Outcome) {
	l.Logger.Info("run finished", "name", name, "outcome", string(outcome))
}
