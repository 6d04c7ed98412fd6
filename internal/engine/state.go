package engine

import "fmt"

// State is a phase of a single run. A run never re-enters a state.
type State string

const (
	Pending      State = "PENDING"
	Resolved     State = "RESOLVED"
	Running      State = "RUNNING"
	Completed    State = "COMPLETED"
	TimedOut     State = "TIMED_OUT"
	Cancelled    State = "CANCELLED"
	LaunchFailed State = "LAUNCH_FAILED"
	Reported     State = "REPORTED"
)

var allowedTransitions = map[State]map[State]struct{}{
	Pending: {
		Resolved: {},
	},
	Resolved: {
		Running: {},
	},
	Running: {
		Completed:    {},
		TimedOut:     {},
		Cancelled:    {},
		LaunchFailed: {},
	},
	Completed:    {Reported: {}},
	TimedOut:     {Reported: {}},
	Cancelled:    {Reported: {}},
	LaunchFailed: {Reported: {}},
	Reported:     {},
}

func ValidateState(s State) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid run state: %q", s)
	}
	return nil
}

func ValidateTransition(from, to State) error {
	if err := ValidateState(from); err != nil {
		return err
	}
	if err := ValidateState(to); err != nil {
		return err
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid run transition: %s -> %s", from, to)
	}
	return nil
}

// Terminal reports whether the process phase of a run is over.
func (s State) Terminal() bool {
	switch s {
	case Completed, TimedOut, Cancelled, LaunchFailed:
		return true
	}
	return false
}
