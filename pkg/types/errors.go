package types

import "errors"

// Failure classes shared across the pipeline. Stages wrap these with
// fmt.Errorf("...: %w", err) and callers classify with errors.Is; no stage
// lets one of these escalate past its own boundary as a cycle failure.
var (
	// ErrDataUnavailable means a required input is missing or stale. The
	// consumer degrades to hold rather than fabricating a value.
	ErrDataUnavailable = errors.New("required data unavailable")

	// ErrInfeasiblePlan means planning constraints cannot be satisfied; the
	// planner returns its fallback hold plan instead of propagating this.
	ErrInfeasiblePlan = errors.New("plan constraints infeasible")

	// ErrActuatorRejected means the hardware layer refused a command. The
	// cycle logs it and the next cycle re-evaluates fresh.
	ErrActuatorRejected = errors.New("actuator rejected command")

	// ErrConfigInvalid means an out-of-range parameter. Rejected at
	// configuration time, never surfaced at decision time.
	ErrConfigInvalid = errors.New("invalid configuration")
)
