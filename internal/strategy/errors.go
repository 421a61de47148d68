package strategy

import (
	"errors"
	"fmt"
	"time"
)

// StateViolationError reports an operation invoked outside the one stage it
// is valid for. It is an expected rejection, not a system fault; callers
// treat it as "no-op, wrong stage".
type StateViolationError struct {
	Operation string
	Stage     Stage
}

func (e *StateViolationError) Error() string {
	return fmt.Sprintf("operation %q is invalid for stage %s", e.Operation, e.Stage)
}

// DataUnavailableError reports a feed gap or a failed external read. The
// stage is unchanged; the next tick retries.
type DataUnavailableError struct {
	What string
	Err  error
}

func (e *DataUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data unavailable (%s): %v", e.What, e.Err)
	}
	return fmt.Sprintf("data unavailable (%s)", e.What)
}

func (e *DataUnavailableError) Unwrap() error { return e.Err }

// InsufficientDataError reports a session window with zero bars, either
// because the session has not elapsed or because of a feed outage. It must
// never silently default to a zero-size range.
type InsufficientDataError struct {
	Date   time.Time
	Window string
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("no bars in session window %s on %s", e.Window, e.Date.Format("2006-01-02"))
}

// ValidationFailedError reports a reversal or confluence sub-check that did
// not pass. It is an expected "waiting" condition, re-evaluated on the next
// tick.
type ValidationFailedError struct {
	Check  string
	Reason string
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("%s check failed: %s", e.Check, e.Reason)
}

// ExecutionFailedError reports a rejected or timed-out order submission.
// Exhausted is set once the bounded retry budget is spent; at that point the
// cycle is dead and requires a manual reset.
type ExecutionFailedError struct {
	Attempt   int
	Exhausted bool
	Err       error
}

func (e *ExecutionFailedError) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("order execution failed after %d attempts: %v (reset required)", e.Attempt, e.Err)
	}
	return fmt.Sprintf("order execution failed (attempt %d): %v", e.Attempt, e.Err)
}

func (e *ExecutionFailedError) Unwrap() error { return e.Err }

// InvalidRiskParametersError reports sizing inputs that cannot produce a
// tradable position: a non-positive stop distance or a size that floors to
// zero. Fatal for the cycle, never silently clamped.
type InvalidRiskParametersError struct {
	Reason string
}

func (e *InvalidRiskParametersError) Error() string {
	return "invalid risk parameters: " + e.Reason
}

// ConfigInvalidError reports configuration that cannot be acted on.
type ConfigInvalidError struct {
	Field  string
	Reason string
}

func (e *ConfigInvalidError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// IsStateViolation reports whether err is a wrong-stage rejection.
func IsStateViolation(err error) bool {
	var e *StateViolationError
	return errors.As(err, &e)
}

// IsDataUnavailable reports whether err is a feed gap, including the
// insufficient-bars case.
func IsDataUnavailable(err error) bool {
	var d *DataUnavailableError
	var i *InsufficientDataError
	return errors.As(err, &d) || errors.As(err, &i)
}

// IsValidationFailed reports whether err is an expected waiting condition.
func IsValidationFailed(err error) bool {
	var e *ValidationFailedError
	return errors.As(err, &e)
}

// IsFatal reports whether err must halt auto mode: invalid configuration,
// unusable risk parameters, or an exhausted execution retry budget. All
// other taxonomy errors let the poller keep ticking.
func IsFatal(err error) bool {
	var cfg *ConfigInvalidError
	if errors.As(err, &cfg) {
		return true
	}
	var risk *InvalidRiskParametersError
	if errors.As(err, &risk) {
		return true
	}
	var exec *ExecutionFailedError
	if errors.As(err, &exec) {
		return exec.Exhausted
	}
	return false
}
