package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. They map onto the failure
// taxonomy: validation failures are recoverable by the caller, resource
// and behavioral violations terminate the run, engine failures are
// captured and surfaced as clean error results, and escape incidents are
// platform-level alerts.
var (
	ErrValidationFailed  = errors.New("code validation failed")
	ErrResourceViolation = errors.New("resource limit violated")
	ErrBehavioralAnomaly = errors.New("behavioral anomaly detected")
	ErrTimeout           = errors.New("execution timed out")
	ErrEngineFailure     = errors.New("execution engine failure")
	ErrEscapeIncident    = errors.New("sandbox escape detected")
	ErrTerminated        = errors.New("execution terminated")
	ErrInvalidRequest    = errors.New("invalid execution request")
)

// ExecutionError wraps errors with execution context.
type ExecutionError struct {
	ExecID string
	Op     string // The operation that failed
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.ExecID != "" {
		return fmt.Sprintf("execution %s: %s: %s", e.ExecID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsTimeout returns true if the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsEscape returns true if the error is a sandbox boundary breach.
func IsEscape(err error) bool {
	return errors.Is(err, ErrEscapeIncident)
}

// IsValidationFailure returns true if the code was rejected before
// execution.
func IsValidationFailure(err error) bool {
	return errors.Is(err, ErrValidationFailed)
}
