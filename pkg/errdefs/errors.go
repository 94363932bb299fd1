package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel categories for the orchestrator error taxonomy. Concrete errors
// wrap one of these so callers can classify with errors.Is regardless of the
// message or the layer that produced them.
var (
	// ErrConnection indicates the hypervisor is unreachable. Retried at the
	// client layer with bounded backoff, fatal beyond that.
	ErrConnection = errors.New("hypervisor connection failed")

	// ErrResourceConflict indicates a name, subnet, bridge, or GPU is already
	// claimed. Never retried automatically.
	ErrResourceConflict = errors.New("resource conflict")

	// ErrValidation indicates a malformed spec, insufficient capacity, an
	// illegal state transition, or a failed passthrough preflight. Never
	// retried.
	ErrValidation = errors.New("validation failed")

	// ErrTimeout indicates a bounded wait (boot, DHCP, SSH) was exceeded.
	// Treated as a step failure and triggers rollback.
	ErrTimeout = errors.New("operation timed out")

	// ErrRollbackFailure indicates a compensating action itself failed.
	// Terminal; the cluster is marked failed and requires operator action.
	ErrRollbackFailure = errors.New("rollback failed")

	// ErrStateCorruption indicates on-disk state failed schema validation.
	// Terminal for that cluster name until repaired or removed.
	ErrStateCorruption = errors.New("state corrupted")

	// ErrNotFound indicates a looked-up resource does not exist. Not part of
	// the failure taxonomy; managers use it to drive idempotent creation.
	ErrNotFound = errors.New("not found")
)

// Connection wraps err as a connection failure.
func Connection(err error, format string, args ...interface{}) error {
	return wrap(ErrConnection, err, format, args...)
}

// Conflict reports a resource conflict.
func Conflict(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrResourceConflict, fmt.Sprintf(format, args...))
}

// Validation reports a validation failure.
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Timeout reports an exceeded wait.
func Timeout(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrTimeout, fmt.Sprintf(format, args...))
}

// Corruption reports unreadable or unversioned persisted state.
func Corruption(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrStateCorruption, fmt.Sprintf(format, args...))
}

// NotFound reports a missing resource.
func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

func wrap(category, cause error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%w: %s", category, msg)
	}
	return fmt.Errorf("%w: %s: %w", category, msg, cause)
}

// IsConnection reports whether err is classified as a connection failure.
func IsConnection(err error) bool { return errors.Is(err, ErrConnection) }

// IsConflict reports whether err is classified as a resource conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrResourceConflict) }

// IsValidation reports whether err is classified as a validation failure.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsTimeout reports whether err is classified as an exceeded wait.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsNotFound reports whether err represents a missing resource.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsCorruption reports whether err is classified as state corruption.
func IsCorruption(err error) bool { return errors.Is(err, ErrStateCorruption) }

// RollbackError carries the outcome of a failed rollback: the step error
// that triggered compensation, the compensating action that failed, and the
// resources whose actual state is no longer known.
type RollbackError struct {
	Cause         error    // step failure that triggered rollback
	ActionErr     error    // compensating action failure
	Indeterminate []string // resources left in an unknown state
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed: %v (triggered by: %v), resources in indeterminate state: %v",
		e.ActionErr, e.Cause, e.Indeterminate)
}

// Unwrap classifies RollbackError under ErrRollbackFailure.
func (e *RollbackError) Unwrap() error { return ErrRollbackFailure }
