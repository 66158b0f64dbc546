// Package apperrors classifies job-level failures so the controller can tell a
// misconfigured job from exhausted capacity or a registration race.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrConfiguration        = errors.New("configuration error")
	ErrCapacity             = errors.New("capacity exhausted")
	ErrRegistrationConflict = errors.New("registration conflict")
	ErrNotFound             = errors.New("not found")
)

// Error carries the sentinel plus the operation and cause that produced it.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Op       string // Operation that failed (e.g., "ec2.FindImage")
	Cause    error  // Underlying error, may be nil
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes both the sentinel and the cause.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Configuration reports a job whose labels or repo config cannot be satisfied.
func Configuration(op, format string, args ...any) error {
	return &Error{
		Sentinel: ErrConfiguration,
		Message:  fmt.Sprintf(format, args...),
		Op:       op,
	}
}

// Capacity reports that every candidate was rejected by the provider.
func Capacity(op string, cause error) error {
	return &Error{
		Sentinel: ErrCapacity,
		Message:  "no instance type could be launched",
		Op:       op,
		Cause:    cause,
	}
}

// RegistrationConflict wraps a 409 from the hosting platform.
func RegistrationConflict(name string, cause error) error {
	return &Error{
		Sentinel: ErrRegistrationConflict,
		Message:  fmt.Sprintf("runner name %s already registered", name),
		Op:       "github.RegisterRunner",
		Cause:    cause,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
	}
}

// Kind returns a short label for metrics and event records.
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrCapacity):
		return "capacity"
	case errors.Is(err, ErrRegistrationConflict):
		return "registration_conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
