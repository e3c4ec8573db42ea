// Package errors defines the typed, coded errors every control-plane
// operation returns. Codes are stable API surface: the router serializes
// them verbatim.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies an operation failure.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeDependencyNotMet  Code = "DEPENDENCY_NOT_MET"
	CodeCompletionBlocked Code = "COMPLETION_BLOCKED"
	CodeCycleDetected     Code = "CYCLE_DETECTED"

	CodeToolNotAllowed     Code = "TOOL_NOT_ALLOWED"
	CodeApprovalRequired   Code = "APPROVAL_REQUIRED"
	CodeExecutionViolation Code = "EXECUTION_VIOLATION"
	CodeModeLockViolation  Code = "MODE_LOCK_VIOLATION"

	CodeRateExceeded  Code = "RATE_EXCEEDED"
	CodeQuotaExceeded Code = "QUOTA_EXCEEDED"
	CodeCostExceeded  Code = "COST_EXCEEDED"

	CodeCircuitBreakerTripped Code = "CIRCUIT_BREAKER_TRIPPED"
	CodeMissionLocked         Code = "MISSION_LOCKED"

	CodeImmutableViolation  Code = "IMMUTABLE_VIOLATION"
	CodeAppendOnlyViolation Code = "APPEND_ONLY_VIOLATION"

	CodeDuplicateHeal Code = "DUPLICATE_HEAL"
	CodePolicyRevoked Code = "POLICY_REVOKED"

	CodeAmbiguousResume Code = "AMBIGUOUS_RESUME"
	CodeCancelled       Code = "CANCELLED"
	CodeInternal        Code = "INTERNAL_ERROR"
)

// Error is the typed failure returned by every operation.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Blocked bool
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetail attaches a single detail key and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithDetails merges the given details into the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	for k, v := range details {
		e.WithDetail(k, v)
	}
	return e
}

// AsBlocked marks the error as a gate block; the router surfaces this flag.
func (e *Error) AsBlocked() *Error {
	e.Blocked = true
	return e
}

// New creates a typed error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a typed error around an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// As extracts a typed error from an error chain.
func As(err error) (*Error, bool) {
	var typed *Error
	if stderrors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// CodeOf returns the code of err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if typed, ok := As(err); ok {
		return typed.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
