package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a namespaced error code for Concord engine errors.
type ErrorCode string

// Admission error codes
const (
	ADMISSION_DENIED         ErrorCode = "ADMISSION_DENIED"
	ADMISSION_PERIOD_BUDGET  ErrorCode = "ADMISSION_PERIOD_BUDGET"
	ADMISSION_SESSION_BUDGET ErrorCode = "ADMISSION_SESSION_BUDGET"
	ADMISSION_CALLER_BUDGET  ErrorCode = "ADMISSION_CALLER_BUDGET"
	ADMISSION_TIME_BUDGET    ErrorCode = "ADMISSION_TIME_BUDGET"
	ADMISSION_NO_NOVELTY     ErrorCode = "ADMISSION_NO_NOVELTY"
)

// Provider and breaker error codes
const (
	PROVIDER_TIMEOUT          ErrorCode = "PROVIDER_TIMEOUT"
	PROVIDER_RATE_LIMITED     ErrorCode = "PROVIDER_RATE_LIMITED"
	PROVIDER_UNAVAILABLE      ErrorCode = "PROVIDER_UNAVAILABLE"
	PROVIDER_FAILED           ErrorCode = "PROVIDER_FAILED"
	CIRCUIT_OPEN              ErrorCode = "CIRCUIT_OPEN"
	ALL_PROVIDERS_UNAVAILABLE ErrorCode = "ALL_PROVIDERS_UNAVAILABLE"
)

// Engine error codes
const (
	STAGE_HANDLER_FAILED   ErrorCode = "STAGE_HANDLER_FAILED"
	STAGE_NOT_FOUND        ErrorCode = "STAGE_NOT_FOUND"
	STAGE_ROUTE_INVALID    ErrorCode = "STAGE_ROUTE_INVALID"
	LOOP_DETECTED          ErrorCode = "LOOP_DETECTED"
	CONTRADICTION_DETECTED ErrorCode = "CONTRADICTION_DETECTED"
	SESSION_INVALID        ErrorCode = "SESSION_INVALID"
)

// Configuration error codes
const (
	CONFIG_LOAD_FAILED       ErrorCode = "CONFIG_LOAD_FAILED"
	CONFIG_PARSE_FAILED      ErrorCode = "CONFIG_PARSE_FAILED"
	CONFIG_VALIDATION_FAILED ErrorCode = "CONFIG_VALIDATION_FAILED"
)

// Storage error codes
const (
	DB_OPEN_FAILED      ErrorCode = "DB_OPEN_FAILED"
	DB_MIGRATION_FAILED ErrorCode = "DB_MIGRATION_FAILED"
	DB_QUERY_FAILED     ErrorCode = "DB_QUERY_FAILED"
)

// ConcordError represents a structured error with error code, message, and
// optional cause. It supports error wrapping and retryability hints for
// callers deciding whether a denied or failed call is worth reattempting.
type ConcordError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	Cause     error
}

// Error implements the error interface.
// Format: "[CODE] message" or "[CODE] message: cause" if cause exists.
func (e *ConcordError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error unwrapping chains.
func (e *ConcordError) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so errors.Is works across wrapped instances.
func (e *ConcordError) Is(target error) bool {
	var cerr *ConcordError
	if errors.As(target, &cerr) {
		return e.Code == cerr.Code
	}
	return false
}

// NewError creates a new non-retryable ConcordError with the given code and message.
func NewError(code ErrorCode, message string) *ConcordError {
	return &ConcordError{
		Code:    code,
		Message: message,
	}
}

// NewRetryableError creates a new retryable ConcordError. Use this for
// transient conditions that may succeed on a later attempt (e.g. a provider
// timeout or an open circuit whose cooldown will elapse).
func NewRetryableError(code ErrorCode, message string) *ConcordError {
	return &ConcordError{
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// WrapError creates a new non-retryable ConcordError that wraps an existing error.
func WrapError(code ErrorCode, message string, cause error) *ConcordError {
	return &ConcordError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// CodeOf extracts the ErrorCode from an error chain. Returns an empty code
// when the chain contains no ConcordError.
func CodeOf(err error) ErrorCode {
	var cerr *ConcordError
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return ""
}

// IsAdmissionDenied reports whether the error is any of the admission denial
// codes emitted by the resource governor.
func IsAdmissionDenied(err error) bool {
	switch CodeOf(err) {
	case ADMISSION_DENIED, ADMISSION_PERIOD_BUDGET, ADMISSION_SESSION_BUDGET,
		ADMISSION_CALLER_BUDGET, ADMISSION_TIME_BUDGET, ADMISSION_NO_NOVELTY:
		return true
	default:
		return false
	}
}
