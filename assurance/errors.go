package assurance

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable domain error code shared by every engine operation.
type ErrorCode string

const (
	// ErrorValidation indicates malformed input rejected before any persistence.
	ErrorValidation ErrorCode = "0001"
	// ErrorInvalidState indicates the operation is not legal for the entity's current status.
	ErrorInvalidState ErrorCode = "0002"
	// ErrorInvariantViolation indicates the operation would break a monetary invariant.
	ErrorInvariantViolation ErrorCode = "0003"
	// ErrorInsufficientSecuredFunds indicates the held balance cannot cover the requested movement.
	ErrorInsufficientSecuredFunds ErrorCode = "0004"
	// ErrorAccountNotFound indicates no secured balance account exists where one is required.
	ErrorAccountNotFound ErrorCode = "0005"
	// ErrorNotFound indicates the referenced entity does not exist under the tenant.
	ErrorNotFound ErrorCode = "0006"
	// ErrorAlreadyProcessed indicates an idempotency-key replay was detected.
	// Operations answer replays with the prior result; this code only surfaces
	// when a replay cannot be answered (for example a key collision across
	// different payloads).
	ErrorAlreadyProcessed ErrorCode = "0007"
	// ErrorConcurrencyConflict indicates lock or version contention; safe to retry.
	ErrorConcurrencyConflict ErrorCode = "0008"
	// ErrorOverflow indicates an int64 minor-unit computation would overflow.
	ErrorOverflow ErrorCode = "0009"
)

// Error is the structured business error carried by every rejected operation.
// Code classifies the failure, EntityType and Field locate it, and Message
// names the precise check that failed so callers can explain "why" without
// re-deriving ledger state by hand.
type Error struct {
	Code       ErrorCode
	EntityType string
	Field      string
	Message    string
	Err        error
}

// Error returns the formatted domain error string.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	switch {
	case e.EntityType != "" && e.Field != "":
		return fmt.Sprintf("%s: %s: %s (%s)", e.Code, e.EntityType, e.Message, e.Field)
	case e.EntityType != "":
		return fmt.Sprintf("%s: %s: %s", e.Code, e.EntityType, e.Message)
	case e.Field != "":
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Field)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap exposes the wrapped cause for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// NewError creates a structured error with an arbitrary code.
func NewError(code ErrorCode, entityType, field, message string) error {
	return &Error{Code: code, EntityType: entityType, Field: field, Message: message}
}

// WrapError creates a structured error that wraps an underlying cause.
func WrapError(code ErrorCode, entityType, field, message string, err error) error {
	return &Error{Code: code, EntityType: entityType, Field: field, Message: message, Err: err}
}

// NewValidationError creates a malformed-input rejection.
func NewValidationError(entityType, field, message string) error {
	return NewError(ErrorValidation, entityType, field, message)
}

// NewInvalidStateError creates a status-gate rejection.
func NewInvalidStateError(entityType, message string) error {
	return NewError(ErrorInvalidState, entityType, "", message)
}

// NewInvariantViolationError creates a monetary-invariant rejection. These are
// always logged by the engine as candidate bugs or missing policy decisions.
func NewInvariantViolationError(entityType, message string) error {
	return NewError(ErrorInvariantViolation, entityType, "", message)
}

// NewInsufficientFundsError creates a held-balance shortfall rejection.
func NewInsufficientFundsError(entityType, message string) error {
	return NewError(ErrorInsufficientSecuredFunds, entityType, "", message)
}

// NewNotFoundError creates an unknown-entity rejection.
func NewNotFoundError(entityType, message string) error {
	return NewError(ErrorNotFound, entityType, "", message)
}

// NewAccountNotFoundError creates a missing-account rejection.
func NewAccountNotFoundError(message string) error {
	return NewError(ErrorAccountNotFound, "secured_balance_account", "", message)
}

// NewConcurrencyConflictError creates a retryable contention rejection.
func NewConcurrencyConflictError(entityType string, err error) error {
	return WrapError(ErrorConcurrencyConflict, entityType, "", "operation lost a concurrency race; retry", err)
}

// NewOverflowError creates a minor-unit overflow rejection.
func NewOverflowError(entityType, field string) error {
	return NewError(ErrorOverflow, entityType, field, "amount arithmetic overflows int64 minor units")
}

// CodeOf extracts the domain error code from err, unwrapping as needed.
func CodeOf(err error) (ErrorCode, bool) {
	var domainErr *Error
	if errors.As(err, &domainErr) && domainErr != nil {
		return domainErr.Code, true
	}

	return "", false
}

// IsCode reports whether err carries the given domain error code.
func IsCode(err error, code ErrorCode) bool {
	got, ok := CodeOf(err)

	return ok && got == code
}

// IsRetryable reports whether the caller may safely retry the operation.
// Only concurrency conflicts are retryable; every other rejection is
// deterministic and retrying cannot change the outcome.
func IsRetryable(err error) bool {
	return IsCode(err, ErrorConcurrencyConflict)
}
