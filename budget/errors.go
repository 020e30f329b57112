/*
errors.go - Centralized error types for the ledger

PURPOSE:
  Every operation returns one of six error kinds. Callers branch on them with
  errors.Is against the sentinels, or errors.As for the structured details.

ERROR KINDS:
  ErrValidation          malformed input
  ErrNotFound            unknown envelope or reservation id
  ErrConflict            stale version token, duplicate active envelope
  ErrInsufficientBudget  amount exceeds available (carries Available)
  ErrInvalidState        illegal reservation transition or closed envelope
  ErrInternal            storage failure; stable text, cause only in logs

STORE ERRORS:
  The Store contract has its own sentinels (ErrBalanceConflict, ...). They never
  leave this package: operations translate them at the boundary.

SEE ALSO:
  - store.go: Store sentinels
  - api/errors.go: HTTP mapping
*/
package budget

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrInsufficientBudget = errors.New("insufficient budget")
	ErrInvalidState       = errors.New("invalid state")
	ErrInternal           = errors.New("internal error")
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeValidation         Code = "validation_error"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeInsufficientBudget Code = "insufficient_budget"
	CodeInvalidState       Code = "invalid_state"
	CodeInternal           Code = "internal_error"
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s %q: %s", e.Resource, e.ID, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InsufficientBudgetError reports the balance seen by the rejected write.
type InsufficientBudgetError struct {
	EnvelopeID EnvelopeID
	Requested  decimal.Decimal
	Available  decimal.Decimal
}

func (e *InsufficientBudgetError) Error() string {
	return fmt.Sprintf("insufficient budget on envelope %s: requested %s, available %s",
		e.EnvelopeID, e.Requested.String(), e.Available.String())
}

func (e *InsufficientBudgetError) Unwrap() error { return ErrInsufficientBudget }

type InvalidStateError struct {
	Resource string
	ID       string
	From     string
	To       string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s %q cannot move from %s to %s", e.Resource, e.ID, e.From, e.To)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// InternalError hides the storage cause behind a stable message.
type InternalError struct {
	Op    string
	cause error
}

func (e *InternalError) Error() string {
	return "internal error during " + e.Op
}

func (e *InternalError) Unwrap() error { return ErrInternal }

// Cause returns the underlying error for logging. Never show it to callers.
func (e *InternalError) Cause() error { return e.cause }

func internalError(op string, cause error) error {
	return &InternalError{Op: op, cause: cause}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// CodeOf maps any error returned by the ledger to its stable code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrInsufficientBudget):
		return CodeInsufficientBudget
	case errors.Is(err, ErrInvalidState):
		return CodeInvalidState
	default:
		return CodeInternal
	}
}

// IsRetryable returns true if the caller may retry, with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrInternal) || errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInsufficientBudget) ||
		errors.Is(err, ErrInvalidState)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
