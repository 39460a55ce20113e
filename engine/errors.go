/*
errors.go - Centralized error types for the engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Stores and the API layer match on the sentinels with errors.Is and
  unwrap the structured errors with errors.As for details.

ERROR CATEGORIES:
  1. NotFound       - referenced user or task does not exist (client error)
  2. Conflict       - uniqueness could not be enforced atomically (retry once)
  3. Transient      - collaborator timeout or unavailability (retry w/ backoff)
  4. Divergence     - cached score disagrees with the ledger (logged, repaired)
  5. Validation     - malformed input, immutable points

SEE ALSO:
  - ledger.go: Produces NotFound, Conflict, Transient
  - accumulator.go: Produces ReconciliationDivergence
*/
package engine

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a referenced user or task does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a store could not resolve a uniqueness
	// collision to the existing record. Resubmitting the call resolves it.
	ErrConflict = errors.New("completion conflict")

	// ErrTransient is returned when a collaborator timed out or is unavailable.
	ErrTransient = errors.New("transient failure")

	// ErrPointsImmutable is returned when a catalog write would change the
	// points of a task that completions already reference.
	ErrPointsImmutable = errors.New("task points are immutable once completed")

	// ErrInvalidInput is returned for empty identifiers and malformed values.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDivergence marks a cached score that disagreed with the ledger.
	ErrDivergence = errors.New("score cache diverged from ledger")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing entity.
type NotFoundError struct {
	Kind string // "user" or "task"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// ConflictError is returned when the insert collided but the existing
// record could not be read back.
type ConflictError struct {
	UserID UserID
	TaskID TaskID
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("completion conflict for user %s task %s", e.UserID, e.TaskID)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// TransientError wraps a timeout or unavailability of a collaborator.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap exposes both ErrTransient and the cause.
func (e *TransientError) Unwrap() []error {
	return []error{ErrTransient, e.Err}
}

// ReconciliationDivergence records a cache repair. It is logged and
// counted, never returned to a caller as a request failure.
type ReconciliationDivergence struct {
	UserID UserID
	Cached int64
	Ledger int64
}

func (e *ReconciliationDivergence) Error() string {
	return fmt.Sprintf("score divergence for user %s: cached %d, ledger %d",
		e.UserID, e.Cached, e.Ledger)
}

func (e *ReconciliationDivergence) Unwrap() error {
	return ErrDivergence
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrPointsImmutable)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// asTransient converts context deadline/cancel errors from a lookup into
// a TransientError. Other errors pass through unchanged.
func asTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Op: op, Err: err}
	}
	return err
}
