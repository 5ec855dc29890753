/*
errors.go - Centralized error types for the allocation engine

ERROR CATEGORIES:
  1. Store errors     - StoreUnavailable (transient), NotFound
  2. Partial failures - Some order writes applied, others not
  3. Validation       - Bad amounts or malformed ledger entries

PROPAGATION:
  The Orchestrator never returns these to the ledger CRUD caller as a
  failure of the ledger mutation. They surface on Outcome.Err and in logs.
  Reconcile (the repair tool) does return them.

SEE ALSO:
  - orchestrator.go: Logs and swallows step failures
  - api/handlers.go: Maps errors to HTTP status
*/
package engine

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrStoreUnavailable marks a transient store failure. Callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned when a ledger entry or order has vanished.
	// The engine treats it as "already handled".
	ErrNotFound = errors.New("not found")

	// ErrPartialFailure is returned when some per-order writes succeeded and
	// others failed. Nothing is rolled back; the Reconciler heals it.
	ErrPartialFailure = errors.New("partial failure")

	// ErrInvalidAmount is returned when an amount to distribute is not positive.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidEntry is returned for malformed ledger entries or orders.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrLockNotObtained is returned when a counterparty lock cannot be taken.
	ErrLockNotObtained = errors.New("counterparty lock not obtained")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// StoreError wraps a driver failure that is worth retrying.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrStoreUnavailable, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// PartialFailureError lists which orders were written and which were not.
type PartialFailureError struct {
	Op        string // "allocate", "reverse", "reconcile"
	Succeeded []string
	Failed    map[string]error
}

func (e *PartialFailureError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		ids = append(ids, id)
	}
	return fmt.Sprintf("%s: %d of %d order writes failed (%s)",
		e.Op, len(e.Failed), len(e.Failed)+len(e.Succeeded), strings.Join(ids, ", "))
}

func (e *PartialFailureError) Unwrap() error { return ErrPartialFailure }

// ValidationError describes a rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidEntry }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrPartialFailure) ||
		errors.Is(err, ErrLockNotObtained)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEntry) || errors.Is(err, ErrInvalidAmount)
}
