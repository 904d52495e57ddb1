/*
errors.go - Centralized error types for the commission engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with the Is* helpers and decide between
  fixing input, re-reading state, retrying, or surfacing to the user.

ERROR CATEGORIES:
  1. Invalid argument - malformed input, never retried
  2. Not found        - referenced conversion/payout/rate is missing
  3. Conflict         - current state forbids the operation
  4. Transient        - store timeout/unavailability, retryable

USAGE:
  if affiliate.IsConflict(err) {
      // re-read current state, then decide
  }

SEE ALSO:
  - payout.go: Wraps these with transition context
  - store.go: Store implementations return the store-level sentinels
*/
package affiliate

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidArgument is the root of all input-validation failures.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrSelfReferral is returned when a user would be credited for
	// referring themselves.
	ErrSelfReferral = errors.New("self-referral is not allowed")

	// ErrUnknownConversionType is returned for a conversion type
	// outside the configured enum.
	ErrUnknownConversionType = errors.New("unknown conversion type")

	// ErrNoPendingCommission is returned when a payout is requested
	// for an affiliate with nothing to pay out.
	ErrNoPendingCommission = errors.New("no pending commission to pay out")

	// ErrConversionNotFound / ErrPayoutNotFound / ErrRateNotFound are
	// returned when a referenced record does not exist.
	ErrConversionNotFound = errors.New("conversion not found")
	ErrPayoutNotFound     = errors.New("payout not found")
	ErrRateNotFound       = errors.New("commission rate not found")

	// ErrInvalidStateTransition is returned when an operation is
	// well-formed but the target's current status forbids it.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrStaleStatus is returned by conditional status updates when
	// the row's status no longer matches the expected source status.
	// A concurrent request won the race; re-read before deciding.
	ErrStaleStatus = errors.New("status changed concurrently")

	// ErrDuplicateConversion is returned by stores when an insert
	// violates the idempotency-key uniqueness constraint. The recorder
	// treats this as "already recorded" and re-fetches, never as a
	// caller-visible failure.
	ErrDuplicateConversion = errors.New("duplicate conversion for idempotency key")

	// ErrStoreUnavailable is the root of transient store failures.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidArgumentError reports which field of an input failed
// validation and why.
type InvalidArgumentError struct {
	Field  string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("invalid argument: %s: %s", e.Field, e.Reason)
}

func (e *InvalidArgumentError) Unwrap() error { return ErrInvalidArgument }

// StateTransitionError reports a payout transition rejected because
// the payout was not in an allowed source status.
type StateTransitionError struct {
	PayoutID PayoutID
	Action   PayoutAction
	Status   PayoutStatus
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("cannot %s payout %s in status %q", e.Action, e.PayoutID, e.Status)
}

func (e *StateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// TransientError wraps a store-level failure that is safe to retry
// (after re-reading state for non-idempotent operations).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return ErrStoreUnavailable }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsInvalidArgument returns true if the caller must fix the input.
func IsInvalidArgument(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrSelfReferral) ||
		errors.Is(err, ErrUnknownConversionType) ||
		errors.Is(err, ErrNoPendingCommission)
}

// IsNotFound returns true if a referenced record is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrConversionNotFound) ||
		errors.Is(err, ErrPayoutNotFound) ||
		errors.Is(err, ErrRateNotFound)
}

// IsConflict returns true if current state forbids the operation.
// The caller may re-read state and decide.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrStaleStatus)
}

// IsRetryable returns true if the error might succeed on retry.
// Non-idempotent payout transitions must re-read status first.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
