/*
errors.go - Centralized error types for the ledger and incentive engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Calculators wrap these with actor context; the API maps them to status
  codes through Kind().

ERROR CATEGORIES:
  1. Configuration - malformed slabs or settings, fatal to one calculation
  2. Balance - insufficient balance, below minimum, over instant balance
  3. Idempotency - already processed, never a failure
  4. Draws - empty candidate pool
  5. Upstream - fee lookup failed, recovered through the configured default
  6. Store - not found, invalid transition, concurrent modification

USAGE:
    if errors.Is(err, generic.ErrAlreadyProcessed) {
        // idempotent no-op, log at debug
    }

    var low *generic.BelowMinimumError
    if errors.As(err, &low) { ... }

SEE ALSO:
  - ledger.go: InsufficientBalanceError, ErrDuplicateIdempotencyKey
  - slab.go: ConfigurationError
  - request.go: BelowMinimumError, ErrInvalidTransition
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAlreadyProcessed marks an idempotent no-op. Callers treat it as
	// success and log at debug level.
	ErrAlreadyProcessed = errors.New("already processed")

	// ErrDuplicateIdempotencyKey is returned when a posting with the same
	// idempotency key already exists. This is expected behavior for retries.
	ErrDuplicateIdempotencyKey = fmt.Errorf("duplicate idempotency key: %w", ErrAlreadyProcessed)

	ErrConfiguration = errors.New("configuration error")

	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	ErrBelowMinimum = errors.New("below minimum")

	// ErrExceedsInstantBalance is returned when an instant payout asks for
	// more than the eligible instant balance.
	ErrExceedsInstantBalance = errors.New("exceeds eligible instant balance")

	ErrNoEligibleCandidates = errors.New("no eligible candidates")

	// ErrUpstreamUnavailable is returned when a remote lookup failed or timed out.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	ErrInvalidAmount = errors.New("amount must be positive")
	ErrInvalidMetric = errors.New("metric must not be negative")
	ErrInvalidInput  = errors.New("invalid input")

	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a request or payout is not in
	// the state the operation expects (e.g. approving an approved request).
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigurationError reports malformed admin configuration (slab sets,
// fee rules, settings). It is surfaced to admins, never patched silently.
type ConfigurationError struct {
	Subject string // e.g. "slab set daily"
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Subject, e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return ErrConfiguration }

// InsufficientBalanceError provides details about a balance shortage.
type InsufficientBalanceError struct {
	OwnerID   OwnerID
	Available Amount
	Requested Amount
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %s, requested %s",
		e.OwnerID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// Shortfall is how much more balance the debit would have needed.
func (e *InsufficientBalanceError) Shortfall() Amount { return e.Requested.Sub(e.Available) }

// BelowMinimumError is returned when a payout request is under the
// admin-configured minimum.
type BelowMinimumError struct {
	What      string // "withdrawal" or "instant_payout"
	Requested Amount
	Minimum   Amount
}

func (e *BelowMinimumError) Error() string {
	return fmt.Sprintf("%s of %s is below minimum %s", e.What, e.Requested, e.Minimum)
}

func (e *BelowMinimumError) Unwrap() error { return ErrBelowMinimum }

// UpstreamError wraps a failed remote lookup.
type UpstreamError struct {
	Op  string
	Err error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s: upstream unavailable: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() []error { return []error{ErrUpstreamUnavailable, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// ErrorKind is the structured kind admin tooling sees.
type ErrorKind string

const (
	KindConfiguration        ErrorKind = "configuration"
	KindInsufficientBalance  ErrorKind = "insufficient_balance"
	KindBelowMinimum         ErrorKind = "below_minimum"
	KindExceedsInstant       ErrorKind = "exceeds_instant_balance"
	KindAlreadyProcessed     ErrorKind = "already_processed"
	KindNoEligibleCandidates ErrorKind = "no_eligible_candidates"
	KindUpstreamUnavailable  ErrorKind = "upstream_unavailable"
	KindInvalidInput         ErrorKind = "invalid_input"
	KindNotFound             ErrorKind = "not_found"
	KindConflict             ErrorKind = "conflict"
	KindInternal             ErrorKind = "internal"
)

// Kind classifies err. Order matters: the more specific sentinels come first.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return KindConfiguration
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, ErrBelowMinimum):
		return KindBelowMinimum
	case errors.Is(err, ErrExceedsInstantBalance):
		return KindExceedsInstant
	case errors.Is(err, ErrAlreadyProcessed):
		return KindAlreadyProcessed
	case errors.Is(err, ErrNoEligibleCandidates):
		return KindNoEligibleCandidates
	case errors.Is(err, ErrUpstreamUnavailable):
		return KindUpstreamUnavailable
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidMetric), errors.Is(err, ErrInvalidInput):
		return KindInvalidInput
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConcurrentModification):
		return KindConflict
	default:
		return KindInternal
	}
}

// UserMessage reduces err to a short message a vendor app can show.
func UserMessage(err error) string {
	switch Kind(err) {
	case "":
		return ""
	case KindInsufficientBalance:
		return "Your wallet balance is too low for this request."
	case KindBelowMinimum:
		var low *BelowMinimumError
		if errors.As(err, &low) {
			return fmt.Sprintf("The minimum amount is ₹%s.", low.Minimum)
		}
		return "The amount is below the allowed minimum."
	case KindExceedsInstant:
		return "This amount is more than your instantly payable balance."
	case KindAlreadyProcessed:
		return "This request was already processed."
	case KindNoEligibleCandidates:
		return "Nobody qualified for this draw."
	case KindInvalidInput:
		return "Please enter a valid amount."
	case KindNotFound:
		return "We could not find that record."
	case KindConflict:
		return "This request has already been decided."
	default:
		return "Something went wrong. Please try again later."
	}
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrUpstreamUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	switch Kind(err) {
	case KindInsufficientBalance, KindBelowMinimum, KindExceedsInstant, KindInvalidInput:
		return true
	}
	return false
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
