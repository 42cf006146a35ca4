/*
errors.go - Error taxonomy shared by every package

ERROR CATEGORIES (Kind):
  not_found            vendor/test/session/grant/user missing
  conflict             duplicate grant, active session exists, duplicate email in batch
  invalid_state        session status does not permit the transition
  expired              session or grant past its deadline
  insufficient_funds   wallet balance short
  attempt_in_progress  removal/refund blocked because the candidate started
  validation           malformed input
  internal             storage or transaction failure

USAGE:
  Specific sentinels wrap a kind sentinel, so both checks work:

    errors.Is(err, assessment.ErrActiveSessionExists) // specific
    errors.Is(err, assessment.ErrConflict)            // kind

SEE ALSO:
  - api/errors.go: maps Kind to HTTP status
*/
package assessment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// KIND SENTINELS
// =============================================================================

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidState      = errors.New("invalid state")
	ErrExpired           = errors.New("expired")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAttemptInProgress = errors.New("attempt in progress")
	ErrValidation        = errors.New("validation failed")
	ErrInternal          = errors.New("internal error")

	// ErrConcurrentModification is returned by a store when a transaction lost
	// a race and may succeed on retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// SPECIFIC SENTINELS
// =============================================================================

var (
	ErrVendorNotFound  = fmt.Errorf("vendor %w", ErrNotFound)
	ErrTestNotFound    = fmt.Errorf("test %w", ErrNotFound)
	ErrSessionNotFound = fmt.Errorf("session %w", ErrNotFound)
	ErrGrantNotFound   = fmt.Errorf("grant %w", ErrNotFound)
	ErrUserNotFound    = fmt.Errorf("user %w in test", ErrNotFound)

	ErrDuplicateGrant      = fmt.Errorf("%w: user already has access", ErrConflict)
	ErrActiveSessionExists = fmt.Errorf("%w: active session exists", ErrConflict)
	ErrDuplicateInBatch    = fmt.Errorf("%w: duplicate emails in batch", ErrConflict)
	ErrUserLimitExceeded   = fmt.Errorf("%w: test user limit reached", ErrConflict)
	ErrAttemptsExhausted   = fmt.Errorf("%w: no attempts left", ErrConflict)
	ErrHoldOutstanding     = fmt.Errorf("%w: user holds a refundable fee, remove with refund", ErrConflict)

	ErrTestInactive      = fmt.Errorf("%w: test is not active", ErrInvalidState)
	ErrTestUnavailable   = fmt.Errorf("%w: test is no longer active or has been removed", ErrInvalidState)
	ErrVendorNotApproved = fmt.Errorf("%w: vendor account is not approved", ErrInvalidState)
	ErrGrantRevoked      = fmt.Errorf("%w: access has been revoked", ErrInvalidState)

	ErrSessionExpired = fmt.Errorf("session %w", ErrExpired)
	ErrGrantExpired   = fmt.Errorf("access %w", ErrExpired)

	ErrNegativeBalance = fmt.Errorf("%w: transaction would result in negative balance", ErrInsufficientFunds)

	ErrInvalidEmail  = fmt.Errorf("%w: invalid email", ErrValidation)
	ErrInvalidAmount = fmt.Errorf("%w: amount must be positive", ErrValidation)

	ErrLedgerDrift = fmt.Errorf("%w: wallet balance does not match its transactions", ErrInternal)
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientFundsError reports a wallet shortfall.
type InsufficientFundsError struct {
	VendorID  VendorID
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient wallet balance. Required: %s, Available: %s",
		e.Required.StringFixed(2), e.Available.StringFixed(2))
}

func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Required.Sub(e.Available)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// InvalidStateError carries the session status that refused the operation.
type InvalidStateError struct {
	SessionID SessionID
	Status    SessionStatus
	Op        string
}

func (e *InvalidStateError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("invalid session status: cannot %s a session that is %s", e.Op, e.Status)
	}
	return fmt.Sprintf("invalid session status: test session is %s", e.Status)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// DuplicateInBatchError lists the emails that appeared more than once.
type DuplicateInBatchError struct {
	Emails []string
}

func (e *DuplicateInBatchError) Error() string {
	return fmt.Sprintf("duplicate emails found in batch: %s", strings.Join(e.Emails, ", "))
}

func (e *DuplicateInBatchError) Unwrap() error { return ErrDuplicateInBatch }

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// BillingError is returned when a session completed but its charge failed.
// The session state is committed; the usage is flagged unbilled.
type BillingError struct {
	SessionID SessionID
	TestID    TestID
	Err       error
}

func (e *BillingError) Error() string {
	return fmt.Sprintf("session %s completed but billing failed: %v", e.SessionID, e.Err)
}

func (e *BillingError) Unwrap() error { return e.Err }

// InternalError wraps an unexpected failure. It matches both ErrInternal
// and the underlying cause.
type InternalError struct {
	Op  string
	Err error
}

func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InternalError) Unwrap() []error { return []error{ErrInternal, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindInvalidState      Kind = "invalid_state"
	KindExpired           Kind = "expired"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindAttemptInProgress Kind = "attempt_in_progress"
	KindValidation        Kind = "validation"
	KindInternal          Kind = "internal"
)

// KindOf classifies err. Anything unrecognized is internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInternal):
		return KindInternal
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrExpired):
		return KindExpired
	case errors.Is(err, ErrInsufficientFunds):
		return KindInsufficientFunds
	case errors.Is(err, ErrAttemptInProgress):
		return KindAttemptInProgress
	case errors.Is(err, ErrValidation):
		return KindValidation
	}
	return KindInternal
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	k := KindOf(err)
	return k != "" && k != KindInternal
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
