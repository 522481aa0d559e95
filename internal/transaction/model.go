// Package transaction drives a purchase from intake to a terminal state and
// reconciles ambiguous outcomes against the vendor.
package transaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/congo-pay/paycore/internal/balance"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
	// StatusRejected closes an intake that never moved funds.
	StatusRejected Status = "REJECTED"
)

// CanTransitionTo reports whether a transition from status to next is allowed.
// PENDING may go straight to FAILED when the reservation committed but the
// vendor was never called.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next == StatusRejected || next == StatusFailed
	case StatusProcessing:
		return next == StatusSuccess || next == StatusFailed
	case StatusFailed:
		return next == StatusRefunded
	default:
		return false
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusRefunded, StatusRejected:
		return true
	default:
		return false
	}
}

var (
	// ErrValidation rejects malformed input before any side effect.
	ErrValidation = errors.New("invalid transaction request")
	// ErrDuplicate means the idempotency key was already used.
	ErrDuplicate = errors.New("duplicate idempotency key")
	// ErrThrottled means the caller breaker is open for the account.
	ErrThrottled = errors.New("caller throttled")
	// ErrVendorUnavailable means no vendor in the pool could take the request.
	ErrVendorUnavailable = errors.New("vendor unavailable")
	// ErrAmbiguousOutcome accompanies a transaction left PROCESSING for reconciliation.
	ErrAmbiguousOutcome = errors.New("vendor outcome ambiguous")
	// ErrNotFound is returned for unknown transaction ids.
	ErrNotFound = errors.New("transaction not found")
	// ErrInvalidTransition guards the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrStorage marks an indeterminate outcome caused by the durable store.
	ErrStorage = errors.New("transaction storage failure")

	ErrInsufficientFunds = balance.ErrInsufficientFunds
)

// ThrottledError carries the caller's remaining suspension.
type ThrottledError struct {
	RetryAfter time.Duration
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("caller throttled, retry after %s", e.RetryAfter)
}

func (e *ThrottledError) Is(target error) bool { return target == ErrThrottled }

// RetryAfterSeconds rounds up, with a minimum of one second.
func (e *ThrottledError) RetryAfterSeconds() int {
	secs := int((e.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// DuplicateError carries the transaction that already owns the key.
type DuplicateError struct {
	Existing Transaction
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate idempotency key %q (transaction %s)", e.Existing.IdempotencyKey, e.Existing.ID)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// Transaction is one externally visible purchase. It owns the ledger entries
// whose reference is its ID.
type Transaction struct {
	ID                string
	AccountID         string
	Amount            int64
	Status            Status
	VendorID          string
	ProductCode       string
	CustomerRef       string
	CallbackURL       string
	IdempotencyKey    string
	VendorRef         string
	ErrorMessage      string
	ReconcileAttempts int
	NextReconcileAt   *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}
