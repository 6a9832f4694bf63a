package services

import (
	"errors"
	"fmt"
)

// InsufficientCreditError means a deduction would push the balance
// past the organization's debt limit. The usage itself is still
// recorded by the caller.
type InsufficientCreditError struct {
	OrganizationID string
	Balance        int64
	Amount         int64
	DebtLimit      int64
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit: balance %d, amount %d, debt limit %d", e.Balance, e.Amount, e.DebtLimit)
}

// ConsistencyViolationError means the ledger sum no longer matches the
// denormalized balance. The wallet is frozen until a manual audit.
type ConsistencyViolationError struct {
	OrganizationID string
	WalletBalance  int64
	LedgerSum      int64
}

func (e *ConsistencyViolationError) Error() string {
	return fmt.Sprintf("ledger mismatch for %s: wallet %d, ledger sum %d", e.OrganizationID, e.WalletBalance, e.LedgerSum)
}

// TransientDependencyError wraps a timeout or 5xx from an external
// service. Safe to retry with backoff.
type TransientDependencyError struct {
	Service string
	Err     error
}

func (e *TransientDependencyError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *TransientDependencyError) Unwrap() error { return e.Err }

var (
	// ErrWalletFrozen blocks writes pending manual audit.
	ErrWalletFrozen = errors.New("wallet frozen pending audit")

	// ErrValidation marks inputs that can never succeed; the queue
	// dead-letters these without retrying.
	ErrValidation = errors.New("validation failed")
)
