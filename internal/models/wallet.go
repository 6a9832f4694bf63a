package models

import (
	"time"
)

// Entry types for the ledger. Amount sign must match the type:
// topups and refunds are positive, deductions are negative.
const (
	EntryTypeTopup     = "topup"
	EntryTypeDeduction = "deduction"
	EntryTypeRefund    = "refund"
)

// Wallet holds the denormalized balance for one organization.
// It is only ever mutated through the ledger service.
type Wallet struct {
	OrganizationID        string    `json:"organization_id" db:"organization_id"`
	BalanceMinorUnits     int64     `json:"balance_minor_units" db:"balance_minor_units"` // in cents
	DebtLimitMinorUnits   int64     `json:"debt_limit_minor_units" db:"debt_limit_minor_units"`
	Currency              string    `json:"currency" db:"currency"`
	Frozen                bool      `json:"frozen" db:"frozen"`
	AutoRechargeEnabled   bool      `json:"auto_recharge_enabled" db:"auto_recharge_enabled"`
	AutoRechargeThreshold int64     `json:"auto_recharge_threshold" db:"auto_recharge_threshold"`
	AutoRechargeAmount    int64     `json:"auto_recharge_amount" db:"auto_recharge_amount"`
	StripeCustomerID      string    `json:"-" db:"stripe_customer_id"`
	StripePaymentMethodID string    `json:"-" db:"stripe_payment_method_id"`
	UpdatedAt             time.Time `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable record of a single financial event.
// The running balance is the sum of entries; BalanceBefore/After are
// snapshots taken under the wallet row lock.
type LedgerEntry struct {
	ID                string    `json:"id" db:"id"`
	OrganizationID    string    `json:"organization_id" db:"organization_id"`
	EntryType         string    `json:"entry_type" db:"entry_type"`
	AmountMinorUnits  int64     `json:"amount_minor_units" db:"amount_minor_units"`
	ExternalReference string    `json:"external_reference,omitempty" db:"external_reference"`
	BalanceBefore     int64     `json:"balance_before" db:"balance_before"`
	BalanceAfter      int64     `json:"balance_after" db:"balance_after"`
	Description       string    `json:"description,omitempty" db:"description"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// Usage record statuses.
const (
	UsageStatusCharged = "CHARGED"
	UsageStatusFlagged = "FLAGGED" // over debt limit, held for manual collection
)

// CallUsageRecord links a completed call to the ledger entry that
// charged it. FLAGGED rows have no ledger entry.
type CallUsageRecord struct {
	CallID          string    `json:"call_id" db:"call_id"`
	OrganizationID  string    `json:"organization_id" db:"organization_id"`
	DurationSeconds int       `json:"duration_seconds" db:"duration_seconds"`
	ComputedCharge  int64     `json:"computed_charge_minor_units" db:"computed_charge_minor_units"`
	LedgerEntryID   string    `json:"ledger_entry_id,omitempty" db:"ledger_entry_id"`
	Status          string    `json:"status" db:"status"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}
