package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/voxanne/backend/internal/audit"
	"github.com/voxanne/backend/internal/models"
)

// Postgres error codes handled explicitly.
const (
	pqUniqueViolation  = "23505"
	pqLockNotAvailable = "55P03"
)

type LedgerService struct {
	db               *sql.DB
	audit            *audit.AuditLogger
	defaultDebtLimit int64
	currency         string
}

func NewLedgerService(db *sql.DB, defaultDebtLimit int64, currency string) *LedgerService {
	return &LedgerService{
		db:               db,
		audit:            audit.NewAuditLogger(),
		defaultDebtLimit: defaultDebtLimit,
		currency:         currency,
	}
}

func validEntryAmount(entryType string, amount int64) bool {
	switch entryType {
	case models.EntryTypeTopup, models.EntryTypeRefund:
		return amount > 0
	case models.EntryTypeDeduction:
		return amount < 0
	}
	return false
}

// ApplyEntry appends one ledger entry atomically: lock the wallet row,
// re-read the balance under the lock, enforce the debt limit for
// deductions, insert the entry with balance snapshots, update the
// denormalized balance, commit. When externalRef is set and an entry
// with the same (organization, type, reference) exists, the existing
// entry is returned and nothing is written.
func (s *LedgerService) ApplyEntry(ctx context.Context, orgID, entryType string, amount int64, externalRef string) (*models.LedgerEntry, error) {
	if orgID == "" {
		return nil, fmt.Errorf("%w: organization id is required", ErrValidation)
	}
	if !validEntryAmount(entryType, amount) {
		return nil, fmt.Errorf("%w: amount %d does not match entry type %q", ErrValidation, amount, entryType)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Bounded lock wait; on timeout the caller requeues the job.
	if _, err := tx.ExecContext(ctx, `SET LOCAL lock_timeout = '5s'`); err != nil {
		return nil, fmt.Errorf("failed to set lock timeout: %w", err)
	}

	wallet, err := s.lockWallet(ctx, tx, orgID)
	if err != nil {
		return nil, err
	}

	if wallet.Frozen {
		return nil, fmt.Errorf("organization %s: %w", orgID, ErrWalletFrozen)
	}

	if externalRef != "" {
		existing, err := s.findByReference(ctx, tx, orgID, entryType, externalRef)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			log.Printf("[LEDGER] Duplicate reference %s/%s for org %s, returning existing entry %s", entryType, externalRef, orgID, existing.ID)
			return existing, nil
		}
	}

	if entryType == models.EntryTypeDeduction && wallet.BalanceMinorUnits+amount < -wallet.DebtLimitMinorUnits {
		return nil, &InsufficientCreditError{
			OrganizationID: orgID,
			Balance:        wallet.BalanceMinorUnits,
			Amount:         amount,
			DebtLimit:      wallet.DebtLimitMinorUnits,
		}
	}

	entry := &models.LedgerEntry{
		ID:                uuid.NewString(),
		OrganizationID:    orgID,
		EntryType:         entryType,
		AmountMinorUnits:  amount,
		ExternalReference: externalRef,
		BalanceBefore:     wallet.BalanceMinorUnits,
		BalanceAfter:      wallet.BalanceMinorUnits + amount,
		CreatedAt:         time.Now(),
	}

	if err := s.insertEntry(ctx, tx, entry); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			// Lost the insert race on the reference constraint.
			tx.Rollback()
			return s.fetchByReference(ctx, orgID, entryType, externalRef)
		}
		return nil, fmt.Errorf("failed to insert ledger entry: %w", err)
	}

	if err := s.updateWalletBalance(ctx, tx, orgID, entry.BalanceAfter); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit ledger entry: %w", err)
	}

	s.audit.LogEntry(orgID, entryType, externalRef, amount)
	return entry, nil
}

// GetBalance returns the denormalized balance without locking. In
// strict mode the balance is recomputed from the entries; a genuine
// mismatch freezes the wallet and raises an alert.
func (s *LedgerService) GetBalance(ctx context.Context, orgID string, strict bool) (int64, error) {
	if strict {
		return s.verifyBalance(ctx, orgID)
	}

	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance_minor_units FROM wallets WHERE organization_id = $1`, orgID).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return balance, nil
}

// verifyBalance reads the wallet balance and the entry sum in a single
// repeatable-read snapshot. Without the shared snapshot an entry
// committing between the two reads would look like drift and freeze a
// healthy wallet.
func (s *LedgerService) verifyBalance(ctx context.Context, orgID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return 0, fmt.Errorf("failed to begin verification transaction: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx, `
		SELECT balance_minor_units FROM wallets WHERE organization_id = $1`, orgID).Scan(&balance)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}

	var sum int64
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount_minor_units), 0) FROM ledger_entries WHERE organization_id = $1`, orgID).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum ledger entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to close verification transaction: %w", err)
	}

	if sum != balance {
		s.freezeWallet(ctx, orgID)
		s.audit.Alert(orgID, "BALANCE_DRIFT", fmt.Sprintf("wallet balance %d does not match ledger sum %d", balance, sum))
		return balance, &ConsistencyViolationError{OrganizationID: orgID, WalletBalance: balance, LedgerSum: sum}
	}

	return balance, nil
}

// GetWallet reads the full wallet row without locking.
func (s *LedgerService) GetWallet(ctx context.Context, orgID string) (*models.Wallet, error) {
	var w models.Wallet
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, balance_minor_units, debt_limit_minor_units, currency, frozen,
		       auto_recharge_enabled, auto_recharge_threshold, auto_recharge_amount,
		       COALESCE(stripe_customer_id, ''), COALESCE(stripe_payment_method_id, ''), updated_at
		FROM wallets WHERE organization_id = $1`, orgID).
		Scan(&w.OrganizationID, &w.BalanceMinorUnits, &w.DebtLimitMinorUnits, &w.Currency, &w.Frozen,
			&w.AutoRechargeEnabled, &w.AutoRechargeThreshold, &w.AutoRechargeAmount,
			&w.StripeCustomerID, &w.StripePaymentMethodID, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetEntries returns recent ledger entries, newest first.
func (s *LedgerService) GetEntries(ctx context.Context, orgID string, limit int) ([]models.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, entry_type, amount_minor_units, COALESCE(external_reference, ''),
		       balance_before, balance_after, COALESCE(description, ''), created_at
		FROM ledger_entries
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []models.LedgerEntry{}
	for rows.Next() {
		var e models.LedgerEntry
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.EntryType, &e.AmountMinorUnits, &e.ExternalReference,
			&e.BalanceBefore, &e.BalanceAfter, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyAllBalances runs the strict check for every wallet. Used by
// the reconciliation sweep.
func (s *LedgerService) VerifyAllBalances(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT organization_id FROM wallets WHERE NOT frozen`)
	if err != nil {
		return 0, fmt.Errorf("failed to list wallets: %w", err)
	}
	defer rows.Close()

	orgs := []string{}
	for rows.Next() {
		var orgID string
		if err := rows.Scan(&orgID); err != nil {
			return 0, err
		}
		orgs = append(orgs, orgID)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	violations := 0
	for _, orgID := range orgs {
		if _, err := s.GetBalance(ctx, orgID, true); err != nil {
			var violation *ConsistencyViolationError
			if errors.As(err, &violation) {
				violations++
				continue
			}
			return violations, err
		}
	}
	return violations, nil
}

func (s *LedgerService) lockWallet(ctx context.Context, tx *sql.Tx, orgID string) (*models.Wallet, error) {
	// Wallets are created lazily on the first financial event.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (organization_id, balance_minor_units, debt_limit_minor_units, currency, frozen, updated_at)
		VALUES ($1, 0, $2, $3, FALSE, $4)
		ON CONFLICT (organization_id) DO NOTHING`,
		orgID, s.defaultDebtLimit, s.currency, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to ensure wallet: %w", err)
	}

	var w models.Wallet
	err = tx.QueryRowContext(ctx, `
		SELECT organization_id, balance_minor_units, debt_limit_minor_units, frozen
		FROM wallets
		WHERE organization_id = $1
		FOR UPDATE`, orgID).
		Scan(&w.OrganizationID, &w.BalanceMinorUnits, &w.DebtLimitMinorUnits, &w.Frozen)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqLockNotAvailable {
			return nil, &TransientDependencyError{Service: "database", Err: err}
		}
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}
	return &w, nil
}

func (s *LedgerService) findByReference(ctx context.Context, tx *sql.Tx, orgID, entryType, externalRef string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := tx.QueryRowContext(ctx, `
		SELECT id, organization_id, entry_type, amount_minor_units, external_reference,
		       balance_before, balance_after, created_at
		FROM ledger_entries
		WHERE organization_id = $1 AND entry_type = $2 AND external_reference = $3`,
		orgID, entryType, externalRef).
		Scan(&e.ID, &e.OrganizationID, &e.EntryType, &e.AmountMinorUnits, &e.ExternalReference,
			&e.BalanceBefore, &e.BalanceAfter, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check reference: %w", err)
	}
	return &e, nil
}

func (s *LedgerService) fetchByReference(ctx context.Context, orgID, entryType, externalRef string) (*models.LedgerEntry, error) {
	var e models.LedgerEntry
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, entry_type, amount_minor_units, external_reference,
		       balance_before, balance_after, created_at
		FROM ledger_entries
		WHERE organization_id = $1 AND entry_type = $2 AND external_reference = $3`,
		orgID, entryType, externalRef).
		Scan(&e.ID, &e.OrganizationID, &e.EntryType, &e.AmountMinorUnits, &e.ExternalReference,
			&e.BalanceBefore, &e.BalanceAfter, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entry after conflict: %w", err)
	}
	return &e, nil
}

func (s *LedgerService) insertEntry(ctx context.Context, tx *sql.Tx, e *models.LedgerEntry) error {
	var ref any
	if e.ExternalReference != "" {
		ref = e.ExternalReference
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, organization_id, entry_type, amount_minor_units, external_reference, balance_before, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.OrganizationID, e.EntryType, e.AmountMinorUnits, ref, e.BalanceBefore, e.BalanceAfter, e.CreatedAt)
	return err
}

func (s *LedgerService) updateWalletBalance(ctx context.Context, tx *sql.Tx, orgID string, newBalance int64) error {
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET balance_minor_units = $1, updated_at = $2 WHERE organization_id = $3`,
		newBalance, time.Now(), orgID)
	if err != nil {
		return fmt.Errorf("failed to update wallet balance: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("wallet %s disappeared during update", orgID)
	}
	return nil
}

func (s *LedgerService) freezeWallet(ctx context.Context, orgID string) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE wallets SET frozen = TRUE, updated_at = $1 WHERE organization_id = $2`, time.Now(), orgID); err != nil {
		log.Printf("[LEDGER] Failed to freeze wallet %s: %v", orgID, err)
	}
}
