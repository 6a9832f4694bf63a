package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/voxanne/backend/internal/audit"
	"github.com/voxanne/backend/internal/config"
	"github.com/voxanne/backend/internal/models"
)

// DebitService computes per-call charges and applies them through the
// ledger. A call that already happened is never silently dropped: when
// the charge would exceed the debt limit the usage is recorded as
// FLAGGED for manual collection and an alert is raised.
type DebitService struct {
	db     *sql.DB
	ledger *LedgerService
	audit  *audit.AuditLogger
	cfg    *config.BillingConfig
}

func NewDebitService(db *sql.DB, ledger *LedgerService, cfg *config.BillingConfig) *DebitService {
	return &DebitService{
		db:     db,
		ledger: ledger,
		audit:  audit.NewAuditLogger(),
		cfg:    cfg,
	}
}

// BilledMinutes applies the configured partial-minute rounding with a
// one minute billing floor.
func (s *DebitService) BilledMinutes(durationSeconds int) int64 {
	if durationSeconds <= 0 {
		return 1
	}
	minutes := int64(durationSeconds) / 60
	if s.cfg.RoundingMode == "floor" {
		if minutes < 1 {
			minutes = 1
		}
		return minutes
	}
	if int64(durationSeconds)%60 != 0 {
		minutes++
	}
	if minutes < 1 {
		minutes = 1
	}
	return minutes
}

// ComputeCharge returns the charge in minor units for one call.
func (s *DebitService) ComputeCharge(ctx context.Context, orgID string, durationSeconds int, providerCostMinorUnits int64) int64 {
	rate, useMarkup, multiplier := s.orgPricing(ctx, orgID)
	if useMarkup && providerCostMinorUnits > 0 {
		// Round half up.
		return int64(math.Floor(float64(providerCostMinorUnits)*multiplier + 0.5))
	}
	return s.BilledMinutes(durationSeconds) * rate
}

// ChargeForCall deducts the computed charge for a completed call,
// keyed on callID so replays and reconciliation re-runs are no-ops.
func (s *DebitService) ChargeForCall(ctx context.Context, orgID, callID string, durationSeconds int, providerCostMinorUnits int64) (*models.LedgerEntry, error) {
	if callID == "" {
		return nil, fmt.Errorf("%w: call id is required", ErrValidation)
	}

	charge := s.ComputeCharge(ctx, orgID, durationSeconds, providerCostMinorUnits)

	entry, err := s.ledger.ApplyEntry(ctx, orgID, models.EntryTypeDeduction, -charge, callID)
	if err != nil {
		var insufficient *InsufficientCreditError
		if errors.As(err, &insufficient) {
			// Usage still happened; keep it for manual collection.
			if recErr := s.recordUsage(ctx, orgID, callID, durationSeconds, charge, "", models.UsageStatusFlagged); recErr != nil {
				log.Printf("[DEBIT] Failed to flag usage for call %s: %v", callID, recErr)
			}
			s.audit.Alert(orgID, "DEBT_LIMIT_EXCEEDED",
				fmt.Sprintf("call %s charge %d exceeds debt limit, usage flagged for collection", callID, charge))
			return nil, err
		}
		return nil, err
	}

	if err := s.recordUsage(ctx, orgID, callID, durationSeconds, charge, entry.ID, models.UsageStatusCharged); err != nil {
		// The deduction is committed; the usage record is best-effort
		// and reconciliation tolerates its absence via the ledger
		// reference guard.
		log.Printf("[DEBIT] Failed to record usage for call %s: %v", callID, err)
	}

	log.Printf("[DEBIT] Charged org %s %dp for call %s (%ds), balance %d", orgID, charge, callID, durationSeconds, entry.BalanceAfter)
	return entry, nil
}

// UsageRecordExists reports whether a call has already been billed or
// flagged. Reconciliation uses it to find missed calls.
func (s *DebitService) UsageRecordExists(ctx context.Context, callID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM call_usage_records WHERE call_id = $1)`, callID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check usage record: %w", err)
	}
	return exists, nil
}

func (s *DebitService) recordUsage(ctx context.Context, orgID, callID string, durationSeconds int, charge int64, entryID, status string) error {
	var entry any
	if entryID != "" {
		entry = entryID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_usage_records
		(call_id, organization_id, duration_seconds, computed_charge_minor_units, ledger_entry_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (call_id) DO NOTHING`,
		callID, orgID, durationSeconds, charge, entry, status, time.Now())
	return err
}

func (s *DebitService) orgPricing(ctx context.Context, orgID string) (rate int64, useMarkup bool, multiplier float64) {
	rate = s.cfg.DefaultRatePerMinute
	useMarkup = s.cfg.UseMarkupPricing
	multiplier = s.cfg.MarkupMultiplier

	var orgRate sql.NullInt64
	var orgMarkup sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT rate_per_minute, markup_multiplier FROM billing_rates WHERE organization_id = $1`, orgID).
		Scan(&orgRate, &orgMarkup)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Printf("[DEBIT] Rate lookup failed for org %s, using defaults: %v", orgID, err)
		}
		return rate, useMarkup, multiplier
	}

	if orgRate.Valid {
		rate = orgRate.Int64
		useMarkup = false
	}
	if orgMarkup.Valid {
		multiplier = orgMarkup.Float64
		useMarkup = true
	}
	return rate, useMarkup, multiplier
}
