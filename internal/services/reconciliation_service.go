package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/voxanne/backend/internal/audit"
	"github.com/voxanne/backend/internal/config"
	"github.com/voxanne/backend/internal/provider"
)

// CallLister is the slice of the provider client reconciliation needs.
type CallLister interface {
	ListCalls(ctx context.Context, orgID string, from, to time.Time) ([]provider.Call, error)
}

// ReconcileReport summarizes one reconciliation sweep.
type ReconcileReport struct {
	OrgsChecked         int   `json:"orgs_checked"`
	CallsSeen           int   `json:"calls_seen"`
	MissingCalls        int   `json:"missing_calls"`
	RecoveredEntries    int   `json:"recovered_entries"`
	RecoveredMinorUnits int64 `json:"recovered_minor_units"`
	FlaggedCalls        int   `json:"flagged_calls"`
	ProviderErrors      int   `json:"provider_errors"`
}

// ReconciliationService compares the ledger against the call
// provider's authoritative records and replays missed charges. Safe to
// run repeatedly: replayed charges are keyed on callId.
type ReconciliationService struct {
	db       *sql.DB
	debit    *DebitService
	ledger   *LedgerService
	provider CallLister
	audit    *audit.AuditLogger
	cfg      *config.BillingConfig
}

func NewReconciliationService(db *sql.DB, debit *DebitService, ledger *LedgerService, calls CallLister, cfg *config.BillingConfig) *ReconciliationService {
	return &ReconciliationService{
		db:       db,
		debit:    debit,
		ledger:   ledger,
		provider: calls,
		audit:    audit.NewAuditLogger(),
		cfg:      cfg,
	}
}

// Run sweeps the trailing window for every organization with a wallet.
func (s *ReconciliationService) Run(ctx context.Context) (*ReconcileReport, error) {
	from := time.Now().Add(-s.cfg.ReconcileWindow)
	to := time.Now()
	report := &ReconcileReport{}

	orgs, err := s.listOrganizations(ctx)
	if err != nil {
		return nil, err
	}

	for _, orgID := range orgs {
		report.OrgsChecked++
		if err := s.reconcileOrg(ctx, orgID, from, to, report); err != nil {
			report.ProviderErrors++
			log.Printf("[RECONCILE] Skipping org %s: %v", orgID, err)
		}
	}

	if report.CallsSeen > 0 {
		missingRate := float64(report.MissingCalls) / float64(report.CallsSeen)
		if missingRate > s.cfg.MissingCallAlertRate {
			s.audit.Alert("", "WEBHOOK_DELIVERY_DEGRADED",
				fmt.Sprintf("%.1f%% of provider calls had no ledger entry (%d of %d), webhook delivery likely broken",
					missingRate*100, report.MissingCalls, report.CallsSeen))
		}
	}

	log.Printf("[RECONCILE] Sweep complete: %d orgs, %d calls, %d missing, %d recovered (%dp), %d flagged, %d provider errors",
		report.OrgsChecked, report.CallsSeen, report.MissingCalls, report.RecoveredEntries,
		report.RecoveredMinorUnits, report.FlaggedCalls, report.ProviderErrors)
	return report, nil
}

func (s *ReconciliationService) reconcileOrg(ctx context.Context, orgID string, from, to time.Time, report *ReconcileReport) error {
	calls, err := s.provider.ListCalls(ctx, orgID, from, to)
	if err != nil {
		if errors.Is(err, provider.ErrUnavailable) {
			return &TransientDependencyError{Service: "call_provider", Err: err}
		}
		return err
	}

	callIDs := make(map[string]bool, len(calls))
	for _, call := range calls {
		report.CallsSeen++
		callIDs[call.ID] = true

		exists, err := s.debit.UsageRecordExists(ctx, call.ID)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		report.MissingCalls++
		entry, err := s.debit.ChargeForCall(ctx, orgID, call.ID, call.DurationSeconds, call.CostMinorUnits)
		if err != nil {
			var insufficient *InsufficientCreditError
			if errors.As(err, &insufficient) {
				report.FlaggedCalls++
				continue
			}
			log.Printf("[RECONCILE] Failed to replay charge for call %s: %v", call.ID, err)
			continue
		}
		report.RecoveredEntries++
		report.RecoveredMinorUnits += -entry.AmountMinorUnits
		log.Printf("[RECONCILE] Recovered charge %dp for call %s (org %s)", -entry.AmountMinorUnits, call.ID, orgID)
	}

	if s.cfg.FlagOvercharges {
		s.flagOvercharges(ctx, orgID, from, to, callIDs)
	}
	return nil
}

// flagOvercharges is monitoring only: deductions with no matching
// provider call get logged, never reversed automatically.
func (s *ReconciliationService) flagOvercharges(ctx context.Context, orgID string, from, to time.Time, providerCalls map[string]bool) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT external_reference FROM ledger_entries
		WHERE organization_id = $1 AND entry_type = 'deduction'
		  AND external_reference IS NOT NULL
		  AND created_at BETWEEN $2 AND $3`, orgID, from, to)
	if err != nil {
		log.Printf("[RECONCILE] Overcharge scan failed for org %s: %v", orgID, err)
		return
	}
	defer rows.Close()

	for rows.Next() {
		var callID string
		if err := rows.Scan(&callID); err != nil {
			return
		}
		if !providerCalls[callID] {
			log.Printf("[RECONCILE] Possible overcharge: deduction for call %s (org %s) has no provider record", callID, orgID)
		}
	}
}

func (s *ReconciliationService) listOrganizations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT organization_id FROM wallets`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	orgs := []string{}
	for rows.Next() {
		var orgID string
		if err := rows.Scan(&orgID); err != nil {
			return nil, err
		}
		orgs = append(orgs, orgID)
	}
	return orgs, rows.Err()
}
