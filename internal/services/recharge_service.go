package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/voxanne/backend/internal/audit"
	"github.com/voxanne/backend/internal/config"
)

// RechargeService owns the outbound payment-processor surface:
// checkout sessions for manual top-ups and off-session payment intents
// for auto-recharge. It never touches the ledger; credits land only
// when the payment webhook arrives.
type RechargeService struct {
	db    *sql.DB
	audit *audit.AuditLogger
	cfg   *config.BillingConfig
}

func NewRechargeService(db *sql.DB, cfg *config.BillingConfig) *RechargeService {
	stripe.Key = cfg.StripeSecretKey
	return &RechargeService{
		db:    db,
		audit: audit.NewAuditLogger(),
		cfg:   cfg,
	}
}

// CreateCheckoutSession builds a Stripe Checkout Session for a manual
// top-up and returns its URL. Metadata carries the organization and
// amount so the webhook can credit the right wallet.
func (s *RechargeService) CreateCheckoutSession(ctx context.Context, orgID string, amountMinorUnits int64) (string, string, error) {
	if amountMinorUnits <= 0 {
		return "", "", fmt.Errorf("%w: top-up amount must be positive", ErrValidation)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(s.cfg.CheckoutSuccessURL),
		CancelURL:  stripe.String(s.cfg.CheckoutCancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(strings.ToLower(s.cfg.Currency)),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String("Voxanne Call Credits"),
					},
					UnitAmount: stripe.Int64(amountMinorUnits),
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			"organization_id":    orgID,
			"amount_minor_units": strconv.FormatInt(amountMinorUnits, 10),
		},
	}
	params.Context = ctx

	sess, err := checkoutsession.New(params)
	if err != nil {
		return "", "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	log.Printf("[RECHARGE] Created checkout session %s for org %s, amount %d", sess.ID, orgID, amountMinorUnits)
	return sess.URL, sess.ID, nil
}

// MaybeRecharge runs after each committed deduction. If auto-recharge
// is enabled and the balance fell below the threshold, it charges the
// saved payment method off-session. The idempotency key caps it to one
// attempt per organization per day, so a burst of low-balance debits
// cannot trigger a recharge storm.
func (s *RechargeService) MaybeRecharge(ctx context.Context, orgID string, balanceAfter int64) error {
	var enabled bool
	var threshold, amount int64
	var customerID, paymentMethodID sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT auto_recharge_enabled, auto_recharge_threshold, auto_recharge_amount,
		       stripe_customer_id, stripe_payment_method_id
		FROM wallets WHERE organization_id = $1`, orgID).
		Scan(&enabled, &threshold, &amount, &customerID, &paymentMethodID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("failed to read auto-recharge config: %w", err)
	}

	if !enabled || balanceAfter >= threshold {
		return nil
	}
	if amount <= 0 {
		amount = s.cfg.AutoRechargeAmount
	}
	if !customerID.Valid || !paymentMethodID.Valid || customerID.String == "" || paymentMethodID.String == "" {
		s.audit.Alert(orgID, "AUTO_RECHARGE_FAILED", "balance below threshold but no saved payment method")
		return nil
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(strings.ToLower(s.cfg.Currency)),
		Customer:      stripe.String(customerID.String),
		PaymentMethod: stripe.String(paymentMethodID.String),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Metadata: map[string]string{
			"organization_id":    orgID,
			"amount_minor_units": strconv.FormatInt(amount, 10),
			"reason":             "auto_recharge",
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(fmt.Sprintf("auto-recharge:%s:%s", orgID, time.Now().UTC().Format("2006-01-02")))

	intent, err := paymentintent.New(params)
	if err != nil {
		s.audit.Alert(orgID, "AUTO_RECHARGE_FAILED", err.Error())
		return fmt.Errorf("auto-recharge payment failed: %w", err)
	}

	log.Printf("[RECHARGE] Auto-recharge intent %s for org %s, amount %d (balance %d below threshold %d)",
		intent.ID, orgID, amount, balanceAfter, threshold)
	return nil
}

// UpdateAutoRecharge stores the per-organization auto-recharge
// settings.
func (s *RechargeService) UpdateAutoRecharge(ctx context.Context, orgID string, enabled bool, threshold, amount int64) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET auto_recharge_enabled = $1, auto_recharge_threshold = $2, auto_recharge_amount = $3, updated_at = $4
		WHERE organization_id = $5`,
		enabled, threshold, amount, time.Now(), orgID)
	if err != nil {
		return fmt.Errorf("failed to update auto-recharge config: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
