package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/voxanne/backend/internal/models"
)

// WebhookProcessor executes queued webhook jobs. Handlers are
// idempotent: a crash between dequeue and ack re-delivers the job, and
// the ledger's reference guard makes the replay a no-op.
type WebhookProcessor struct {
	ledger      *LedgerService
	debit       *DebitService
	recharge    *RechargeService
	idempotency *IdempotencyService
}

func NewWebhookProcessor(ledger *LedgerService, debit *DebitService, recharge *RechargeService, idempotency *IdempotencyService) *WebhookProcessor {
	return &WebhookProcessor{
		ledger:      ledger,
		debit:       debit,
		recharge:    recharge,
		idempotency: idempotency,
	}
}

// ProcessJob dispatches one job. A nil return acks the job; a
// retryable error requeues it; anything else dead-letters it at the
// queue boundary.
func (p *WebhookProcessor) ProcessJob(ctx context.Context, job *models.WebhookJob) error {
	switch job.Type {
	case models.JobTypeTopup:
		return p.processTopup(ctx, job)
	case models.JobTypeCallEnd:
		return p.processCallEnded(ctx, job)
	default:
		// Unknown types are terminal; retrying cannot fix them.
		log.Printf("[WEBHOOK] Unknown job type %q for event %s, dropping", job.Type, job.EventID)
		return nil
	}
}

func (p *WebhookProcessor) processTopup(ctx context.Context, job *models.WebhookJob) error {
	var ev models.TopupEvent
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		return fmt.Errorf("%w: malformed topup payload: %v", ErrValidation, err)
	}
	if ev.OrganizationID == "" || ev.AmountMinorUnits <= 0 {
		return fmt.Errorf("%w: topup event missing organization or amount", ErrValidation)
	}

	entry, err := p.ledger.ApplyEntry(ctx, ev.OrganizationID, models.EntryTypeTopup, ev.AmountMinorUnits, ev.ReferenceID)
	if err != nil {
		return err
	}

	if err := p.idempotency.MarkProcessed(ctx, job.Source, job.EventID); err != nil {
		log.Printf("[WEBHOOK] Failed to mark event %s processed: %v", job.EventID, err)
	}

	log.Printf("[WEBHOOK] Credited org %s +%dp (event %s), balance %d", ev.OrganizationID, ev.AmountMinorUnits, job.EventID, entry.BalanceAfter)
	return nil
}

func (p *WebhookProcessor) processCallEnded(ctx context.Context, job *models.WebhookJob) error {
	var ev models.CallEndedEvent
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		return fmt.Errorf("%w: malformed call event payload: %v", ErrValidation, err)
	}

	entry, err := p.debit.ChargeForCall(ctx, ev.OrganizationID, ev.CallID, ev.DurationSeconds, ev.CostMinorUnits)
	if err != nil {
		var insufficient *InsufficientCreditError
		if errors.As(err, &insufficient) {
			// Usage was flagged and the alert raised; retrying cannot
			// change the outcome, so the job completes.
			if markErr := p.idempotency.MarkProcessed(ctx, job.Source, job.EventID); markErr != nil {
				log.Printf("[WEBHOOK] Failed to mark event %s processed: %v", job.EventID, markErr)
			}
			return nil
		}
		return err
	}

	if err := p.recharge.MaybeRecharge(ctx, ev.OrganizationID, entry.BalanceAfter); err != nil {
		// Recharge failures alert on their own and never fail the
		// debit job.
		log.Printf("[WEBHOOK] Auto-recharge check failed for org %s: %v", ev.OrganizationID, err)
	}

	if err := p.idempotency.MarkProcessed(ctx, job.Source, job.EventID); err != nil {
		log.Printf("[WEBHOOK] Failed to mark event %s processed: %v", job.EventID, err)
	}
	return nil
}
