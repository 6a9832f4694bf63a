package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// IdempotencyService dedupes inbound webhook events. The first insert
// on (source, event_id) wins; everything after is a duplicate and the
// caller skips processing. This guards non-idempotent side effects;
// the ledger's reference constraint independently guards the money.
type IdempotencyService struct {
	db *sql.DB
}

func NewIdempotencyService(db *sql.DB) *IdempotencyService {
	return &IdempotencyService{db: db}
}

// RecordIfNew returns true when this is the first sighting of the
// event. Duplicates are logged at debug level and reported as not-new,
// never as an error.
func (s *IdempotencyService) RecordIfNew(ctx context.Context, source, eventID, eventType string, payload []byte, orgID string) (bool, error) {
	var org any
	if orgID != "" {
		org = orgID
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_webhook_events (event_id, source, event_type, payload, organization_id, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source, event_id) DO NOTHING`,
		eventID, source, eventType, payload, org, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to record webhook event: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rowsAffected == 0 {
		log.Printf("[WEBHOOK] DEBUG duplicate event %s/%s, skipping", source, eventID)
		return false, nil
	}
	return true, nil
}

// MarkProcessed stamps the event once its effects are durably in the
// ledger. Only stamped events are eligible for purging.
func (s *IdempotencyService) MarkProcessed(ctx context.Context, source, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE processed_webhook_events SET processed_at = $1 WHERE source = $2 AND event_id = $3`,
		time.Now(), source, eventID)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// Forget drops an unprocessed registration so the sender's redelivery
// is not treated as a duplicate. Used when enqueueing fails after the
// event was recorded.
func (s *IdempotencyService) Forget(ctx context.Context, source, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_webhook_events
		WHERE source = $1 AND event_id = $2 AND processed_at IS NULL`, source, eventID)
	return err
}

// PurgeOlderThan removes processed events outside the retention
// window. Unprocessed rows are never purged, so an event's dedupe
// guard outlives any retry cycle.
func (s *IdempotencyService) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM processed_webhook_events
		WHERE processed_at IS NOT NULL AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge webhook events: %w", err)
	}
	purged, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		log.Printf("[WEBHOOK] Purged %d processed events older than %s", purged, cutoff.Format(time.RFC3339))
	}
	return purged, nil
}
