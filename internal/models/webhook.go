package models

import (
	"encoding/json"
	"time"
)

// Webhook sources.
const (
	SourcePayment      = "payment"
	SourceCallProvider = "call_provider"
)

// Job types carried on the queue.
const (
	JobTypeTopup   = "payment.completed"
	JobTypeCallEnd = "call.ended"
)

// CallEndedEvent is the call provider's end-of-call payload after
// schema validation at the boundary.
type CallEndedEvent struct {
	CallID          string    `json:"callId" validate:"required"`
	OrganizationID  string    `json:"organizationId" validate:"required"`
	DurationSeconds int       `json:"durationSeconds" validate:"min=0"`
	CostMinorUnits  int64     `json:"costMinorUnits" validate:"min=0"`
	EndedAt         time.Time `json:"endedAt" validate:"required"`
}

// TopupEvent is the normalized payment-completed payload extracted
// from a verified payment-processor event.
type TopupEvent struct {
	EventID          string `json:"eventId"`
	OrganizationID   string `json:"organizationId"`
	AmountMinorUnits int64  `json:"amountMinorUnits"`
	ReferenceID      string `json:"referenceId"`
}

// WebhookJob is the unit of work on the durable queue. Type tags which
// payload field is populated.
type WebhookJob struct {
	ID         string          `json:"id"`
	Source     string          `json:"source"`
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}
