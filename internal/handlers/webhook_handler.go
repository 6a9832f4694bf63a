package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
	"github.com/voxanne/backend/internal/models"
	"github.com/voxanne/backend/internal/queue"
	"github.com/voxanne/backend/internal/services"
)

const maxWebhookBytes = 1_048_576 // 1 MB

// WebhookHandler is the intake boundary for both external senders:
// verify authenticity, dedupe, enqueue, and acknowledge. A 200 means
// "received", never "fully processed".
type WebhookHandler struct {
	idempotency       *services.IdempotencyService
	queue             *queue.Queue
	validator         *services.ValidationHelper
	stripeSecret      string
	callWebhookSecret string
}

func NewWebhookHandler(idempotency *services.IdempotencyService, q *queue.Queue, stripeSecret, callWebhookSecret string) *WebhookHandler {
	return &WebhookHandler{
		idempotency:       idempotency,
		queue:             q,
		validator:         services.NewValidationHelper(),
		stripeSecret:      stripeSecret,
		callWebhookSecret: callWebhookSecret,
	}
}

// HandlePaymentWebhook receives payment-processor events
// @Summary Payment webhook
// @Description Verifies the Stripe signature, dedupes the event and queues it for processing
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /webhooks/payment [post]
func (h *WebhookHandler) HandlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		services.SendErrorResponse(w, "Failed to read request body", http.StatusBadRequest, nil)
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.stripeSecret)
	if err != nil {
		log.Printf("[WEBHOOK] Payment signature verification failed from %s: %v", r.RemoteAddr, err)
		services.SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}

	topup, ok, err := extractTopupEvent(event)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
		return
	}
	if !ok {
		// Event types we don't bill on are acknowledged and dropped.
		log.Printf("[WEBHOOK] Ignoring payment event type %s (%s)", event.Type, event.ID)
		respondAccepted(w, "ignored")
		return
	}

	isNew, err := h.idempotency.RecordIfNew(r.Context(), models.SourcePayment, event.ID, string(event.Type), payload, topup.OrganizationID)
	if err != nil {
		log.Printf("[WEBHOOK] Failed to record payment event %s: %v", event.ID, err)
		services.SendErrorResponse(w, "Try again", http.StatusInternalServerError, nil)
		return
	}
	if !isNew {
		respondAccepted(w, "duplicate")
		return
	}

	jobPayload, _ := json.Marshal(topup)
	job := &models.WebhookJob{
		ID:         uuid.NewString(),
		Source:     models.SourcePayment,
		EventID:    event.ID,
		Type:       models.JobTypeTopup,
		Payload:    jobPayload,
		EnqueuedAt: time.Now(),
	}
	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		log.Printf("[WEBHOOK] Failed to enqueue payment event %s: %v", event.ID, err)
		// Let the sender redeliver.
		h.idempotency.Forget(r.Context(), models.SourcePayment, event.ID)
		services.SendErrorResponse(w, "Try again", http.StatusInternalServerError, nil)
		return
	}

	respondAccepted(w, "queued")
}

// HandleCallWebhook receives call-provider events
// @Summary Call events webhook
// @Description Verifies the HMAC signature, dedupes the event and queues end-of-call charges
// @Tags webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /webhooks/call-events [post]
func (h *WebhookHandler) HandleCallWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		services.SendErrorResponse(w, "Failed to read request body", http.StatusBadRequest, nil)
		return
	}

	if !h.verifyCallSignature(payload, r.Header.Get("X-Webhook-Signature")) {
		log.Printf("[WEBHOOK] Call event signature verification failed from %s", r.RemoteAddr)
		services.SendErrorResponse(w, "Invalid signature", http.StatusUnauthorized, nil)
		return
	}

	var body struct {
		Event string `json:"event"`
		models.CallEndedEvent
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if body.Event != "call.ended" {
		// Call lifecycle events other than completion carry no billing
		// information.
		respondAccepted(w, "ignored")
		return
	}

	if err := h.validator.ValidateStruct(&body.CallEndedEvent); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	// The provider does not send an event id; completion is unique per
	// call, so the call id scopes the dedupe key.
	eventID := "call.ended:" + body.CallID

	isNew, err := h.idempotency.RecordIfNew(r.Context(), models.SourceCallProvider, eventID, "call.ended", payload, body.OrganizationID)
	if err != nil {
		log.Printf("[WEBHOOK] Failed to record call event %s: %v", eventID, err)
		services.SendErrorResponse(w, "Try again", http.StatusInternalServerError, nil)
		return
	}
	if !isNew {
		respondAccepted(w, "duplicate")
		return
	}

	jobPayload, _ := json.Marshal(body.CallEndedEvent)
	job := &models.WebhookJob{
		ID:         uuid.NewString(),
		Source:     models.SourceCallProvider,
		EventID:    eventID,
		Type:       models.JobTypeCallEnd,
		Payload:    jobPayload,
		EnqueuedAt: time.Now(),
	}
	if err := h.queue.Enqueue(r.Context(), job); err != nil {
		log.Printf("[WEBHOOK] Failed to enqueue call event %s: %v", eventID, err)
		h.idempotency.Forget(r.Context(), models.SourceCallProvider, eventID)
		services.SendErrorResponse(w, "Try again", http.StatusInternalServerError, nil)
		return
	}

	respondAccepted(w, "queued")
}

// ListDeadLetters returns jobs that exhausted their attempts
// @Summary List dead-lettered webhook jobs
// @Description Jobs that exhausted their retry attempts and need operator attention
// @Tags webhooks
// @Produce json
// @Param limit query int false "Number of jobs to return (default: 50, max: 200)"
// @Success 200 {object} object{jobs=[]models.WebhookJob,count=int}
// @Failure 500 {object} map[string]string
// @Router /webhooks/dead-letters [get]
func (h *WebhookHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := int64(50)
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.ParseInt(limitStr, 10, 64); err == nil && l > 0 && l <= 200 {
			limit = l
		}
	}

	jobs, err := h.queue.DeadLetters(r.Context(), limit)
	if err != nil {
		log.Printf("[WEBHOOK] Failed to read dead letters: %v", err)
		services.SendErrorResponse(w, "Failed to read dead letters, try again", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (h *WebhookHandler) verifyCallSignature(payload []byte, signature string) bool {
	if h.callWebhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.callWebhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// extractTopupEvent maps a verified Stripe event onto the normalized
// topup payload. ok=false means the event type is not billable.
func extractTopupEvent(event stripe.Event) (*models.TopupEvent, bool, error) {
	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, false, errInvalidPayload("checkout session")
		}
		if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			return nil, false, nil
		}
		orgID := session.Metadata["organization_id"]
		if orgID == "" {
			return nil, false, errInvalidPayload("checkout session missing organization")
		}
		amount := session.AmountTotal
		if amountStr := session.Metadata["amount_minor_units"]; amount <= 0 && amountStr != "" {
			amount, _ = strconv.ParseInt(amountStr, 10, 64)
		}
		if amount <= 0 {
			return nil, false, errInvalidPayload("checkout session missing amount")
		}
		return &models.TopupEvent{
			EventID:          event.ID,
			OrganizationID:   orgID,
			AmountMinorUnits: amount,
			ReferenceID:      session.ID,
		}, true, nil

	case "payment_intent.succeeded":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return nil, false, errInvalidPayload("payment intent")
		}
		orgID := intent.Metadata["organization_id"]
		if orgID == "" {
			// Intents not created by this system (e.g. checkout's own
			// intent) are credited through their session event instead.
			return nil, false, nil
		}
		if intent.Metadata["reason"] != "auto_recharge" {
			return nil, false, nil
		}
		return &models.TopupEvent{
			EventID:          event.ID,
			OrganizationID:   orgID,
			AmountMinorUnits: intent.Amount,
			ReferenceID:      intent.ID,
		}, true, nil
	}
	return nil, false, nil
}

func errInvalidPayload(what string) error {
	return errors.New("Malformed payload: " + what)
}

func respondAccepted(w http.ResponseWriter, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": status})
}
