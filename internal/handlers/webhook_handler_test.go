package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stripe/stripe-go/v82"
	"github.com/voxanne/backend/internal/models"
	"github.com/voxanne/backend/internal/queue"
	"github.com/voxanne/backend/internal/services"
)

const (
	testStripeSecret = "whsec_test_secret"
	testCallSecret   = "call_test_secret"
)

func handlerFixture(t *testing.T) (*WebhookHandler, sqlmock.Sqlmock, redismock.ClientMock, func()) {
	db, dbMock, err := sqlmock.New()
	assert.NoError(t, err)

	redisClient, redisMock := redismock.NewClientMock()
	q := queue.New(redisClient, func(ctx context.Context, job *models.WebhookJob) error { return nil }, 1, 3, 2*time.Second)
	idempotency := services.NewIdempotencyService(db)

	h := NewWebhookHandler(idempotency, q, testStripeSecret, testCallSecret)
	return h, dbMock, redisMock, func() { db.Close() }
}

func signCallPayload(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(testCallSecret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// stripeSignature builds a Stripe-Signature header the same way the
// sender does: v1 is an HMAC over "<timestamp>.<payload>".
func stripeSignature(payload []byte, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(testStripeSecret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

// expectEnqueuedJob matches the queue push loosely: the job id and
// enqueue time are generated per request.
func expectEnqueuedJob(redisMock redismock.ClientMock, t *testing.T, wantType, wantEventID string) {
	redisMock.CustomMatch(func(expected, actual []interface{}) error {
		raw, ok := actual[len(actual)-1].(string)
		if !ok {
			if b, isBytes := actual[len(actual)-1].([]byte); isBytes {
				raw = string(b)
			}
		}
		var job models.WebhookJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			return fmt.Errorf("unparseable job payload: %w", err)
		}
		assert.Equal(t, wantType, job.Type)
		assert.Equal(t, wantEventID, job.EventID)
		return nil
	}).ExpectRPush("webhook_jobs", "ignored").SetVal(1)
}

func TestWebhookHandler_HandleCallWebhook(t *testing.T) {
	callEndedBody := []byte(`{
		"event": "call.ended",
		"callId": "call_1",
		"organizationId": "org_1",
		"durationSeconds": 61,
		"costMinorUnits": 120,
		"endedAt": "2026-08-01T10:00:00Z"
	}`)

	t.Run("missing signature is rejected", func(t *testing.T) {
		h, _, _, cleanup := handlerFixture(t)
		defer cleanup()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/call-events", bytes.NewReader(callEndedBody))
		rec := httptest.NewRecorder()
		h.HandleCallWebhook(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong signature is rejected", func(t *testing.T) {
		h, _, _, cleanup := handlerFixture(t)
		defer cleanup()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/call-events", bytes.NewReader(callEndedBody))
		req.Header.Set("X-Webhook-Signature", "deadbeef")
		rec := httptest.NewRecorder()
		h.HandleCallWebhook(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("valid call.ended event is deduped and queued", func(t *testing.T) {
		h, dbMock, redisMock, cleanup := handlerFixture(t)
		defer cleanup()

		dbMock.ExpectExec("INSERT INTO processed_webhook_events").
			WithArgs("call.ended:call_1", models.SourceCallProvider, "call.ended", callEndedBody, "org_1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectEnqueuedJob(redisMock, t, models.JobTypeCallEnd, "call.ended:call_1")

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/call-events", bytes.NewReader(callEndedBody))
		req.Header.Set("X-Webhook-Signature", signCallPayload(callEndedBody))
		rec := httptest.NewRecorder()
		h.HandleCallWebhook(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "queued")
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("redelivered event is acknowledged without queueing", func(t *testing.T) {
		h, dbMock, redisMock, cleanup := handlerFixture(t)
		defer cleanup()

		dbMock.ExpectExec("INSERT INTO processed_webhook_events").
			WithArgs("call.ended:call_1", models.SourceCallProvider, "call.ended", callEndedBody, "org_1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 0))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/call-events", bytes.NewReader(callEndedBody))
		req.Header.Set("X-Webhook-Signature", signCallPayload(callEndedBody))
		rec := httptest.NewRecorder()
		h.HandleCallWebhook(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "duplicate")
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("non-billing lifecycle events are acknowledged and dropped", func(t *testing.T) {
		h, dbMock, redisMock, cleanup := handlerFixture(t)
		defer cleanup()

		body := []byte(`{"event":"call.started","callId":"call_1","organizationId":"org_1"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/call-events", bytes.NewReader(body))
		req.Header.Set("X-Webhook-Signature", signCallPayload(body))
		rec := httptest.NewRecorder()
		h.HandleCallWebhook(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "ignored")
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("schema violations are rejected", func(t *testing.T) {
		h, _, _, cleanup := handlerFixture(t)
		defer cleanup()

		body := []byte(`{"event":"call.ended","organizationId":"org_1","durationSeconds":61}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/call-events", bytes.NewReader(body))
		req.Header.Set("X-Webhook-Signature", signCallPayload(body))
		rec := httptest.NewRecorder()
		h.HandleCallWebhook(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("enqueue failure forgets the dedupe record and asks for redelivery", func(t *testing.T) {
		h, dbMock, redisMock, cleanup := handlerFixture(t)
		defer cleanup()

		dbMock.ExpectExec("INSERT INTO processed_webhook_events").
			WithArgs("call.ended:call_1", models.SourceCallProvider, "call.ended", callEndedBody, "org_1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		redisMock.CustomMatch(func(expected, actual []interface{}) error {
			return nil
		}).ExpectRPush("webhook_jobs", "ignored").SetErr(redis.ErrClosed)
		dbMock.ExpectExec("DELETE FROM processed_webhook_events").
			WithArgs(models.SourceCallProvider, "call.ended:call_1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/call-events", bytes.NewReader(callEndedBody))
		req.Header.Set("X-Webhook-Signature", signCallPayload(callEndedBody))
		rec := httptest.NewRecorder()
		h.HandleCallWebhook(rec, req)

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestWebhookHandler_HandlePaymentWebhook(t *testing.T) {
	checkoutPayload := []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"api_version": %q,
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": "cs_test_1",
				"payment_status": "paid",
				"amount_total": 2500,
				"metadata": {"organization_id": "org_1", "amount_minor_units": "2500"}
			}
		}
	}`, stripe.APIVersion))

	t.Run("missing signature is rejected", func(t *testing.T) {
		h, _, _, cleanup := handlerFixture(t)
		defer cleanup()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", bytes.NewReader(checkoutPayload))
		rec := httptest.NewRecorder()
		h.HandlePaymentWebhook(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("tampered payload is rejected", func(t *testing.T) {
		h, _, _, cleanup := handlerFixture(t)
		defer cleanup()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", bytes.NewReader(checkoutPayload))
		req.Header.Set("Stripe-Signature", stripeSignature([]byte(`{"id":"evt_other"}`), time.Now()))
		rec := httptest.NewRecorder()
		h.HandlePaymentWebhook(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("stale signature is rejected", func(t *testing.T) {
		h, _, _, cleanup := handlerFixture(t)
		defer cleanup()

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", bytes.NewReader(checkoutPayload))
		req.Header.Set("Stripe-Signature", stripeSignature(checkoutPayload, time.Now().Add(-time.Hour)))
		rec := httptest.NewRecorder()
		h.HandlePaymentWebhook(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("paid checkout session is deduped and queued", func(t *testing.T) {
		h, dbMock, redisMock, cleanup := handlerFixture(t)
		defer cleanup()

		dbMock.ExpectExec("INSERT INTO processed_webhook_events").
			WithArgs("evt_1", models.SourcePayment, "checkout.session.completed", checkoutPayload, "org_1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectEnqueuedJob(redisMock, t, models.JobTypeTopup, "evt_1")

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", bytes.NewReader(checkoutPayload))
		req.Header.Set("Stripe-Signature", stripeSignature(checkoutPayload, time.Now()))
		rec := httptest.NewRecorder()
		h.HandlePaymentWebhook(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "queued")
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("unpaid checkout session is acknowledged and dropped", func(t *testing.T) {
		h, dbMock, redisMock, cleanup := handlerFixture(t)
		defer cleanup()

		payload := []byte(fmt.Sprintf(`{
			"id": "evt_2",
			"api_version": %q,
			"type": "checkout.session.completed",
			"data": {"object": {"id": "cs_test_2", "payment_status": "unpaid", "metadata": {"organization_id": "org_1"}}}
		}`, stripe.APIVersion))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", stripeSignature(payload, time.Now()))
		rec := httptest.NewRecorder()
		h.HandlePaymentWebhook(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "ignored")
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("non-billable event types are acknowledged and dropped", func(t *testing.T) {
		h, dbMock, redisMock, cleanup := handlerFixture(t)
		defer cleanup()

		payload := []byte(fmt.Sprintf(`{
			"id": "evt_3",
			"api_version": %q,
			"type": "charge.refunded",
			"data": {"object": {"id": "ch_1"}}
		}`, stripe.APIVersion))

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", stripeSignature(payload, time.Now()))
		rec := httptest.NewRecorder()
		h.HandlePaymentWebhook(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "ignored")
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("auto-recharge payment intent is queued", func(t *testing.T) {
		h, dbMock, redisMock, cleanup := handlerFixture(t)
		defer cleanup()

		payload := []byte(fmt.Sprintf(`{
			"id": "evt_4",
			"api_version": %q,
			"type": "payment_intent.succeeded",
			"data": {
				"object": {
					"id": "pi_1",
					"amount": 2500,
					"metadata": {"organization_id": "org_1", "reason": "auto_recharge"}
				}
			}
		}`, stripe.APIVersion))

		dbMock.ExpectExec("INSERT INTO processed_webhook_events").
			WithArgs("evt_4", models.SourcePayment, "payment_intent.succeeded", payload, "org_1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		expectEnqueuedJob(redisMock, t, models.JobTypeTopup, "evt_4")

		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", stripeSignature(payload, time.Now()))
		rec := httptest.NewRecorder()
		h.HandlePaymentWebhook(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "queued")
		assert.NoError(t, dbMock.ExpectationsWereMet())
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestWebhookHandler_ListDeadLetters(t *testing.T) {
	h, _, redisMock, cleanup := handlerFixture(t)
	defer cleanup()

	deadJob, err := json.Marshal(&models.WebhookJob{
		ID:       "job_1",
		Source:   models.SourceCallProvider,
		EventID:  "call.ended:call_1",
		Type:     models.JobTypeCallEnd,
		Attempts: 3,
	})
	assert.NoError(t, err)
	redisMock.ExpectLRange("webhook_jobs_dead", 0, 49).SetVal([]string{string(deadJob)})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/webhooks/dead-letters", nil)
	rec := httptest.NewRecorder()
	h.ListDeadLetters(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
	assert.Contains(t, rec.Body.String(), "job_1")
	assert.NoError(t, redisMock.ExpectationsWereMet())
}
