package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/voxanne/backend/internal/models"
	"github.com/voxanne/backend/internal/services"
)

func testJob() *models.WebhookJob {
	return &models.WebhookJob{
		ID:      "job_1",
		Source:  models.SourceCallProvider,
		EventID: "call.ended:call_1",
		Type:    models.JobTypeCallEnd,
		Payload: json.RawMessage(`{"callId":"call_1"}`),
	}
}

func mustMarshal(t *testing.T, job *models.WebhookJob) []byte {
	t.Helper()
	data, err := json.Marshal(job)
	assert.NoError(t, err)
	return data
}

func TestQueue_Enqueue(t *testing.T) {
	client, redisMock := redismock.NewClientMock()
	q := New(client, func(ctx context.Context, job *models.WebhookJob) error { return nil }, 1, 3, 2*time.Second)

	job := testJob()
	redisMock.ExpectRPush(jobList, mustMarshal(t, job)).SetVal(1)

	assert.NoError(t, q.Enqueue(context.Background(), job))
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestQueue_Enqueue_RedisDown(t *testing.T) {
	client, redisMock := redismock.NewClientMock()
	q := New(client, func(ctx context.Context, job *models.WebhookJob) error { return nil }, 1, 3, 2*time.Second)

	job := testJob()
	redisMock.ExpectRPush(jobList, mustMarshal(t, job)).SetErr(errors.New("connection refused"))

	assert.Error(t, q.Enqueue(context.Background(), job))
	assert.NoError(t, redisMock.ExpectationsWereMet())
}

func TestQueue_Process(t *testing.T) {
	t.Run("success leaves redis untouched", func(t *testing.T) {
		client, redisMock := redismock.NewClientMock()
		calls := 0
		q := New(client, func(ctx context.Context, job *models.WebhookJob) error {
			calls++
			return nil
		}, 1, 3, 2*time.Second)

		job := testJob()
		q.process(job)

		assert.Equal(t, 1, calls)
		assert.Equal(t, 1, job.Attempts)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("transient failure schedules a delayed retry", func(t *testing.T) {
		client, redisMock := redismock.NewClientMock()
		q := New(client, func(ctx context.Context, job *models.WebhookJob) error {
			return errors.New("database timeout")
		}, 1, 3, 2*time.Second)

		// The retry score is next-attempt time; match it loosely.
		redisMock.CustomMatch(func(expected, actual []interface{}) error {
			return nil
		}).ExpectZAdd(retrySet, &redis.Z{}).SetVal(1)

		job := testJob()
		q.process(job)

		assert.Equal(t, 1, job.Attempts)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("validation failure goes straight to the dead letter list", func(t *testing.T) {
		client, redisMock := redismock.NewClientMock()
		q := New(client, func(ctx context.Context, job *models.WebhookJob) error {
			return fmt.Errorf("%w: malformed payload", services.ErrValidation)
		}, 1, 3, 2*time.Second)

		job := testJob()
		dead := *job
		dead.Attempts = 1
		redisMock.ExpectRPush(deadLetterList, mustMarshal(t, &dead)).SetVal(1)

		q.process(job)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("exhausted attempts dead-letter the job", func(t *testing.T) {
		client, redisMock := redismock.NewClientMock()
		q := New(client, func(ctx context.Context, job *models.WebhookJob) error {
			return errors.New("still failing")
		}, 1, 3, 2*time.Second)

		job := testJob()
		job.Attempts = 2
		dead := *job
		dead.Attempts = 3
		redisMock.ExpectRPush(deadLetterList, mustMarshal(t, &dead)).SetVal(1)

		q.process(job)

		assert.Equal(t, 3, job.Attempts)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestQueue_HandleRaw(t *testing.T) {
	t.Run("completed job is acked off the processing list", func(t *testing.T) {
		client, redisMock := redismock.NewClientMock()
		q := New(client, func(ctx context.Context, job *models.WebhookJob) error { return nil }, 1, 3, 2*time.Second)

		raw := string(mustMarshal(t, testJob()))
		redisMock.ExpectLRem(processingList, 1, raw).SetVal(1)

		q.handleRaw(raw)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("failed job is acked only after its retry is scheduled", func(t *testing.T) {
		client, redisMock := redismock.NewClientMock()
		q := New(client, func(ctx context.Context, job *models.WebhookJob) error {
			return errors.New("database timeout")
		}, 1, 3, 2*time.Second)

		raw := string(mustMarshal(t, testJob()))
		redisMock.CustomMatch(func(expected, actual []interface{}) error {
			return nil
		}).ExpectZAdd(retrySet, &redis.Z{}).SetVal(1)
		redisMock.ExpectLRem(processingList, 1, raw).SetVal(1)

		q.handleRaw(raw)
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("unparseable job is dead-lettered and acked", func(t *testing.T) {
		client, redisMock := redismock.NewClientMock()
		q := New(client, func(ctx context.Context, job *models.WebhookJob) error { return nil }, 1, 3, 2*time.Second)

		redisMock.ExpectRPush(deadLetterList, "not json").SetVal(1)
		redisMock.ExpectLRem(processingList, 1, "not json").SetVal(1)

		q.handleRaw("not json")
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestQueue_RecoverInFlight(t *testing.T) {
	t.Run("stranded jobs return to the ready list", func(t *testing.T) {
		client, redisMock := redismock.NewClientMock()
		q := New(client, func(ctx context.Context, job *models.WebhookJob) error { return nil }, 1, 3, 2*time.Second)

		first := string(mustMarshal(t, testJob()))
		second := testJob()
		second.ID = "job_2"
		redisMock.ExpectRPopLPush(processingList, jobList).SetVal(first)
		redisMock.ExpectRPopLPush(processingList, jobList).SetVal(string(mustMarshal(t, second)))
		redisMock.ExpectRPopLPush(processingList, jobList).RedisNil()

		assert.Equal(t, 2, q.recoverInFlight(context.Background()))
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})

	t.Run("empty processing list is a no-op", func(t *testing.T) {
		client, redisMock := redismock.NewClientMock()
		q := New(client, func(ctx context.Context, job *models.WebhookJob) error { return nil }, 1, 3, 2*time.Second)

		redisMock.ExpectRPopLPush(processingList, jobList).RedisNil()

		assert.Equal(t, 0, q.recoverInFlight(context.Background()))
		assert.NoError(t, redisMock.ExpectationsWereMet())
	})
}

func TestQueue_DeadLetters(t *testing.T) {
	client, redisMock := redismock.NewClientMock()
	q := New(client, func(ctx context.Context, job *models.WebhookJob) error { return nil }, 1, 3, 2*time.Second)

	job := testJob()
	job.Attempts = 3
	redisMock.ExpectLRange(deadLetterList, 0, 9).SetVal([]string{string(mustMarshal(t, job))})

	jobs, err := q.DeadLetters(context.Background(), 10)
	assert.NoError(t, err)
	assert.Len(t, jobs, 1)
	assert.Equal(t, "job_1", jobs[0].ID)
	assert.Equal(t, 3, jobs[0].Attempts)
	assert.NoError(t, redisMock.ExpectationsWereMet())
}
