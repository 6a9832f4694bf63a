package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/voxanne/backend/internal/audit"
	"github.com/voxanne/backend/internal/models"
	"github.com/voxanne/backend/internal/services"
)

// Redis keys backing the queue.
const (
	jobList        = "webhook_jobs"
	processingList = "webhook_jobs_processing"
	retrySet       = "webhook_jobs_retry"
	deadLetterList = "webhook_jobs_dead"
)

const popTimeout = 5 * time.Second

// Handler processes one dequeued job. Returning nil acks the job.
type Handler func(ctx context.Context, job *models.WebhookJob) error

// Queue is the durable webhook work queue: a Redis list for ready
// jobs, a processing list holding each job between pop and ack, a
// sorted set for delayed retries scored by next-attempt time, and a
// dead-letter list for jobs that exhausted their attempts.
type Queue struct {
	redis       *redis.Client
	audit       *audit.AuditLogger
	handler     Handler
	workers     int
	maxAttempts int
	baseDelay   time.Duration
	wg          sync.WaitGroup
}

func New(redisClient *redis.Client, handler Handler, workers, maxAttempts int, baseDelay time.Duration) *Queue {
	return &Queue{
		redis:       redisClient,
		audit:       audit.NewAuditLogger(),
		handler:     handler,
		workers:     workers,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

// Enqueue pushes a job onto the ready list.
func (q *Queue) Enqueue(ctx context.Context, job *models.WebhookJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.redis.RPush(ctx, jobList, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	log.Printf("[QUEUE] Enqueued %s job %s (event %s)", job.Type, job.ID, job.EventID)
	return nil
}

// Start requeues jobs a previous run left in flight, then launches the
// worker pool and the retry pump. Workers drain their current job
// before exiting on shutdown.
func (q *Queue) Start(ctx context.Context) {
	if n := q.recoverInFlight(ctx); n > 0 {
		log.Printf("[QUEUE] Requeued %d in-flight jobs from a previous run", n)
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
	q.wg.Add(1)
	go q.retryPump(ctx)
}

// Stop blocks until all workers have finished their current job.
func (q *Queue) Stop() {
	q.wg.Wait()
	log.Println("[QUEUE] All workers stopped")
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	log.Printf("[QUEUE] Worker %d started", id)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[QUEUE] Worker %d shutting down", id)
			return
		default:
		}

		raw, err := q.redis.BRPopLPush(ctx, jobList, processingList, popTimeout).Result()
		if err != nil {
			if err == redis.Nil || errors.Is(err, context.Canceled) {
				continue
			}
			log.Printf("[QUEUE] Worker %d pop failed: %v", id, err)
			time.Sleep(time.Second)
			continue
		}

		q.handleRaw(raw)
	}
}

// handleRaw runs one popped job and then acks it off the processing
// list. The job stays in the processing list until the ack, so a crash
// between pop and handler completion leaves it recoverable by the next
// startup sweep instead of lost.
func (q *Queue) handleRaw(raw string) {
	var job models.WebhookJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		log.Printf("[QUEUE] Dead-lettered unparseable job: %v", err)
		q.redis.RPush(context.Background(), deadLetterList, raw)
	} else {
		q.process(&job)
	}
	if err := q.redis.LRem(context.Background(), processingList, 1, raw).Err(); err != nil {
		log.Printf("[QUEUE] Failed to ack job off the processing list: %v", err)
	}
}

// recoverInFlight returns jobs stranded in the processing list to the
// ready list. It runs before the workers start, so anything found there
// belongs to a run that crashed between pop and ack.
func (q *Queue) recoverInFlight(ctx context.Context) int {
	requeued := 0
	for {
		if _, err := q.redis.RPopLPush(ctx, processingList, jobList).Result(); err != nil {
			if err != redis.Nil {
				log.Printf("[QUEUE] In-flight recovery failed: %v", err)
			}
			return requeued
		}
		requeued++
	}
}

// process runs one job to completion on a detached context: a shutdown
// signal must not cancel a job mid-transaction.
func (q *Queue) process(job *models.WebhookJob) {
	procCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	job.Attempts++
	err := q.handler(procCtx, job)
	if err == nil {
		log.Printf("[QUEUE] Completed %s job %s (event %s, attempt %d)", job.Type, job.ID, job.EventID, job.Attempts)
		return
	}

	log.Printf("[QUEUE] Job %s failed (event %s, attempt %d/%d): %v", job.ID, job.EventID, job.Attempts, q.maxAttempts, err)

	// Malformed payloads cannot succeed on retry.
	if errors.Is(err, services.ErrValidation) {
		q.deadLetter(procCtx, job, err)
		return
	}

	if job.Attempts >= q.maxAttempts {
		q.deadLetter(procCtx, job, err)
		return
	}

	q.scheduleRetry(procCtx, job)
}

func (q *Queue) scheduleRetry(ctx context.Context, job *models.WebhookJob) {
	// 2s, 4s, 8s for the default base delay.
	delay := q.baseDelay * time.Duration(1<<(job.Attempts-1))
	retryAt := time.Now().Add(delay)

	data, err := json.Marshal(job)
	if err != nil {
		log.Printf("[QUEUE] Failed to marshal job %s for retry: %v", job.ID, err)
		return
	}
	if err := q.redis.ZAdd(ctx, retrySet, &redis.Z{
		Score:  float64(retryAt.Unix()),
		Member: data,
	}).Err(); err != nil {
		log.Printf("[QUEUE] Failed to schedule retry for job %s: %v", job.ID, err)
		return
	}
	log.Printf("[QUEUE] Job %s retrying in %s (attempt %d)", job.ID, delay, job.Attempts)
}

func (q *Queue) deadLetter(ctx context.Context, job *models.WebhookJob, cause error) {
	data, err := json.Marshal(job)
	if err != nil {
		log.Printf("[QUEUE] Failed to marshal job %s for dead letter: %v", job.ID, err)
		return
	}
	if err := q.redis.RPush(ctx, deadLetterList, data).Err(); err != nil {
		log.Printf("[QUEUE] Failed to dead-letter job %s: %v", job.ID, err)
		return
	}
	q.audit.Alert("", "JOB_DEAD_LETTERED",
		fmt.Sprintf("job %s (event %s/%s) dead-lettered after %d attempts: %v", job.ID, job.Source, job.EventID, job.Attempts, cause))
}

// retryPump moves due jobs from the retry set back to the ready list.
func (q *Queue) retryPump(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := strconv.FormatInt(time.Now().Unix(), 10)
			due, err := q.redis.ZRangeByScore(ctx, retrySet, &redis.ZRangeBy{
				Min: "-inf",
				Max: now,
			}).Result()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					log.Printf("[QUEUE] Retry pump failed: %v", err)
				}
				continue
			}
			for _, member := range due {
				removed, err := q.redis.ZRem(ctx, retrySet, member).Result()
				if err != nil || removed == 0 {
					continue
				}
				if err := q.redis.RPush(ctx, jobList, member).Err(); err != nil {
					log.Printf("[QUEUE] Failed to requeue retry job: %v", err)
				}
			}
		}
	}
}

// DeadLetters returns up to limit dead-lettered jobs for inspection.
func (q *Queue) DeadLetters(ctx context.Context, limit int64) ([]models.WebhookJob, error) {
	items, err := q.redis.LRange(ctx, deadLetterList, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	jobs := make([]models.WebhookJob, 0, len(items))
	for _, item := range items {
		var job models.WebhookJob
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
