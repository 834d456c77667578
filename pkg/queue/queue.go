// Package queue is a redis-list job queue for prewarm side effects: fee
// capture and user notifications. Side effects are queued rather than
// executed inline so a billing or SMS hiccup can never stall the
// timing-critical attempt loop.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// QueueSideEffects is the Redis list key for outcome side-effect jobs.
	QueueSideEffects = "worker:side_effects"
	// QueueDLQ is the dead-letter queue for jobs that exhausted retries.
	QueueDLQ = "worker:dlq"
	// MaxRetries is the number of times to retry a job before moving to DLQ.
	MaxRetries = 3
	// RetryBackoff is the delay between retries.
	RetryBackoff = 10 * time.Second
)

// JobType identifies the job kind.
type JobType string

const (
	JobTypeFeeCapture   JobType = "fee_capture"
	JobTypeNotification JobType = "notification"
)

// FeeCapturePayload is the payload for success-fee capture jobs.
type FeeCapturePayload struct {
	RegistrationID uuid.UUID `json:"registration_id"`
	AmountCents    int       `json:"amount_cents"`
}

// Notification kinds. Failed and needs_user_action are distinct on
// purpose: one means the race was lost, the other means the user can fix
// something.
const (
	NotifyAccepted        = "registration_accepted"
	NotifyFailed          = "registration_failed"
	NotifyNeedsUserAction = "registration_needs_user_action"
)

// NotificationPayload is the payload for user notification jobs.
type NotificationPayload struct {
	Kind           string    `json:"kind"`
	UserID         uuid.UUID `json:"user_id"`
	RegistrationID uuid.UUID `json:"registration_id"`
	SessionID      uuid.UUID `json:"session_id"`
	ReasonCode     string    `json:"reason_code,omitempty"`
}

// Job is a generic job envelope.
type Job struct {
	ID        string          `json:"id"`
	Type      JobType         `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Attempt   int             `json:"attempt"`
	CreatedAt time.Time       `json:"created_at"`
}

// Queue enqueues and dequeues jobs via Redis.
type Queue struct {
	client *redis.Client
	logger *zap.Logger
}

// NewQueue creates a new Redis-backed job queue.
func NewQueue(client *redis.Client, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{client: client, logger: logger}
}

// EnqueueFeeCapture enqueues a success-fee capture job.
func (q *Queue) EnqueueFeeCapture(ctx context.Context, payload FeeCapturePayload) error {
	return q.enqueue(ctx, JobTypeFeeCapture, payload)
}

// EnqueueNotification enqueues a user notification job.
func (q *Queue) EnqueueNotification(ctx context.Context, payload NotificationPayload) error {
	return q.enqueue(ctx, JobTypeNotification, payload)
}

func (q *Queue) enqueue(ctx context.Context, typ JobType, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	job := Job{
		ID:        uuid.New().String(),
		Type:      typ,
		Payload:   body,
		Attempt:   0,
		CreatedAt: time.Now(),
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.RPush(ctx, QueueSideEffects, raw).Err(); err != nil {
		return fmt.Errorf("rpush: %w", err)
	}
	q.logger.Debug("enqueued job", zap.String("job_id", job.ID), zap.String("type", string(typ)))
	return nil
}

// Dequeue blocks until a job is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	result, err := q.client.BLPop(ctx, 0, QueueSideEffects).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	if len(result) < 2 {
		return nil, nil
	}
	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		q.logger.Warn("invalid job payload", zap.String("raw", result[1]), zap.Error(err))
		return nil, nil
	}
	return &job, nil
}

// Retry re-enqueues a job with incremented attempt. If attempt >=
// MaxRetries, pushes to DLQ instead.
func (q *Queue) Retry(ctx context.Context, job *Job) error {
	job.Attempt++
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if job.Attempt >= MaxRetries {
		if err := q.client.RPush(ctx, QueueDLQ, raw).Err(); err != nil {
			q.logger.Error("dlq push failed", zap.Error(err), zap.String("job_id", job.ID))
			return err
		}
		q.logger.Warn("job moved to DLQ", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
		return nil
	}
	if err := q.client.RPush(ctx, QueueSideEffects, raw).Err(); err != nil {
		return err
	}
	q.logger.Info("job retried", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	return nil
}
