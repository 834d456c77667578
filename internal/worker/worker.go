// Package worker consumes prewarm side-effect jobs from the redis queue:
// success-fee captures and outcome notifications.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/slotline/backend/internal/billing"
	"github.com/slotline/backend/internal/notify"
	"github.com/slotline/backend/pkg/queue"
)

// SideEffectProcessor processes fee-capture and notification jobs.
type SideEffectProcessor struct {
	capturer billing.Capturer
	notifier notify.Notifier
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewSideEffectProcessor creates a side-effect processor.
func NewSideEffectProcessor(capturer billing.Capturer, notifier notify.Notifier, q *queue.Queue, logger *zap.Logger) *SideEffectProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SideEffectProcessor{capturer: capturer, notifier: notifier, queue: q, logger: logger}
}

// Process executes one job.
func (p *SideEffectProcessor) Process(ctx context.Context, job *queue.Job) error {
	switch job.Type {
	case queue.JobTypeFeeCapture:
		var payload queue.FeeCapturePayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		if err := p.capturer.CaptureSuccessFee(ctx, payload.RegistrationID, payload.AmountCents); err != nil {
			return fmt.Errorf("capture fee: %w", err)
		}
		p.logger.Info("fee captured",
			zap.String("registration_id", payload.RegistrationID.String()),
			zap.Int("amount_cents", payload.AmountCents))
		return nil

	case queue.JobTypeNotification:
		var payload queue.NotificationPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		if err := p.notifier.Notify(ctx, payload); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		return nil

	default:
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *SideEffectProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("side-effect worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
		}
	}
}
