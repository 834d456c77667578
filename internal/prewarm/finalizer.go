package prewarm

import (
	"context"

	"go.uber.org/zap"

	"github.com/slotline/backend/internal/models"
	"github.com/slotline/backend/pkg/queue"
)

// QueueFinalizer pushes outcome side effects onto the redis queue: fee
// capture for winners, and per-kind notifications. Enqueue failures are
// logged for reconciliation but never revert an outcome — a provider-side
// win is irreversible and must not be undone by a billing hiccup.
type QueueFinalizer struct {
	queue           *queue.Queue
	successFeeCents int
	logger          *zap.Logger
}

// NewQueueFinalizer creates the queue-backed finalizer.
func NewQueueFinalizer(q *queue.Queue, successFeeCents int, logger *zap.Logger) *QueueFinalizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueueFinalizer{queue: q, successFeeCents: successFeeCents, logger: logger}
}

// RegistrationAccepted enqueues the success-fee capture and the winner
// notification.
func (f *QueueFinalizer) RegistrationAccepted(ctx context.Context, reg models.Registration) {
	if err := f.queue.EnqueueFeeCapture(ctx, queue.FeeCapturePayload{
		RegistrationID: reg.ID,
		AmountCents:    f.successFeeCents,
	}); err != nil {
		f.logger.Error("fee capture enqueue failed, needs reconciliation",
			zap.Error(err), zap.String("registration_id", reg.ID.String()))
	}
	f.notify(ctx, queue.NotifyAccepted, reg, "")
}

// RegistrationFailed enqueues the capacity-lost notification.
func (f *QueueFinalizer) RegistrationFailed(ctx context.Context, reg models.Registration) {
	f.notify(ctx, queue.NotifyFailed, reg, "")
}

// RegistrationBlocked enqueues the user-actionable notification with the
// violated rule code.
func (f *QueueFinalizer) RegistrationBlocked(ctx context.Context, reg models.Registration, code string) {
	f.notify(ctx, queue.NotifyNeedsUserAction, reg, code)
}

func (f *QueueFinalizer) notify(ctx context.Context, kind string, reg models.Registration, code string) {
	if err := f.queue.EnqueueNotification(ctx, queue.NotificationPayload{
		Kind:           kind,
		UserID:         reg.UserID,
		RegistrationID: reg.ID,
		SessionID:      reg.SessionID,
		ReasonCode:     code,
	}); err != nil {
		f.logger.Error("notification enqueue failed",
			zap.Error(err), zap.String("kind", kind), zap.String("registration_id", reg.ID.String()))
	}
}
