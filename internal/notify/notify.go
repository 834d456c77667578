// Package notify wraps the external notification delivery service.
// Delivery mechanics (SMS, email) are out of scope; this is the thin
// interface the worker calls.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/slotline/backend/pkg/queue"
)

// Notifier delivers one outcome notification to a user.
type Notifier interface {
	Notify(ctx context.Context, payload queue.NotificationPayload) error
}

// LogNotifier records notifications in the structured log. It stands in
// for the delivery service in environments where it is not configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates the log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify logs the notification.
func (n *LogNotifier) Notify(ctx context.Context, payload queue.NotificationPayload) error {
	n.logger.Info("notification",
		zap.String("kind", payload.Kind),
		zap.String("user_id", payload.UserID.String()),
		zap.String("registration_id", payload.RegistrationID.String()),
		zap.String("reason_code", payload.ReasonCode))
	return nil
}

// QueueNotifier hands notifications to the redis side-effect queue; the
// worker's consumer performs the actual delivery. Used by callers that
// must not block on delivery, like request handlers.
type QueueNotifier struct {
	queue *queue.Queue
}

// NewQueueNotifier creates the queue-backed notifier.
func NewQueueNotifier(q *queue.Queue) *QueueNotifier {
	return &QueueNotifier{queue: q}
}

// Notify enqueues the notification for the worker.
func (n *QueueNotifier) Notify(ctx context.Context, payload queue.NotificationPayload) error {
	return n.queue.EnqueueNotification(ctx, payload)
}
