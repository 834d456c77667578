package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slotline/backend/internal/models"
	"github.com/slotline/backend/internal/notify"
	"github.com/slotline/backend/pkg/queue"
)

// Client is the abstracted "attempt registration" collaborator: the
// provider-automation service that fills and submits the form.
type Client interface {
	AttemptRegistration(ctx context.Context, reg models.Registration) error
}

// RegistrationStore is the subset of transitions the runner needs.
type RegistrationStore interface {
	ClaimAccepted(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID) (bool, error)
}

// Fallback is the terminal strategy when retries are exhausted or the
// error is fatal.
type Fallback string

const (
	// FallbackAlertParent notifies immediately and marks the
	// registration failed.
	FallbackAlertParent Fallback = "alert_parent"
	// FallbackKeepTrying leaves the registration for a future scheduling
	// cycle.
	FallbackKeepTrying Fallback = "keep_trying"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Fallback    Fallback
}

// Status is the outcome status reported to the external scheduler.
type Status string

const (
	StatusCompleted       Status = "completed"
	StatusRetrying        Status = "retrying"
	StatusFailed          Status = "failed"
	StatusNeedsReschedule Status = "needs_reschedule"
)

// Outcome is the result of one execution attempt.
type Outcome struct {
	Status  Status
	RetryIn time.Duration // set when Status is retrying
	Kind    ErrorKind     // classification of the attempt error, if any
	Err     error
}

// Runner executes one registration attempt and applies the retry policy.
// The external scheduler owns re-invocation; the runner only reports
// what should happen next.
type Runner struct {
	client   Client
	regs     RegistrationStore
	notifier notify.Notifier
	policy   Policy
	logger   *zap.Logger

	// faultHook, when set, replaces the client call. Test harness only;
	// production wiring leaves it nil.
	faultHook func(reg models.Registration) error
}

// NewRunner creates an execution runner.
func NewRunner(client Client, regs RegistrationStore, notifier notify.Notifier, policy Policy, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{client: client, regs: regs, notifier: notifier, policy: policy, logger: logger}
}

// Execute performs attempt number attempt (1-based) for the
// registration.
func (r *Runner) Execute(ctx context.Context, reg models.Registration, attempt int) Outcome {
	log := r.logger.With(
		zap.String("registration_id", reg.ID.String()),
		zap.Int("attempt", attempt))

	err := r.attempt(ctx, reg)
	if err == nil {
		if _, cerr := r.regs.ClaimAccepted(ctx, reg.ID); cerr != nil {
			log.Error("accepted transition failed after provider success", zap.Error(cerr))
		}
		log.Info("registration executed")
		return Outcome{Status: StatusCompleted}
	}

	kind := Classify(err)
	log.Warn("registration attempt failed", zap.String("kind", kind.String()), zap.Error(err))

	if kind.Retryable() && attempt < r.policy.MaxAttempts {
		return Outcome{Status: StatusRetrying, RetryIn: r.policy.RetryDelay, Kind: kind, Err: err}
	}
	return r.fallback(ctx, reg, kind, err, log)
}

func (r *Runner) attempt(ctx context.Context, reg models.Registration) error {
	if r.faultHook != nil {
		return r.faultHook(reg)
	}
	return r.client.AttemptRegistration(ctx, reg)
}

func (r *Runner) fallback(ctx context.Context, reg models.Registration, kind ErrorKind, err error, log *zap.Logger) Outcome {
	switch r.policy.Fallback {
	case FallbackKeepTrying:
		log.Info("leaving registration for a future cycle", zap.String("kind", kind.String()))
		return Outcome{Status: StatusNeedsReschedule, Kind: kind, Err: err}
	default: // alert_parent
		if _, ferr := r.regs.MarkFailed(ctx, reg.ID); ferr != nil {
			log.Error("failed transition errored", zap.Error(ferr))
		}
		if nerr := r.notifier.Notify(ctx, queue.NotificationPayload{
			Kind:           queue.NotifyFailed,
			UserID:         reg.UserID,
			RegistrationID: reg.ID,
			SessionID:      reg.SessionID,
		}); nerr != nil {
			log.Error("parent alert failed", zap.Error(nerr))
		}
		return Outcome{Status: StatusFailed, Kind: kind, Err: err}
	}
}
