package prewarm

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slotline/backend/internal/models"
)

// JobStore persists prewarm jobs and provides the conditional
// scheduled -> running transition used as the per-session run lock.
type JobStore interface {
	Due(ctx context.Context, now time.Time, limit int) ([]models.PrewarmJob, error)
	AcquireRun(ctx context.Context, id uuid.UUID) (bool, error)
	Finish(ctx context.Context, id uuid.UUID, status string, errMsg string) error
}

// Runner is the executor invocation the dispatcher performs per due job.
type Runner interface {
	Run(ctx context.Context, sessionID uuid.UUID) (*models.ExecutorResult, error)
}

// Dispatcher is the coarse tier: a minute-granularity sweep that finds
// due jobs, takes the run lock, and invokes the executor synchronously.
type Dispatcher struct {
	jobs   JobStore
	runner Runner
	batch  int
	clock  Clock
	logger *zap.Logger
}

// NewDispatcher creates a dispatcher with the given per-sweep batch size.
func NewDispatcher(jobs JobStore, runner Runner, batch int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batch <= 0 {
		batch = 10
	}
	return &Dispatcher{jobs: jobs, runner: runner, batch: batch, clock: NewClock(), logger: logger}
}

// Sweep processes one batch of due jobs. Lock contention is a silent
// skip: the other runner owns the session and the next sweep will no-op
// because the job is no longer scheduled. Executor failures are recorded
// on the job; the sweep keeps going.
func (d *Dispatcher) Sweep(ctx context.Context) {
	due, err := d.jobs.Due(ctx, d.clock.Now(), d.batch)
	if err != nil {
		d.logger.Error("due job query failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}
	d.logger.Info("dispatching due prewarm jobs", zap.Int("count", len(due)))

	for _, job := range due {
		if ctx.Err() != nil {
			return
		}
		d.runOne(ctx, job)
	}
}

func (d *Dispatcher) runOne(ctx context.Context, job models.PrewarmJob) {
	log := d.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("session_id", job.SessionID.String()))

	acquired, err := d.jobs.AcquireRun(ctx, job.ID)
	if err != nil {
		log.Error("run lock acquisition errored", zap.Error(err))
		return
	}
	if !acquired {
		log.Debug("run lock contended, skipping")
		return
	}

	// The run lock must be released on every exit path, a panicking
	// executor included, or the job is stuck in running forever.
	status := models.JobStatusFailed
	errMsg := "run aborted"
	defer func() {
		if r := recover(); r != nil {
			errMsg = fmt.Sprintf("executor panic: %v", r)
			log.Error("executor panicked", zap.Any("panic", r))
		}
		if ferr := d.jobs.Finish(context.WithoutCancel(ctx), job.ID, status, errMsg); ferr != nil {
			log.Error("job finish failed", zap.Error(ferr))
		}
	}()

	res, err := d.runner.Run(ctx, job.SessionID)
	if err != nil {
		log.Error("executor failed", zap.Error(err))
		errMsg = err.Error()
		return
	}

	status, errMsg = models.JobStatusCompleted, ""
	log.Info("prewarm job completed",
		zap.Int("accepted", len(res.SuccessfulIDs)),
		zap.Int("failed", len(res.FailedIDs)),
		zap.Int("attempts", res.TotalAttempts))
}
