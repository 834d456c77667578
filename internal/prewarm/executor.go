// Package prewarm implements the two-tier attempt engine: a coarse
// minute-granularity dispatcher and a precision executor that claims
// capacity-bounded slots at (or around) a session's open instant.
package prewarm

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slotline/backend/config"
	"github.com/slotline/backend/internal/admission"
	"github.com/slotline/backend/internal/models"
	"github.com/slotline/backend/internal/provider"
	"github.com/slotline/backend/internal/timesync"
)

// SessionStore loads the contested session. Read-only.
type SessionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// RegistrationStore performs the conditional status transitions the claim
// algorithm relies on. A false return from a transition means another
// writer finalized the row first; that is expected, not an error.
type RegistrationStore interface {
	ListPendingBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Registration, error)
	MarkNeedsUserAction(ctx context.Context, id uuid.UUID, code string) (bool, error)
	ClaimAccepted(ctx context.Context, id uuid.UUID) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID) (bool, error)
}

// AdmissionGate pre-validates candidates. The executor checks each
// candidate exactly once per run, never per tick.
type AdmissionGate interface {
	Check(ctx context.Context, cand admission.Candidate) (models.QuotaCheckResult, error)
}

// TimeSource measures clock skew before a timing-critical run.
type TimeSource interface {
	Sync(ctx context.Context) timesync.Result
}

// PageChecker classifies the provider page in polling mode.
type PageChecker interface {
	Check(ctx context.Context, url string) provider.PageState
}

// Finalizer receives terminal outcomes for downstream side effects (fee
// capture, notifications). Implementations must not fail the run.
type Finalizer interface {
	RegistrationAccepted(ctx context.Context, reg models.Registration)
	RegistrationFailed(ctx context.Context, reg models.Registration)
	RegistrationBlocked(ctx context.Context, reg models.Registration, code string)
}

// Executor runs one attempt-run over one session. The caller must hold
// the session's run lock (the scheduled -> running job transition)
// before invoking Run.
type Executor struct {
	sessions  SessionStore
	regs      RegistrationStore
	gate      AdmissionGate
	timeSrc   TimeSource
	pages     PageChecker
	finalizer Finalizer
	cfg       config.PrewarmConfig
	clock     Clock
	jitter    func(max time.Duration) time.Duration
	logger    *zap.Logger
}

// NewExecutor creates an attempt executor.
func NewExecutor(
	sessions SessionStore,
	regs RegistrationStore,
	gate AdmissionGate,
	timeSrc TimeSource,
	pages PageChecker,
	finalizer Finalizer,
	cfg config.PrewarmConfig,
	logger *zap.Logger,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		sessions:  sessions,
		regs:      regs,
		gate:      gate,
		timeSrc:   timeSrc,
		pages:     pages,
		finalizer: finalizer,
		cfg:       cfg,
		clock:     NewClock(),
		jitter:    randomJitter,
		logger:    logger,
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// Run executes the full attempt pipeline for a session: skew sync,
// admission, exact or polling loop, claim, finalization. It returns an
// error only for fatal conditions (session missing, store unreachable);
// losing the race to capacity is a normal result, not an error.
func (e *Executor) Run(ctx context.Context, sessionID uuid.UUID) (*models.ExecutorResult, error) {
	session, err := e.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	res := &models.ExecutorResult{
		SessionID:             sessionID,
		SuccessfulIDs:         []uuid.UUID{},
		FailedIDs:             []uuid.UUID{},
		FirstSuccessLatencyMS: -1,
	}
	log := e.logger.With(zap.String("session_id", sessionID.String()))

	sync := e.timeSrc.Sync(ctx)
	res.ActivityLog = append(res.ActivityLog,
		fmt.Sprintf("clock sync: skew=%s latency=%s", sync.Skew, sync.Latency))
	log.Info("clock synchronized", zap.Duration("skew", sync.Skew), zap.Duration("latency", sync.Latency))

	eligible, err := e.admit(ctx, session, res, log)
	if err != nil {
		return nil, err
	}
	if len(eligible) == 0 {
		res.ActivityLog = append(res.ActivityLog, "no eligible registrations, skipping attempt loop")
		log.Info("no eligible registrations", zap.Int("blocked", res.BlockedUserCount))
		return res, nil
	}

	if session.OpenTimeExact {
		err = e.runExact(ctx, session, eligible, sync.Skew, res, log)
	} else {
		err = e.runPolling(ctx, session, eligible, res, log)
	}
	if err != nil {
		return nil, err
	}

	// Whatever is still pending after the window lost the race.
	e.failRemaining(ctx, eligible, res, log)

	log.Info("run finished",
		zap.Int("accepted", len(res.SuccessfulIDs)),
		zap.Int("failed", len(res.FailedIDs)),
		zap.Int("blocked", res.BlockedUserCount),
		zap.Int("attempts", res.TotalAttempts))
	return res, nil
}

// admit gates every pending registration once and returns the eligible
// set in claim order.
func (e *Executor) admit(ctx context.Context, session *models.Session, res *models.ExecutorResult, log *zap.Logger) ([]models.Registration, error) {
	pending, err := e.regs.ListPendingBySession(ctx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("list pending registrations: %w", err)
	}

	var eligible []models.Registration
	for _, reg := range pending {
		check, err := e.gate.Check(ctx, admission.Candidate{
			UserID:    reg.UserID,
			ChildID:   &reg.ChildID,
			SessionID: &reg.SessionID,
		})
		if err != nil {
			return nil, fmt.Errorf("admission check: %w", err)
		}
		if check.OK {
			eligible = append(eligible, reg)
			continue
		}
		res.BlockedUserCount++
		res.ActivityLog = append(res.ActivityLog,
			fmt.Sprintf("blocked %s: %s", reg.ID, check.Code))
		log.Info("registration blocked by admission gate",
			zap.String("registration_id", reg.ID.String()), zap.String("code", check.Code))
		if _, err := e.regs.MarkNeedsUserAction(ctx, reg.ID, check.Code); err != nil {
			return nil, fmt.Errorf("mark needs_user_action: %w", err)
		}
		e.finalizer.RegistrationBlocked(ctx, reg, check.Code)
	}

	sortEligible(eligible)
	return eligible, nil
}

// sortEligible orders registrations by (priority_opt_in desc,
// requested_at asc): paid priority wins ties, then first requested.
func sortEligible(regs []models.Registration) {
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].PriorityOptIn != regs[j].PriorityOptIn {
			return regs[i].PriorityOptIn
		}
		return regs[i].RequestedAt.Before(regs[j].RequestedAt)
	})
}

// runExact sleeps until shortly before the skew-corrected open instant,
// then ticks at a fixed cadence through the tail window. Warmup ticks
// before the target spend no budget; an attempt is counted only when a
// claim is made, and that counter bounds the loop independently of wall
// clock so skew-correction mistakes cannot produce a runaway loop.
func (e *Executor) runExact(ctx context.Context, session *models.Session, eligible []models.Registration, skew time.Duration, res *models.ExecutorResult, log *zap.Logger) error {
	target := session.RegistrationOpenAt.Add(-skew)
	warmStart := target.Add(-e.cfg.ExactLead)
	deadline := target.Add(e.cfg.ExactTail)

	res.ActivityLog = append(res.ActivityLog,
		fmt.Sprintf("exact mode: target=%s window=[%s, %s]",
			target.Format(time.RFC3339Nano), warmStart.Format(time.RFC3339Nano), deadline.Format(time.RFC3339Nano)))

	if wait := warmStart.Sub(e.clock.Now()); wait > 0 {
		if err := e.clock.Sleep(ctx, wait); err != nil {
			return err
		}
	}

	for {
		now := e.clock.Now()
		if now.After(deadline) {
			break
		}

		if !now.Before(target) {
			if res.TotalAttempts >= e.cfg.MaxAttempts {
				break
			}
			res.TotalAttempts++
			if err := e.clock.Sleep(ctx, e.jitter(e.cfg.JitterMax)); err != nil {
				return err
			}
			if e.claim(ctx, session, eligible, now, res, log) {
				return nil
			}
		}

		if err := e.clock.Sleep(ctx, e.cfg.ExactCadence); err != nil {
			return err
		}
	}
	res.ActivityLog = append(res.ActivityLog, "exact window exhausted without winner")
	return nil
}

// runPolling discovers the true open instant from the provider page. On
// the first open classification it claims once and exits no matter what:
// continuing to hammer a page that just went live helps nobody.
func (e *Executor) runPolling(ctx context.Context, session *models.Session, eligible []models.Registration, res *models.ExecutorResult, log *zap.Logger) error {
	deadline := session.RegistrationOpenAt.Add(e.cfg.PollWindow)
	res.ActivityLog = append(res.ActivityLog,
		fmt.Sprintf("polling mode: until=%s", deadline.Format(time.RFC3339Nano)))

	for res.TotalAttempts < e.cfg.MaxAttempts {
		now := e.clock.Now()
		if now.After(deadline) {
			break
		}
		res.TotalAttempts++

		state := e.pages.Check(ctx, session.ProviderURL)
		if state == provider.StateOpen {
			res.ActivityLog = append(res.ActivityLog,
				fmt.Sprintf("page open on poll %d", res.TotalAttempts))
			log.Info("provider page open", zap.Int("poll", res.TotalAttempts))
			if err := e.clock.Sleep(ctx, e.jitter(e.cfg.JitterMax)); err != nil {
				return err
			}
			e.claim(ctx, session, eligible, now, res, log)
			return nil
		}
		log.Debug("provider page not open", zap.String("state", state.String()), zap.Int("poll", res.TotalAttempts))

		if err := e.clock.Sleep(ctx, e.cfg.PollInterval); err != nil {
			return err
		}
	}
	res.ActivityLog = append(res.ActivityLog, "polling window exhausted without open page")
	return nil
}

// claim runs the shared slot-assignment step: take the first
// min(capacity, len(eligible)) candidates in order and attempt the
// conditional pending -> accepted transition for each. If any candidate
// wins, the run is finalized on the spot — non-winners go to failed and
// the tick reports success. With no winner nothing is finalized and the
// loop may tick again.
func (e *Executor) claim(ctx context.Context, session *models.Session, eligible []models.Registration, tickStart time.Time, res *models.ExecutorResult, log *zap.Logger) bool {
	limit := len(eligible)
	if session.Capacity != nil && *session.Capacity < limit {
		limit = *session.Capacity
	}

	won := make(map[uuid.UUID]bool, limit)
	for _, cand := range eligible[:limit] {
		ok, err := e.regs.ClaimAccepted(ctx, cand.ID)
		if err != nil {
			log.Warn("claim transition failed", zap.String("registration_id", cand.ID.String()), zap.Error(err))
			continue
		}
		if !ok {
			// Lost the conditional update; the row was finalized elsewhere.
			continue
		}
		won[cand.ID] = true
		res.SuccessfulIDs = append(res.SuccessfulIDs, cand.ID)
		if res.FirstSuccessLatencyMS < 0 {
			res.FirstSuccessLatencyMS = e.clock.Now().Sub(tickStart).Milliseconds()
		}
		e.finalizer.RegistrationAccepted(ctx, cand)
		log.Info("registration accepted", zap.String("registration_id", cand.ID.String()))
	}

	if len(won) == 0 {
		return false
	}

	res.ActivityLog = append(res.ActivityLog,
		fmt.Sprintf("claimed %d slot(s) on attempt %d", len(won), res.TotalAttempts))
	for _, reg := range eligible {
		if won[reg.ID] {
			continue
		}
		if e.markFailed(ctx, reg, res, log) {
			res.ActivityLog = append(res.ActivityLog, fmt.Sprintf("lost to capacity: %s", reg.ID))
		}
	}
	return true
}

// failRemaining finalizes anything still pending after the window.
func (e *Executor) failRemaining(ctx context.Context, eligible []models.Registration, res *models.ExecutorResult, log *zap.Logger) {
	accepted := make(map[uuid.UUID]bool, len(res.SuccessfulIDs))
	for _, id := range res.SuccessfulIDs {
		accepted[id] = true
	}
	failed := make(map[uuid.UUID]bool, len(res.FailedIDs))
	for _, id := range res.FailedIDs {
		failed[id] = true
	}
	for _, reg := range eligible {
		if accepted[reg.ID] || failed[reg.ID] {
			continue
		}
		e.markFailed(ctx, reg, res, log)
	}
}

func (e *Executor) markFailed(ctx context.Context, reg models.Registration, res *models.ExecutorResult, log *zap.Logger) bool {
	ok, err := e.regs.MarkFailed(ctx, reg.ID)
	if err != nil {
		log.Warn("fail transition errored", zap.String("registration_id", reg.ID.String()), zap.Error(err))
		return false
	}
	if !ok {
		return false
	}
	res.FailedIDs = append(res.FailedIDs, reg.ID)
	e.finalizer.RegistrationFailed(ctx, reg)
	return true
}
