package prewarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/slotline/backend/config"
	"github.com/slotline/backend/internal/admission"
	"github.com/slotline/backend/internal/models"
	"github.com/slotline/backend/internal/provider"
	"github.com/slotline/backend/internal/timesync"
)

// fakeClock advances on every sleep so the attempt loops run instantly
// and deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	return ctx.Err()
}

type fakeSessions struct {
	sessions map[uuid.UUID]*models.Session
}

func (s *fakeSessions) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errors.New("session not found")
	}
	return sess, nil
}

type fakeRegs struct {
	mu        sync.Mutex
	regs      []models.Registration
	status    map[uuid.UUID]string
	reason    map[uuid.UUID]string
	claimDeny map[uuid.UUID]bool // conditional transition loses for these
}

func newFakeRegs(regs ...models.Registration) *fakeRegs {
	f := &fakeRegs{regs: regs, status: map[uuid.UUID]string{}, reason: map[uuid.UUID]string{}, claimDeny: map[uuid.UUID]bool{}}
	for _, r := range regs {
		f.status[r.ID] = r.Status
	}
	return f
}

func (f *fakeRegs) ListPendingBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Registration
	for _, r := range f.regs {
		if r.SessionID == sessionID && f.status[r.ID] == models.RegStatusPending {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeRegs) MarkNeedsUserAction(ctx context.Context, id uuid.UUID, code string) (bool, error) {
	return f.transition(id, models.RegStatusPending, models.RegStatusNeedsUserAction, code), nil
}

func (f *fakeRegs) ClaimAccepted(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	deny := f.claimDeny[id]
	f.mu.Unlock()
	if deny {
		return false, nil
	}
	return f.transition(id, models.RegStatusPending, models.RegStatusAccepted, ""), nil
}

func (f *fakeRegs) MarkFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	return f.transition(id, models.RegStatusPending, models.RegStatusFailed, ""), nil
}

func (f *fakeRegs) transition(id uuid.UUID, from, to, reason string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status[id] != from {
		return false
	}
	f.status[id] = to
	if reason != "" {
		f.reason[id] = reason
	}
	return true
}

type gateFunc func(ctx context.Context, cand admission.Candidate) (models.QuotaCheckResult, error)

func (g gateFunc) Check(ctx context.Context, cand admission.Candidate) (models.QuotaCheckResult, error) {
	return g(ctx, cand)
}

func allowAll() gateFunc {
	return func(ctx context.Context, cand admission.Candidate) (models.QuotaCheckResult, error) {
		return models.QuotaCheckResult{OK: true}, nil
	}
}

type fixedTime struct {
	skew time.Duration
}

func (t fixedTime) Sync(ctx context.Context) timesync.Result {
	return timesync.Result{Skew: t.skew, Latency: 20 * time.Millisecond}
}

type fakePages struct {
	mu     sync.Mutex
	states []provider.PageState
	calls  int
}

func (p *fakePages) Check(ctx context.Context, url string) provider.PageState {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.states) == 0 {
		return provider.StateUnknown
	}
	s := p.states[0]
	if len(p.states) > 1 {
		p.states = p.states[1:]
	}
	return s
}

type recordingFinalizer struct {
	mu       sync.Mutex
	accepted []uuid.UUID
	failed   []uuid.UUID
	blocked  []uuid.UUID
}

func (f *recordingFinalizer) RegistrationAccepted(ctx context.Context, reg models.Registration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, reg.ID)
}

func (f *recordingFinalizer) RegistrationFailed(ctx context.Context, reg models.Registration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, reg.ID)
}

func (f *recordingFinalizer) RegistrationBlocked(ctx context.Context, reg models.Registration, code string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, reg.ID)
}

func testConfig() config.PrewarmConfig {
	return config.PrewarmConfig{
		ExactLead:     5 * time.Second,
		ExactTail:     10 * time.Second,
		ExactCadence:  100 * time.Millisecond,
		PollInterval:  750 * time.Millisecond,
		PollWindow:    5 * time.Minute,
		JitterMax:     120 * time.Millisecond,
		MaxAttempts:   50,
		DispatchBatch: 10,
	}
}

func intPtr(n int) *int { return &n }

func reg(sessionID uuid.UUID, priority bool, requestedAt time.Time) models.Registration {
	return models.Registration{
		ID:            uuid.New(),
		UserID:        uuid.New(),
		ChildID:       uuid.New(),
		SessionID:     sessionID,
		PriorityOptIn: priority,
		RequestedAt:   requestedAt,
		Status:        models.RegStatusPending,
	}
}

func newTestExecutor(t *testing.T, session *models.Session, regs *fakeRegs, gate AdmissionGate, pages PageChecker, clock *fakeClock) (*Executor, *recordingFinalizer) {
	t.Helper()
	fin := &recordingFinalizer{}
	e := NewExecutor(
		&fakeSessions{sessions: map[uuid.UUID]*models.Session{session.ID: session}},
		regs, gate, fixedTime{}, pages, fin, testConfig(), nil,
	)
	e.clock = clock
	e.jitter = func(max time.Duration) time.Duration { return 0 }
	return e, fin
}

func TestExactModePriorityTieBreak(t *testing.T) {
	t.Parallel()
	open := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	session := &models.Session{ID: uuid.New(), Title: "camp", RegistrationOpenAt: open, OpenTimeExact: true, Capacity: intPtr(2)}

	// A paid priority, requested T-10; B free, requested T-20; C free,
	// requested T-5. Winners must be A (priority) and B (earliest free).
	a := reg(session.ID, true, open.Add(-10*time.Second))
	b := reg(session.ID, false, open.Add(-20*time.Second))
	c := reg(session.ID, false, open.Add(-5*time.Second))

	regs := newFakeRegs(c, a, b) // deliberately unsorted
	clock := &fakeClock{now: open.Add(-time.Second)}
	e, fin := newTestExecutor(t, session, regs, allowAll(), &fakePages{}, clock)

	res, err := e.Run(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if len(res.SuccessfulIDs) != 2 {
		t.Fatalf("winners = %d, want 2", len(res.SuccessfulIDs))
	}
	if res.SuccessfulIDs[0] != a.ID || res.SuccessfulIDs[1] != b.ID {
		t.Fatalf("winners = %v, want [A=%s B=%s]", res.SuccessfulIDs, a.ID, b.ID)
	}
	if regs.status[c.ID] != models.RegStatusFailed {
		t.Fatalf("C status = %s, want failed", regs.status[c.ID])
	}
	if len(fin.accepted) != 2 || len(fin.failed) != 1 {
		t.Fatalf("finalizer saw accepted=%d failed=%d, want 2/1", len(fin.accepted), len(fin.failed))
	}
	if res.FirstSuccessLatencyMS < 0 {
		t.Fatal("first success latency not recorded")
	}
}

func TestExactModeUnlimitedCapacityAcceptsAll(t *testing.T) {
	t.Parallel()
	open := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	session := &models.Session{ID: uuid.New(), RegistrationOpenAt: open, OpenTimeExact: true, Capacity: nil}

	var all []models.Registration
	for i := 0; i < 5; i++ {
		all = append(all, reg(session.ID, i%2 == 0, open.Add(-time.Duration(i)*time.Minute)))
	}
	regs := newFakeRegs(all...)
	clock := &fakeClock{now: open.Add(-time.Second)}
	e, _ := newTestExecutor(t, session, regs, allowAll(), &fakePages{}, clock)

	res, err := e.Run(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(res.SuccessfulIDs) != 5 {
		t.Fatalf("winners = %d, want all 5", len(res.SuccessfulIDs))
	}
	if len(res.FailedIDs) != 0 {
		t.Fatalf("failed = %d, want 0", len(res.FailedIDs))
	}
}

func TestExactModeSkewCorrection(t *testing.T) {
	t.Parallel()
	open := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	session := &models.Session{ID: uuid.New(), RegistrationOpenAt: open, OpenTimeExact: true, Capacity: intPtr(1)}
	r := reg(session.ID, false, open.Add(-time.Minute))
	regs := newFakeRegs(r)

	// Local clock is 2s ahead of reference: skew = -2s, corrected target
	// = open+2s local. Start the clock at the nominal open instant; the
	// claim must not happen until the corrected target.
	clock := &fakeClock{now: open}
	fin := &recordingFinalizer{}
	e := NewExecutor(
		&fakeSessions{sessions: map[uuid.UUID]*models.Session{session.ID: session}},
		regs, allowAll(), fixedTime{skew: -2 * time.Second}, &fakePages{}, fin, testConfig(), nil,
	)
	e.clock = clock
	e.jitter = func(time.Duration) time.Duration { return 0 }

	res, err := e.Run(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(res.SuccessfulIDs) != 1 {
		t.Fatalf("winners = %d, want 1", len(res.SuccessfulIDs))
	}
	// The claim must wait for the corrected target; warmup ticks before it
	// spend no attempt budget.
	if res.TotalAttempts != 1 {
		t.Fatalf("TotalAttempts = %d, want 1", res.TotalAttempts)
	}
	if clock.Now().Before(open.Add(2 * time.Second)) {
		t.Fatalf("claimed at %v, before corrected target %v", clock.Now(), open.Add(2*time.Second))
	}
}

func TestExactModeFullLeadKeepsAttemptBudget(t *testing.T) {
	t.Parallel()
	open := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	session := &models.Session{ID: uuid.New(), RegistrationOpenAt: open, OpenTimeExact: true, Capacity: intPtr(1)}
	r := reg(session.ID, false, open.Add(-time.Minute))
	regs := newFakeRegs(r)

	// The dispatcher picks the job up well before the open instant; the
	// executor sleeps to the warm window and ticks through it. None of
	// that may consume the attempt budget.
	clock := &fakeClock{now: open.Add(-2 * time.Minute)}
	e, _ := newTestExecutor(t, session, regs, allowAll(), &fakePages{}, clock)

	res, err := e.Run(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(res.SuccessfulIDs) != 1 || res.SuccessfulIDs[0] != r.ID {
		t.Fatalf("winners = %v, want %s", res.SuccessfulIDs, r.ID)
	}
	if res.TotalAttempts != 1 {
		t.Fatalf("TotalAttempts = %d, want 1 (warmup ticks are free)", res.TotalAttempts)
	}
	if regs.status[r.ID] != models.RegStatusAccepted {
		t.Fatalf("status = %s, want accepted", regs.status[r.ID])
	}
}

func TestZeroEligibleMakesNoClaims(t *testing.T) {
	t.Parallel()
	open := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	session := &models.Session{ID: uuid.New(), RegistrationOpenAt: open, OpenTimeExact: true, Capacity: intPtr(2)}
	r1 := reg(session.ID, false, open.Add(-time.Minute))
	r2 := reg(session.ID, false, open.Add(-time.Minute))
	regs := newFakeRegs(r1, r2)

	blockAll := gateFunc(func(ctx context.Context, cand admission.Candidate) (models.QuotaCheckResult, error) {
		return models.QuotaCheckResult{OK: false, Code: models.QuotaCodeNoPM, Message: "no pm"}, nil
	})
	clock := &fakeClock{now: open.Add(-time.Second)}
	e, fin := newTestExecutor(t, session, regs, blockAll, &fakePages{}, clock)

	res, err := e.Run(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(res.SuccessfulIDs) != 0 || len(res.FailedIDs) != 0 {
		t.Fatalf("expected empty outcome lists, got %+v", res)
	}
	if res.BlockedUserCount != 2 {
		t.Fatalf("BlockedUserCount = %d, want 2", res.BlockedUserCount)
	}
	if res.TotalAttempts != 0 {
		t.Fatalf("TotalAttempts = %d, want 0 (no claim loop)", res.TotalAttempts)
	}
	if regs.status[r1.ID] != models.RegStatusNeedsUserAction || regs.reason[r1.ID] != models.QuotaCodeNoPM {
		t.Fatalf("blocked registration status/reason = %s/%s", regs.status[r1.ID], regs.reason[r1.ID])
	}
	if len(fin.blocked) != 2 {
		t.Fatalf("finalizer blocked = %d, want 2", len(fin.blocked))
	}
}

func TestExactModeOneShotWin(t *testing.T) {
	t.Parallel()
	open := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	session := &models.Session{ID: uuid.New(), RegistrationOpenAt: open, OpenTimeExact: true, Capacity: intPtr(2)}

	first := reg(session.ID, true, open.Add(-time.Minute))
	second := reg(session.ID, false, open.Add(-30*time.Second))
	third := reg(session.ID, false, open.Add(-10*time.Second))
	regs := newFakeRegs(first, second, third)
	// The top candidate's conditional transition loses (mutated
	// elsewhere); capacity is not fully filled on the winning tick.
	regs.claimDeny[first.ID] = true

	clock := &fakeClock{now: open.Add(-time.Second)}
	e, _ := newTestExecutor(t, session, regs, allowAll(), &fakePages{}, clock)

	res, err := e.Run(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	// One-shot: the run ends on the first winning tick even though only
	// one of two slots was claimed; no later tick refills capacity.
	if len(res.SuccessfulIDs) != 1 || res.SuccessfulIDs[0] != second.ID {
		t.Fatalf("winners = %v, want just %s", res.SuccessfulIDs, second.ID)
	}
	if regs.status[third.ID] != models.RegStatusFailed {
		t.Fatalf("third status = %s, want failed", regs.status[third.ID])
	}
}

func TestExactModeAttemptBound(t *testing.T) {
	t.Parallel()
	open := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	session := &models.Session{ID: uuid.New(), RegistrationOpenAt: open, OpenTimeExact: true, Capacity: intPtr(1)}
	r := reg(session.ID, false, open.Add(-time.Minute))
	regs := newFakeRegs(r)
	regs.claimDeny[r.ID] = true // never wins, loop must still terminate

	clock := &fakeClock{now: open.Add(-time.Second)}
	e, _ := newTestExecutor(t, session, regs, allowAll(), &fakePages{}, clock)

	res, err := e.Run(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.TotalAttempts > testConfig().MaxAttempts {
		t.Fatalf("TotalAttempts = %d, exceeds bound %d", res.TotalAttempts, testConfig().MaxAttempts)
	}
	if len(res.SuccessfulIDs) != 0 {
		t.Fatalf("winners = %v, want none", res.SuccessfulIDs)
	}
}

func TestExactModeNoWinnerFailsRemaining(t *testing.T) {
	t.Parallel()
	open := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	session := &models.Session{ID: uuid.New(), RegistrationOpenAt: open, OpenTimeExact: true, Capacity: intPtr(1)}
	r := reg(session.ID, false, open.Add(-time.Minute))
	regs := newFakeRegs(r)
	regs.claimDeny[r.ID] = true

	// Start past the deadline so the window closes immediately.
	clock := &fakeClock{now: open.Add(time.Minute)}
	e, fin := newTestExecutor(t, session, regs, allowAll(), &fakePages{}, clock)

	res, err := e.Run(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.TotalAttempts != 0 {
		t.Fatalf("TotalAttempts = %d, want 0 past deadline", res.TotalAttempts)
	}
	if regs.status[r.ID] != models.RegStatusFailed {
		t.Fatalf("status = %s, want failed", regs.status[r.ID])
	}
	if len(fin.failed) != 1 {
		t.Fatalf("finalizer failed = %d, want 1", len(fin.failed))
	}
}

func TestPollingModeClaimsOnceOnOpen(t *testing.T) {
	t.Parallel()
	open := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	session := &models.Session{ID: uuid.New(), ProviderURL: "https://provider.example/camp", RegistrationOpenAt: open, OpenTimeExact: false, Capacity: intPtr(1)}
	r := reg(session.ID, false, open.Add(-time.Minute))
	regs := newFakeRegs(r)

	pages := &fakePages{states: []provider.PageState{provider.StateClosed, provider.StateClosed, provider.StateClosed, provider.StateOpen}}
	clock := &fakeClock{now: open}
	e, _ := newTestExecutor(t, session, regs, allowAll(), pages, clock)

	res, err := e.Run(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if pages.calls != 4 {
		t.Fatalf("page checks = %d, want 4 (claim on 4th poll)", pages.calls)
	}
	if res.TotalAttempts != 4 {
		t.Fatalf("TotalAttempts = %d, want 4", res.TotalAttempts)
	}
	if len(res.SuccessfulIDs) != 1 {
		t.Fatalf("winners = %d, want 1", len(res.SuccessfulIDs))
	}
}

func TestPollingModeExitsAfterOpenEvenWithoutWinner(t *testing.T) {
	t.Parallel()
	open := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	session := &models.Session{ID: uuid.New(), ProviderURL: "https://provider.example/camp", RegistrationOpenAt: open, OpenTimeExact: false, Capacity: intPtr(1)}
	r := reg(session.ID, false, open.Add(-time.Minute))
	regs := newFakeRegs(r)
	regs.claimDeny[r.ID] = true

	pages := &fakePages{states: []provider.PageState{provider.StateOpen, provider.StateOpen}}
	clock := &fakeClock{now: open}
	e, _ := newTestExecutor(t, session, regs, allowAll(), pages, clock)

	res, err := e.Run(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	// Do not keep hammering a live page: one poll, one claim, exit.
	if pages.calls != 1 {
		t.Fatalf("page checks = %d, want 1", pages.calls)
	}
	if len(res.SuccessfulIDs) != 0 {
		t.Fatalf("winners = %v, want none", res.SuccessfulIDs)
	}
	if regs.status[r.ID] != models.RegStatusFailed {
		t.Fatalf("status = %s, want failed after window", regs.status[r.ID])
	}
}

func TestPollingModeWindowExhausted(t *testing.T) {
	t.Parallel()
	open := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	session := &models.Session{ID: uuid.New(), ProviderURL: "https://provider.example/camp", RegistrationOpenAt: open, OpenTimeExact: false, Capacity: intPtr(1)}
	r := reg(session.ID, false, open.Add(-time.Minute))
	regs := newFakeRegs(r)

	pages := &fakePages{states: []provider.PageState{provider.StateClosed}} // closed forever
	clock := &fakeClock{now: open}
	e, _ := newTestExecutor(t, session, regs, allowAll(), pages, clock)

	res, err := e.Run(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.TotalAttempts > testConfig().MaxAttempts {
		t.Fatalf("TotalAttempts = %d, exceeds bound", res.TotalAttempts)
	}
	if regs.status[r.ID] != models.RegStatusFailed {
		t.Fatalf("status = %s, want failed", regs.status[r.ID])
	}
}

func TestRunFatalWhenSessionMissing(t *testing.T) {
	t.Parallel()
	e := NewExecutor(
		&fakeSessions{sessions: map[uuid.UUID]*models.Session{}},
		newFakeRegs(), allowAll(), fixedTime{}, &fakePages{}, &recordingFinalizer{}, testConfig(), nil,
	)
	e.clock = &fakeClock{now: time.Now()}

	if _, err := e.Run(context.Background(), uuid.New()); err == nil {
		t.Fatal("expected fatal error for missing session")
	}
}

func TestSortEligible(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	sid := uuid.New()
	late := reg(sid, false, base.Add(3*time.Second))
	early := reg(sid, false, base.Add(1*time.Second))
	priLate := reg(sid, true, base.Add(5*time.Second))

	list := []models.Registration{late, early, priLate}
	sortEligible(list)

	want := []uuid.UUID{priLate.ID, early.ID, late.ID}
	for i, w := range want {
		if list[i].ID != w {
			t.Fatalf("position %d = %s, want %s", i, list[i].ID, w)
		}
	}
}
