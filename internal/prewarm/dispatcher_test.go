package prewarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/slotline/backend/internal/models"
)

type fakeJobStore struct {
	mu     sync.Mutex
	due    []models.PrewarmJob
	status map[uuid.UUID]string
	errMsg map[uuid.UUID]string
	dueErr error
}

func newFakeJobStore(jobs ...models.PrewarmJob) *fakeJobStore {
	s := &fakeJobStore{due: jobs, status: map[uuid.UUID]string{}, errMsg: map[uuid.UUID]string{}}
	for _, j := range jobs {
		s.status[j.ID] = j.Status
	}
	return s
}

func (s *fakeJobStore) Due(ctx context.Context, now time.Time, limit int) ([]models.PrewarmJob, error) {
	if s.dueErr != nil {
		return nil, s.dueErr
	}
	if len(s.due) > limit {
		return s.due[:limit], nil
	}
	return s.due, nil
}

func (s *fakeJobStore) AcquireRun(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status[id] != models.JobStatusScheduled {
		return false, nil
	}
	s.status[id] = models.JobStatusRunning
	return true, nil
}

func (s *fakeJobStore) Finish(ctx context.Context, id uuid.UUID, status string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[id] = status
	s.errMsg[id] = errMsg
	return nil
}

type fakeRunner struct {
	mu    sync.Mutex
	runs  []uuid.UUID
	err   error
	panic string
}

func (r *fakeRunner) Run(ctx context.Context, sessionID uuid.UUID) (*models.ExecutorResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, sessionID)
	if r.panic != "" {
		panic(r.panic)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &models.ExecutorResult{SessionID: sessionID}, nil
}

func scheduledJob() models.PrewarmJob {
	return models.PrewarmJob{
		ID:        uuid.New(),
		SessionID: uuid.New(),
		PrewarmAt: time.Now().Add(-time.Minute),
		Status:    models.JobStatusScheduled,
	}
}

func TestSweepCompletesDueJobs(t *testing.T) {
	t.Parallel()
	j1, j2 := scheduledJob(), scheduledJob()
	store := newFakeJobStore(j1, j2)
	runner := &fakeRunner{}

	NewDispatcher(store, runner, 10, nil).Sweep(context.Background())

	if len(runner.runs) != 2 {
		t.Fatalf("executor runs = %d, want 2", len(runner.runs))
	}
	for _, j := range []models.PrewarmJob{j1, j2} {
		if store.status[j.ID] != models.JobStatusCompleted {
			t.Fatalf("job %s status = %s, want completed", j.ID, store.status[j.ID])
		}
	}
}

func TestSweepSkipsContendedRunLock(t *testing.T) {
	t.Parallel()
	contended, free := scheduledJob(), scheduledJob()
	store := newFakeJobStore(contended, free)
	store.status[contended.ID] = models.JobStatusRunning // another dispatcher owns it
	runner := &fakeRunner{}

	NewDispatcher(store, runner, 10, nil).Sweep(context.Background())

	if len(runner.runs) != 1 || runner.runs[0] != free.SessionID {
		t.Fatalf("executor ran for %v, want only %s", runner.runs, free.SessionID)
	}
	if store.status[contended.ID] != models.JobStatusRunning {
		t.Fatalf("contended job status = %s, must stay running", store.status[contended.ID])
	}
}

func TestSweepRecordsExecutorFailure(t *testing.T) {
	t.Parallel()
	j := scheduledJob()
	store := newFakeJobStore(j)
	runner := &fakeRunner{err: errors.New("load session: not found")}

	NewDispatcher(store, runner, 10, nil).Sweep(context.Background())

	if store.status[j.ID] != models.JobStatusFailed {
		t.Fatalf("job status = %s, want failed", store.status[j.ID])
	}
	if store.errMsg[j.ID] != "load session: not found" {
		t.Fatalf("error message = %q", store.errMsg[j.ID])
	}
}

func TestSweepReleasesLockWhenRunnerPanics(t *testing.T) {
	t.Parallel()
	panicked, after := scheduledJob(), scheduledJob()
	store := newFakeJobStore(panicked, after)
	runner := &fakeRunner{panic: "nil session field"}

	d := NewDispatcher(store, runner, 10, nil)
	d.Sweep(context.Background())

	// The panicking job must not stay in running, and the sweep must
	// keep going to the next job.
	if store.status[panicked.ID] != models.JobStatusFailed {
		t.Fatalf("panicked job status = %s, want failed", store.status[panicked.ID])
	}
	if store.errMsg[panicked.ID] == "" {
		t.Fatal("panicked job must record an error message")
	}
	if len(runner.runs) != 2 {
		t.Fatalf("executor runs = %d, want 2 (sweep continues past panic)", len(runner.runs))
	}
}

func TestSweepHonorsBatchLimit(t *testing.T) {
	t.Parallel()
	var jobs []models.PrewarmJob
	for i := 0; i < 5; i++ {
		jobs = append(jobs, scheduledJob())
	}
	store := newFakeJobStore(jobs...)
	runner := &fakeRunner{}

	NewDispatcher(store, runner, 3, nil).Sweep(context.Background())

	if len(runner.runs) != 3 {
		t.Fatalf("executor runs = %d, want batch limit 3", len(runner.runs))
	}
}

func TestSweepToleratesDueQueryError(t *testing.T) {
	t.Parallel()
	store := newFakeJobStore()
	store.dueErr = errors.New("connection refused")
	runner := &fakeRunner{}

	NewDispatcher(store, runner, 10, nil).Sweep(context.Background())

	if len(runner.runs) != 0 {
		t.Fatalf("executor runs = %d, want 0", len(runner.runs))
	}
}
