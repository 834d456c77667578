// Package jobs persists prewarm jobs. The scheduled -> running transition
// doubles as the per-session run lock: it is a conditional update, so
// concurrent dispatchers cannot both win it.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slotline/backend/internal/models"
)

// ErrNotFound is returned when a prewarm job does not exist.
var ErrNotFound = errors.New("prewarm job not found")

// Repository handles prewarm job persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a prewarm job repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create schedules a prewarm run for a session.
func (r *Repository) Create(ctx context.Context, sessionID uuid.UUID, prewarmAt time.Time) (*models.PrewarmJob, error) {
	const q = `INSERT INTO prewarm_jobs (id, session_id, prewarm_at, status)
		VALUES (gen_random_uuid(), $1, $2, 'scheduled')
		RETURNING id, session_id, prewarm_at, status, error_message, created_at, updated_at`
	var j models.PrewarmJob
	err := r.pool.QueryRow(ctx, q, sessionID, prewarmAt).
		Scan(&j.ID, &j.SessionID, &j.PrewarmAt, &j.Status, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// GetByID returns a prewarm job by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.PrewarmJob, error) {
	const q = `SELECT id, session_id, prewarm_at, status, error_message, created_at, updated_at FROM prewarm_jobs WHERE id = $1`
	var j models.PrewarmJob
	err := r.pool.QueryRow(ctx, q, id).Scan(&j.ID, &j.SessionID, &j.PrewarmAt, &j.Status, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// List returns the most recently created jobs.
func (r *Repository) List(ctx context.Context, limit int) ([]models.PrewarmJob, error) {
	const q = `SELECT id, session_id, prewarm_at, status, error_message, created_at, updated_at
		FROM prewarm_jobs ORDER BY created_at DESC LIMIT $1`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.PrewarmJob
	for rows.Next() {
		var j models.PrewarmJob
		if err := rows.Scan(&j.ID, &j.SessionID, &j.PrewarmAt, &j.Status, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// Due returns scheduled jobs whose prewarm_at has passed, oldest first,
// bounded to limit rows per sweep.
func (r *Repository) Due(ctx context.Context, now time.Time, limit int) ([]models.PrewarmJob, error) {
	const q = `SELECT id, session_id, prewarm_at, status, error_message, created_at, updated_at
		FROM prewarm_jobs WHERE status = 'scheduled' AND prewarm_at <= $1
		ORDER BY prewarm_at ASC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.PrewarmJob
	for rows.Next() {
		var j models.PrewarmJob
		if err := rows.Scan(&j.ID, &j.SessionID, &j.PrewarmAt, &j.Status, &j.ErrorMessage, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, j)
	}
	return list, rows.Err()
}

// AcquireRun attempts the scheduled -> running transition. It succeeds
// for exactly one caller; everyone else sees false and must not touch
// the session.
func (r *Repository) AcquireRun(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `UPDATE prewarm_jobs SET status = 'running', updated_at = NOW() WHERE id = $1 AND status = 'scheduled'`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Finish releases the run lock by moving a running job to completed or
// failed. It is unconditional so the release cannot itself be lost to a
// status race.
func (r *Repository) Finish(ctx context.Context, id uuid.UUID, status string, errMsg string) error {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	const q = `UPDATE prewarm_jobs SET status = $2, error_message = $3, updated_at = NOW() WHERE id = $1`
	_, err := r.pool.Exec(ctx, q, id, status, msg)
	return err
}
