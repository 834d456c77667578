package registrations

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slotline/backend/internal/models"
)

// ErrNotFound is returned when a registration does not exist.
var ErrNotFound = errors.New("registration not found")

// Repository handles registration persistence. All status transitions
// are conditional updates guarded by the expected prior status; the
// rows-affected count tells the caller whether it won the transition.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a registrations repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a registration with the given initial status.
func (r *Repository) Create(ctx context.Context, reg *models.Registration) error {
	const q = `INSERT INTO registrations (id, user_id, child_id, session_id, priority_opt_in, requested_at, status, status_reason)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, NOW(), $5, $6)
		RETURNING id, requested_at, created_at, updated_at`
	return r.pool.QueryRow(ctx, q, reg.UserID, reg.ChildID, reg.SessionID, reg.PriorityOptIn, reg.Status, reg.StatusReason).
		Scan(&reg.ID, &reg.RequestedAt, &reg.CreatedAt, &reg.UpdatedAt)
}

// GetByID returns a registration by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Registration, error) {
	const q = `SELECT id, user_id, child_id, session_id, priority_opt_in, requested_at, status, status_reason, created_at, updated_at
		FROM registrations WHERE id = $1`
	var reg models.Registration
	err := r.pool.QueryRow(ctx, q, id).Scan(&reg.ID, &reg.UserID, &reg.ChildID, &reg.SessionID, &reg.PriorityOptIn, &reg.RequestedAt, &reg.Status, &reg.StatusReason, &reg.CreatedAt, &reg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &reg, nil
}

// ListByUser returns all of a user's registrations, newest first.
func (r *Repository) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.Registration, error) {
	const q = `SELECT id, user_id, child_id, session_id, priority_opt_in, requested_at, status, status_reason, created_at, updated_at
		FROM registrations WHERE user_id = $1 ORDER BY requested_at DESC`
	return r.queryList(ctx, q, userID)
}

// ListPendingBySession returns the session's pending registrations in
// claim order: paid priority first, then earliest requested.
func (r *Repository) ListPendingBySession(ctx context.Context, sessionID uuid.UUID) ([]models.Registration, error) {
	const q = `SELECT id, user_id, child_id, session_id, priority_opt_in, requested_at, status, status_reason, created_at, updated_at
		FROM registrations WHERE session_id = $1 AND status = 'pending'
		ORDER BY priority_opt_in DESC, requested_at ASC`
	return r.queryList(ctx, q, sessionID)
}

// MarkNeedsUserAction moves a pending registration to needs_user_action
// with the violated rule code. Losing the condition is not an error; the
// registration was already finalized by someone else.
func (r *Repository) MarkNeedsUserAction(ctx context.Context, id uuid.UUID, code string) (bool, error) {
	const q = `UPDATE registrations SET status = 'needs_user_action', status_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`
	tag, err := r.pool.Exec(ctx, q, id, code)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimAccepted attempts the pending -> accepted transition. Exactly one
// concurrent claimer can win it.
func (r *Repository) ClaimAccepted(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `UPDATE registrations SET status = 'accepted', status_reason = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed attempts the pending -> failed transition.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID) (bool, error) {
	const q = `UPDATE registrations SET status = 'failed', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`
	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordAttempt writes one hold-creation attempt for the daily IP quota.
func (r *Repository) RecordAttempt(ctx context.Context, ip string, userID uuid.UUID) error {
	const q = `INSERT INTO registration_attempts (id, ip, user_id) VALUES (gen_random_uuid(), $1, $2)`
	_, err := r.pool.Exec(ctx, q, ip, userID)
	return err
}

// GetChild returns a child by ID, used to verify ownership on hold
// creation.
func (r *Repository) GetChild(ctx context.Context, id uuid.UUID) (*models.Child, error) {
	const q = `SELECT id, user_id, full_name, created_at FROM children WHERE id = $1`
	var c models.Child
	err := r.pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.UserID, &c.FullName, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repository) queryList(ctx context.Context, q string, args ...interface{}) ([]models.Registration, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Registration
	for rows.Next() {
		var reg models.Registration
		if err := rows.Scan(&reg.ID, &reg.UserID, &reg.ChildID, &reg.SessionID, &reg.PriorityOptIn, &reg.RequestedAt, &reg.Status, &reg.StatusReason, &reg.CreatedAt, &reg.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, reg)
	}
	return list, rows.Err()
}
