// Package sessions reads the session catalog. Sessions are owned by the
// catalog subsystem; this service never mutates them.
package sessions

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slotline/backend/internal/models"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Repository handles read-only session access.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a session repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID returns a session by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	const q = `SELECT id, title, provider_name, provider_url, registration_open_at, open_time_exact, capacity, created_at, updated_at
		FROM sessions WHERE id = $1`
	var s models.Session
	err := r.pool.QueryRow(ctx, q, id).Scan(&s.ID, &s.Title, &s.ProviderName, &s.ProviderURL, &s.RegistrationOpenAt, &s.OpenTimeExact, &s.Capacity, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// List returns sessions ordered by opening time, soonest first.
func (r *Repository) List(ctx context.Context, limit int) ([]models.Session, error) {
	const q = `SELECT id, title, provider_name, provider_url, registration_open_at, open_time_exact, capacity, created_at, updated_at
		FROM sessions ORDER BY registration_open_at ASC LIMIT $1`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.Title, &s.ProviderName, &s.ProviderURL, &s.RegistrationOpenAt, &s.OpenTimeExact, &s.Capacity, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		list = append(list, s)
	}
	return list, rows.Err()
}
