package admission

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSource reads admission counts from the relational store.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource creates a count source backed by the shared pool.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

// ActiveByUser counts the user's non-terminal registrations across all
// sessions.
func (s *PostgresSource) ActiveByUser(ctx context.Context, userID uuid.UUID) (int, error) {
	const q = `SELECT COUNT(*) FROM registrations WHERE user_id = $1 AND status IN ('pending', 'needs_user_action')`
	var n int
	err := s.pool.QueryRow(ctx, q, userID).Scan(&n)
	return n, err
}

// ActiveByChild counts a child's non-terminal registrations.
func (s *PostgresSource) ActiveByChild(ctx context.Context, childID uuid.UUID) (int, error) {
	const q = `SELECT COUNT(*) FROM registrations WHERE child_id = $1 AND status IN ('pending', 'needs_user_action')`
	var n int
	err := s.pool.QueryRow(ctx, q, childID).Scan(&n)
	return n, err
}

// ActiveByUserAndSession counts the user's non-terminal registrations
// within one session.
func (s *PostgresSource) ActiveByUserAndSession(ctx context.Context, userID, sessionID uuid.UUID) (int, error) {
	const q = `SELECT COUNT(*) FROM registrations WHERE user_id = $1 AND session_id = $2 AND status IN ('pending', 'needs_user_action')`
	var n int
	err := s.pool.QueryRow(ctx, q, userID, sessionID).Scan(&n)
	return n, err
}

// AttemptsByIPSince counts hold-creation attempts for an IP since the
// given instant.
func (s *PostgresSource) AttemptsByIPSince(ctx context.Context, ip string, since time.Time) (int, error) {
	const q = `SELECT COUNT(*) FROM registration_attempts WHERE ip = $1 AND created_at >= $2`
	var n int
	err := s.pool.QueryRow(ctx, q, ip, since).Scan(&n)
	return n, err
}

// HasDefaultPaymentMethod reports whether the user has a default payment
// method on file.
func (s *PostgresSource) HasDefaultPaymentMethod(ctx context.Context, userID uuid.UUID) (bool, error) {
	const q = `SELECT EXISTS (SELECT 1 FROM payment_methods WHERE user_id = $1 AND is_default)`
	var exists bool
	err := s.pool.QueryRow(ctx, q, userID).Scan(&exists)
	return exists, err
}
