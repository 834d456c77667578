package registrations

import (
	"context"
	"errors"
	"hash/fnv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ErrHoldContended is returned when another request for the same
// user+session pair is already creating a hold.
var ErrHoldContended = errors.New("concurrent hold creation in progress")

// HoldLock serializes hold creation per user+session pair using a
// Postgres advisory lock. The lock key must be taken and released on the
// same connection, so the pool connection is pinned for the duration of
// the callback. A failed explicit unlock is not fatal: Postgres drops
// advisory locks when the connection closes.
type HoldLock struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewHoldLock creates the advisory-lock helper.
func NewHoldLock(pool *pgxpool.Pool, logger *zap.Logger) *HoldLock {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HoldLock{pool: pool, logger: logger}
}

// WithLock runs fn while holding the user+session advisory lock. If the
// lock is already held it returns ErrHoldContended without running fn.
func (l *HoldLock) WithLock(ctx context.Context, userID, sessionID uuid.UUID, fn func(ctx context.Context) error) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	key := holdLockKey(userID, sessionID)
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired); err != nil {
		return err
	}
	if !acquired {
		return ErrHoldContended
	}
	defer func() {
		var released bool
		if err := conn.QueryRow(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, key).Scan(&released); err != nil || !released {
			l.logger.Warn("advisory unlock failed, relying on connection close",
				zap.Int64("key", key), zap.Error(err))
		}
	}()

	return fn(ctx)
}

// holdLockKey derives a stable 32-bit advisory lock key from the
// user+session pair.
func holdLockKey(userID, sessionID uuid.UUID) int64 {
	h := fnv.New32a()
	h.Write([]byte(userID.String()))
	h.Write([]byte{':'})
	h.Write([]byte(sessionID.String()))
	return int64(int32(h.Sum32()))
}
