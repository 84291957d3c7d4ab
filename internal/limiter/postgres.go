package limiter

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is a PostgreSQL-backed limiter with a sliding window and lockout.
type PG struct {
	pool     pgxQuerier
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPG constructs a PostgreSQL-backed limiter.
func NewPG(pool *pgxpool.Pool, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: pool, window: window, maxFails: maxFails, blockFor: blockFor}
}

// NewPGWithQuerier constructs a PostgreSQL-backed limiter over any querier.
func NewPGWithQuerier(q pgxQuerier, window time.Duration, maxFails int, blockFor time.Duration) *PG {
	return &PG{pool: q, window: window, maxFails: maxFails, blockFor: blockFor}
}

// Allow reports whether a password check is currently allowed for the pair.
func (l *PG) Allow(ctx context.Context, userID uuid.UUID, fingerprint []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until, updated_at FROM password_check_limiter WHERE user_id=$1 AND fingerprint=$2`
	var blockedUntil time.Time
	var updatedAt time.Time
	err := l.pool.QueryRow(ctx, q, userID, fingerprint).Scan(&blockedUntil, &updatedAt)
	switch err {
	case nil:
		now := time.Now()
		if blockedUntil.After(now) {
			return false, time.Until(blockedUntil), nil
		}
		return true, 0, nil
	case pgx.ErrNoRows:
		return true, 0, nil
	default:
		return false, 0, err
	}
}

// Success resets counters for the pair.
func (l *PG) Success(ctx context.Context, userID uuid.UUID, fingerprint []byte) error {
	const q = `
INSERT INTO password_check_limiter (user_id, fingerprint, fail_count, blocked_until, updated_at)
VALUES ($1,$2,0,'epoch',now())
ON CONFLICT (user_id, fingerprint)
DO UPDATE SET fail_count=0, blocked_until='epoch', updated_at=now()`
	_, err := l.pool.Exec(ctx, q, userID, fingerprint)
	return err
}

// Failure records a failed attempt; may set a block until a future time.
func (l *PG) Failure(ctx context.Context, userID uuid.UUID, fingerprint []byte) (bool, time.Duration, error) {
	now := time.Now()

	const q = `
INSERT INTO password_check_limiter (user_id, fingerprint, fail_count, blocked_until, updated_at)
VALUES ($1,$2,1,'epoch',now())
ON CONFLICT (user_id, fingerprint) DO UPDATE
SET
  fail_count = CASE WHEN EXCLUDED.updated_at - password_check_limiter.updated_at > $3::interval THEN 1 ELSE password_check_limiter.fail_count + 1 END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	if err := l.pool.QueryRow(ctx, q, userID, fingerprint, l.window).Scan(&fails); err != nil {
		return false, 0, err
	}
	if fails >= l.maxFails {
		blockUntil := now.Add(l.blockFor)
		const upd = `UPDATE password_check_limiter SET blocked_until=$3 WHERE user_id=$1 AND fingerprint=$2`
		if _, err := l.pool.Exec(ctx, upd, userID, fingerprint, blockUntil); err != nil {
			return false, 0, err
		}
		return true, l.blockFor, nil
	}
	return false, 0, nil
}

// Reset clears all counters for the pair.
func (l *PG) Reset(ctx context.Context, userID uuid.UUID, fingerprint []byte) error {
	const q = `DELETE FROM password_check_limiter WHERE user_id=$1 AND fingerprint=$2`
	_, err := l.pool.Exec(ctx, q, userID, fingerprint)
	return err
}
