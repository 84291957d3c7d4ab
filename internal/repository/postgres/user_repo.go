package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/helioslabs/gatekeep/internal/errs"
	"github.com/helioslabs/gatekeep/internal/model"
)

// UserRepo implements UserRepository over one transaction.
type UserRepo struct{ tx pgx.Tx }

const userColumns = `id, username, created_at, locked_at, can_request_admin, deactivated`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.CreatedAt, &u.LockedAt, &u.CanRequestAdmin, &u.Deactivated)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

// Lookup selects a user by ID.
func (r *UserRepo) Lookup(ctx context.Context, id uuid.UUID) (*model.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE id=$1`
	return scanUser(r.tx.QueryRow(ctx, q, id))
}

// FindByUsername selects a user by localpart.
func (r *UserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE username=$1`
	return scanUser(r.tx.QueryRow(ctx, q, username))
}

// Add inserts a new user row.
func (r *UserRepo) Add(ctx context.Context, u *model.User) error {
	const q = `
INSERT INTO users (id, username, created_at, locked_at, can_request_admin, deactivated)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.tx.Exec(ctx, q, u.ID, u.Username, u.CreatedAt, u.LockedAt, u.CanRequestAdmin, u.Deactivated)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("add user: %w", err)
	}
	return nil
}

// AcquireLockForSync takes the per-user advisory lock. pg_advisory_xact_lock
// blocks until granted and releases at transaction end, which serializes the
// device-provisioning critical section across concurrent logins for one user.
func (r *UserRepo) AcquireLockForSync(ctx context.Context, userID uuid.UUID) error {
	const q = `SELECT pg_advisory_xact_lock(hashtextextended('user-sync:' || $1::text, 0))`
	if _, err := r.tx.Exec(ctx, q, userID); err != nil {
		return fmt.Errorf("acquire sync lock for user %s: %w", userID, err)
	}
	return nil
}

// UserPasswordRepo implements UserPasswordRepository over one transaction.
type UserPasswordRepo struct{ tx pgx.Tx }

// Active selects the most recent password record for the user.
func (r *UserPasswordRepo) Active(ctx context.Context, userID uuid.UUID) (*model.UserPassword, error) {
	const q = `
SELECT id, user_id, version, hash, salt, upgraded_from_id, created_at
FROM user_passwords WHERE user_id=$1
ORDER BY created_at DESC, id DESC LIMIT 1`
	var p model.UserPassword
	err := r.tx.QueryRow(ctx, q, userID).
		Scan(&p.ID, &p.UserID, &p.Version, &p.Hash, &p.Salt, &p.UpgradedFromID, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("active password for user %s: %w", userID, err)
	}
	return &p, nil
}

// Add inserts a new password record.
func (r *UserPasswordRepo) Add(ctx context.Context, p *model.UserPassword) error {
	const q = `
INSERT INTO user_passwords (id, user_id, version, hash, salt, upgraded_from_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.tx.Exec(ctx, q, p.ID, p.UserID, p.Version, p.Hash, p.Salt, p.UpgradedFromID, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("add user password: %w", err)
	}
	return nil
}
