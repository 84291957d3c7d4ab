// Package postgres contains PostgreSQL implementations of repository
// interfaces. Every repository is bound to one pgx transaction; Save
// commits it and Cancel rolls it back.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helioslabs/gatekeep/internal/repository"
)

// PgxPool is a minimal abstraction over a Postgres connection pool. It is
// implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// DB wraps a pool to satisfy repository.Store and allow testing.
type DB struct{ Pool PgxPool }

// New creates a new connection pool for the given DSN.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the underlying pool.
func (db *DB) Close() { db.Pool.Close() }

// Begin starts a per-request transactional repository.
func (db *DB) Begin(ctx context.Context) (repository.Repository, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Repository{tx: tx}, nil
}

// Repository is the unit of work bound to one transaction.
type Repository struct{ tx pgx.Tx }

func (r *Repository) Users() repository.UserRepository                       { return &UserRepo{tx: r.tx} }
func (r *Repository) UserPasswords() repository.UserPasswordRepository       { return &UserPasswordRepo{tx: r.tx} }
func (r *Repository) CompatSessions() repository.CompatSessionRepository    { return &CompatSessionRepo{tx: r.tx} }
func (r *Repository) CompatAccessTokens() repository.CompatAccessTokenRepository {
	return &CompatAccessTokenRepo{tx: r.tx}
}
func (r *Repository) CompatRefreshTokens() repository.CompatRefreshTokenRepository {
	return &CompatRefreshTokenRepo{tx: r.tx}
}
func (r *Repository) CompatSSOLogins() repository.CompatSSOLoginRepository { return &CompatSSOLoginRepo{tx: r.tx} }
func (r *Repository) Clients() repository.ClientRepository                 { return &ClientRepo{tx: r.tx} }
func (r *Repository) DeviceCodeGrants() repository.DeviceCodeGrantRepository {
	return &DeviceCodeGrantRepo{tx: r.tx}
}
func (r *Repository) AuthorizationGrants() repository.AuthorizationGrantRepository {
	return &AuthorizationGrantRepo{tx: r.tx}
}
func (r *Repository) OAuth2Sessions() repository.OAuth2SessionRepository { return &OAuth2SessionRepo{tx: r.tx} }

// Save commits every write performed through this repository.
func (r *Repository) Save(ctx context.Context) error {
	if err := r.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Cancel rolls the transaction back. Safe to defer: cancelling a saved
// repository is a no-op.
func (r *Repository) Cancel(ctx context.Context) error {
	err := r.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}
