package postgres

import (
	"context"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/helioslabs/gatekeep/internal/errs"
	"github.com/helioslabs/gatekeep/internal/model"
	"github.com/helioslabs/gatekeep/internal/repository"
)

func newRepo(t *testing.T) (repository.Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	mock.ExpectBegin()
	db := &DB{Pool: mock}
	repo, err := db.Begin(context.Background())
	require.NoError(t, err)
	return repo, mock
}

func TestUserRepo_Add_OK_and_UniqueViolation(t *testing.T) {
	repo, mock := newRepo(t)
	defer mock.Close()
	ctx := context.Background()
	u := &model.User{ID: uuid.Must(uuid.NewV4()), Username: "alice"}

	// OK
	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(u.ID, u.Username, u.CreatedAt, u.LockedAt, u.CanRequestAdmin, u.Deactivated).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, repo.Users().Add(ctx, u))

	// Unique violation
	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(u.ID, u.Username, u.CreatedAt, u.LockedAt, u.CanRequestAdmin, u.Deactivated).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	err := repo.Users().Add(ctx, u)
	require.ErrorIs(t, err, errs.ErrAlreadyExists)
}

func TestUserRepo_FindByUsername(t *testing.T) {
	repo, mock := newRepo(t)
	defer mock.Close()
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())
	cols := []string{"id", "username", "created_at", "locked_at", "can_request_admin", "deactivated"}

	mock.ExpectQuery(`SELECT .+ FROM users WHERE username=\$1`).
		WithArgs("alice").
		WillReturnRows(pgxmock.NewRows(cols).AddRow(id, "alice", pgxmock.AnyArg(), nil, false, false))
	u, err := repo.Users().FindByUsername(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, id, u.ID)
	require.True(t, u.IsValid())

	mock.ExpectQuery(`SELECT .+ FROM users WHERE username=\$1`).
		WithArgs("nobody").
		WillReturnError(pgx.ErrNoRows)
	_, err = repo.Users().FindByUsername(ctx, "nobody")
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestUserRepo_AcquireLockForSync(t *testing.T) {
	repo, mock := newRepo(t)
	defer mock.Close()
	ctx := context.Background()
	id := uuid.Must(uuid.NewV4())

	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtextextended\('user-sync:' \|\| \$1::text, 0\)\)`).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	require.NoError(t, repo.Users().AcquireLockForSync(ctx, id))
}

func TestUserPasswordRepo_Active(t *testing.T) {
	repo, mock := newRepo(t)
	defer mock.Close()
	ctx := context.Background()
	userID := uuid.Must(uuid.NewV4())
	pwID := uuid.Must(uuid.NewV4())
	cols := []string{"id", "user_id", "version", "hash", "salt", "upgraded_from_id", "created_at"}

	mock.ExpectQuery(`SELECT .+ FROM user_passwords WHERE user_id=\$1 ORDER BY created_at DESC, id DESC LIMIT 1`).
		WithArgs(userID).
		WillReturnRows(pgxmock.NewRows(cols).
			AddRow(pwID, userID, 2, []byte("h"), []byte("s"), nil, pgxmock.AnyArg()))
	p, err := repo.UserPasswords().Active(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, pwID, p.ID)
	require.Equal(t, 2, p.Version)

	mock.ExpectQuery(`SELECT .+ FROM user_passwords WHERE user_id=\$1`).
		WithArgs(userID).
		WillReturnError(pgx.ErrNoRows)
	_, err = repo.UserPasswords().Active(ctx, userID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestRepository_SaveAndCancel(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	db := &DB{Pool: mock}
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()
	repo, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx))

	mock.ExpectBegin()
	mock.ExpectRollback()
	repo, err = db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.Cancel(ctx))
}
