package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/helioslabs/gatekeep/internal/errs"
	"github.com/helioslabs/gatekeep/internal/model"
)

// CompatSessionRepo implements CompatSessionRepository over one transaction.
type CompatSessionRepo struct{ tx pgx.Tx }

const compatSessionColumns = `id, user_id, device, user_agent, created_at, last_active_at, last_active_ip, finished_at`

func scanCompatSession(row pgx.Row) (*model.CompatSession, error) {
	var s model.CompatSession
	err := row.Scan(&s.ID, &s.UserID, &s.Device, &s.UserAgent, &s.CreatedAt,
		&s.LastActiveAt, &s.LastActiveIP, &s.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("scan compat session: %w", err)
	}
	return &s, nil
}

// Lookup selects a session by ID.
func (r *CompatSessionRepo) Lookup(ctx context.Context, id uuid.UUID) (*model.CompatSession, error) {
	const q = `SELECT ` + compatSessionColumns + ` FROM compat_sessions WHERE id=$1`
	return scanCompatSession(r.tx.QueryRow(ctx, q, id))
}

// Add inserts a new session row.
func (r *CompatSessionRepo) Add(ctx context.Context, s *model.CompatSession) error {
	const q = `
INSERT INTO compat_sessions (id, user_id, device, user_agent, created_at, last_active_at, last_active_ip, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.tx.Exec(ctx, q, s.ID, s.UserID, s.Device, s.UserAgent, s.CreatedAt,
		s.LastActiveAt, s.LastActiveIP, s.FinishedAt)
	if err != nil {
		return fmt.Errorf("add compat session: %w", err)
	}
	return nil
}

// Finish moves the session to its terminal state. The WHERE clause makes a
// finished session immutable: a second Finish affects no rows.
func (r *CompatSessionRepo) Finish(ctx context.Context, s *model.CompatSession, at time.Time) (*model.CompatSession, error) {
	const q = `UPDATE compat_sessions SET finished_at=$2 WHERE id=$1 AND finished_at IS NULL`
	tag, err := r.tx.Exec(ctx, q, s.ID, at)
	if err != nil {
		return nil, fmt.Errorf("finish compat session %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.ErrFinished
	}
	out := *s
	out.FinishedAt = &at
	return &out, nil
}

// RecordUserAgent stores the session's user agent.
func (r *CompatSessionRepo) RecordUserAgent(ctx context.Context, s *model.CompatSession, userAgent string) (*model.CompatSession, error) {
	const q = `UPDATE compat_sessions SET user_agent=$2 WHERE id=$1 AND finished_at IS NULL`
	tag, err := r.tx.Exec(ctx, q, s.ID, userAgent)
	if err != nil {
		return nil, fmt.Errorf("record user agent for session %s: %w", s.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.ErrFinished
	}
	out := *s
	out.UserAgent = userAgent
	return &out, nil
}

// RecordActivity updates the last-seen timestamp/IP.
func (r *CompatSessionRepo) RecordActivity(ctx context.Context, id uuid.UUID, at time.Time, ip string) error {
	const q = `
UPDATE compat_sessions SET last_active_at=$2, last_active_ip=$3
WHERE id=$1 AND (last_active_at IS NULL OR last_active_at < $2)`
	if _, err := r.tx.Exec(ctx, q, id, at, ip); err != nil {
		return fmt.Errorf("record activity for session %s: %w", id, err)
	}
	return nil
}

// CompatAccessTokenRepo implements CompatAccessTokenRepository over one transaction.
type CompatAccessTokenRepo struct{ tx pgx.Tx }

// Add inserts the token. A token-string collision surfaces as
// errs.ErrAlreadyExists so the caller can regenerate and retry.
func (r *CompatAccessTokenRepo) Add(ctx context.Context, t *model.CompatAccessToken) error {
	const q = `
INSERT INTO compat_access_tokens (id, session_id, token, created_at, expires_at)
VALUES ($1, $2, $3, $4, $5)`
	_, err := r.tx.Exec(ctx, q, t.ID, t.SessionID, t.Token, t.CreatedAt, t.ExpiresAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("add compat access token: %w", err)
	}
	return nil
}

// FindValid looks up a token by its string. Expired tokens are rejected by
// the query itself, even before any purge job removes them.
func (r *CompatAccessTokenRepo) FindValid(ctx context.Context, tok string, now time.Time) (*model.CompatAccessToken, error) {
	const q = `
SELECT id, session_id, token, created_at, expires_at
FROM compat_access_tokens
WHERE token=$1 AND (expires_at IS NULL OR expires_at >= $2)`
	var t model.CompatAccessToken
	err := r.tx.QueryRow(ctx, q, tok, now).Scan(&t.ID, &t.SessionID, &t.Token, &t.CreatedAt, &t.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("find compat access token: %w", err)
	}
	return &t, nil
}

// Expire sets the token's expiry, used when refresh rotation retires it.
func (r *CompatAccessTokenRepo) Expire(ctx context.Context, t *model.CompatAccessToken, at time.Time) error {
	const q = `UPDATE compat_access_tokens SET expires_at=$2 WHERE id=$1`
	if _, err := r.tx.Exec(ctx, q, t.ID, at); err != nil {
		return fmt.Errorf("expire compat access token %s: %w", t.ID, err)
	}
	return nil
}

// CompatRefreshTokenRepo implements CompatRefreshTokenRepository over one transaction.
type CompatRefreshTokenRepo struct{ tx pgx.Tx }

// Add inserts the refresh token.
func (r *CompatRefreshTokenRepo) Add(ctx context.Context, t *model.CompatRefreshToken) error {
	const q = `
INSERT INTO compat_refresh_tokens (id, session_id, access_token_id, token, created_at, consumed_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.tx.Exec(ctx, q, t.ID, t.SessionID, t.AccessTokenID, t.Token, t.CreatedAt, t.ConsumedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("add compat refresh token: %w", err)
	}
	return nil
}

// FindValid looks up an unconsumed refresh token by its string.
func (r *CompatRefreshTokenRepo) FindValid(ctx context.Context, tok string) (*model.CompatRefreshToken, error) {
	const q = `
SELECT id, session_id, access_token_id, token, created_at, consumed_at
FROM compat_refresh_tokens WHERE token=$1 AND consumed_at IS NULL`
	var t model.CompatRefreshToken
	err := r.tx.QueryRow(ctx, q, tok).
		Scan(&t.ID, &t.SessionID, &t.AccessTokenID, &t.Token, &t.CreatedAt, &t.ConsumedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("find compat refresh token: %w", err)
	}
	return &t, nil
}

// Consume marks the refresh token used. Single use.
func (r *CompatRefreshTokenRepo) Consume(ctx context.Context, t *model.CompatRefreshToken, at time.Time) error {
	const q = `UPDATE compat_refresh_tokens SET consumed_at=$2 WHERE id=$1 AND consumed_at IS NULL`
	tag, err := r.tx.Exec(ctx, q, t.ID, at)
	if err != nil {
		return fmt.Errorf("consume compat refresh token %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrAlreadyExists
	}
	return nil
}

// CompatSSOLoginRepo implements CompatSSOLoginRepository over one transaction.
type CompatSSOLoginRepo struct{ tx pgx.Tx }

const ssoLoginColumns = `id, token, redirect_uri, state, session_id, created_at, fulfilled_at, exchanged_at`

func scanSSOLogin(row pgx.Row) (*model.CompatSSOLogin, error) {
	var l model.CompatSSOLogin
	err := row.Scan(&l.ID, &l.Token, &l.RedirectURI, &l.State, &l.SessionID,
		&l.CreatedAt, &l.FulfilledAt, &l.ExchangedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("scan sso login: %w", err)
	}
	return &l, nil
}

// Lookup selects a login by ID.
func (r *CompatSSOLoginRepo) Lookup(ctx context.Context, id uuid.UUID) (*model.CompatSSOLogin, error) {
	const q = `SELECT ` + ssoLoginColumns + ` FROM compat_sso_logins WHERE id=$1`
	return scanSSOLogin(r.tx.QueryRow(ctx, q, id))
}

// FindByToken selects a login by its one-time token.
func (r *CompatSSOLoginRepo) FindByToken(ctx context.Context, tok string) (*model.CompatSSOLogin, error) {
	const q = `SELECT ` + ssoLoginColumns + ` FROM compat_sso_logins WHERE token=$1`
	return scanSSOLogin(r.tx.QueryRow(ctx, q, tok))
}

// Add inserts a new pending login.
func (r *CompatSSOLoginRepo) Add(ctx context.Context, l *model.CompatSSOLogin) error {
	const q = `
INSERT INTO compat_sso_logins (id, token, redirect_uri, state, session_id, created_at, fulfilled_at, exchanged_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.tx.Exec(ctx, q, l.ID, l.Token, l.RedirectURI, l.State, l.SessionID,
		l.CreatedAt, l.FulfilledAt, l.ExchangedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("add sso login: %w", err)
	}
	return nil
}

// Fulfill moves Pending -> Fulfilled. The state guard in the WHERE clause
// keeps the transition forward-only.
func (r *CompatSSOLoginRepo) Fulfill(ctx context.Context, l *model.CompatSSOLogin, s *model.CompatSession, at time.Time) (*model.CompatSSOLogin, error) {
	const q = `
UPDATE compat_sso_logins SET state=$2, session_id=$3, fulfilled_at=$4
WHERE id=$1 AND state=$5`
	tag, err := r.tx.Exec(ctx, q, l.ID, model.SSOLoginFulfilled, s.ID, at, model.SSOLoginPending)
	if err != nil {
		return nil, fmt.Errorf("fulfill sso login %s: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.ErrAlreadyExists
	}
	out := *l
	out.State = model.SSOLoginFulfilled
	out.SessionID = &s.ID
	out.FulfilledAt = &at
	return &out, nil
}

// Exchange moves Fulfilled -> Exchanged. Single use.
func (r *CompatSSOLoginRepo) Exchange(ctx context.Context, l *model.CompatSSOLogin, at time.Time) (*model.CompatSSOLogin, error) {
	const q = `
UPDATE compat_sso_logins SET state=$2, exchanged_at=$3
WHERE id=$1 AND state=$4`
	tag, err := r.tx.Exec(ctx, q, l.ID, model.SSOLoginExchanged, at, model.SSOLoginFulfilled)
	if err != nil {
		return nil, fmt.Errorf("exchange sso login %s: %w", l.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.ErrAlreadyExists
	}
	out := *l
	out.State = model.SSOLoginExchanged
	out.ExchangedAt = &at
	return &out, nil
}
