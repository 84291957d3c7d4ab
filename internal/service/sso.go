package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/helioslabs/gatekeep/internal/errs"
	"github.com/helioslabs/gatekeep/internal/model"
	"github.com/helioslabs/gatekeep/internal/token"
)

const ssoTokenLen = 32

// CreateSSOLogin mints a pending one-time login token for an SSO handoff.
func (c *Compat) CreateSSOLogin(ctx context.Context, redirectURI string) (*model.CompatSSOLogin, error) {
	repo, err := c.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("create sso login: %w", err)
	}
	defer repo.Cancel(ctx)

	var login *model.CompatSSOLogin
	for range tokenInsertRetries {
		tok, err := randAlnum(c.rng, ssoTokenLen)
		if err != nil {
			return nil, fmt.Errorf("create sso login: %w", err)
		}
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("create sso login: %w", err)
		}
		login = &model.CompatSSOLogin{
			ID:          id,
			Token:       tok,
			RedirectURI: redirectURI,
			State:       model.SSOLoginPending,
			CreatedAt:   c.clk.Now(),
		}
		err = repo.CompatSSOLogins().Add(ctx, login)
		if err == nil {
			break
		}
		if !errors.Is(err, errs.ErrAlreadyExists) {
			return nil, fmt.Errorf("create sso login: %w", err)
		}
		login = nil
	}
	if login == nil {
		return nil, fmt.Errorf("create sso login: %w", errs.ErrAlreadyExists)
	}

	if err := repo.Save(ctx); err != nil {
		return nil, fmt.Errorf("create sso login: %w", err)
	}
	return login, nil
}

// FulfillSSOLogin binds a freshly created session to a pending login token
// once the SSO flow completed for the user. The token becomes exchangeable
// for a bounded window from this moment.
func (c *Compat) FulfillSSOLogin(ctx context.Context, loginID uuid.UUID, user *model.User, device string) (*model.CompatSSOLogin, error) {
	repo, err := c.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("fulfill sso login: %w", err)
	}
	defer repo.Cancel(ctx)

	login, err := repo.CompatSSOLogins().Lookup(ctx, loginID)
	if err != nil {
		return nil, fmt.Errorf("fulfill sso login: %w", err)
	}
	if login.State != model.SSOLoginPending {
		return nil, fmt.Errorf("fulfill sso login: %w", errs.ErrAlreadyExists)
	}

	sessID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("fulfill sso login: %w", err)
	}
	sess := &model.CompatSession{
		ID:        sessID,
		UserID:    user.ID,
		Device:    device,
		CreatedAt: c.clk.Now(),
	}
	if err := repo.CompatSessions().Add(ctx, sess); err != nil {
		return nil, fmt.Errorf("fulfill sso login: %w", err)
	}

	fulfilled, err := repo.CompatSSOLogins().Fulfill(ctx, login, sess, c.clk.Now())
	if err != nil {
		return nil, fmt.Errorf("fulfill sso login: %w", err)
	}
	if err := repo.Save(ctx); err != nil {
		return nil, fmt.Errorf("fulfill sso login: %w", err)
	}
	return fulfilled, nil
}

// FinishSession terminates a session. Tokens stop resolving once the
// session is finished.
func (c *Compat) FinishSession(ctx context.Context, sessionID uuid.UUID) error {
	repo, err := c.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	defer repo.Cancel(ctx)

	sess, err := repo.CompatSessions().Lookup(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	if _, err := repo.CompatSessions().Finish(ctx, sess, c.clk.Now()); err != nil {
		return fmt.Errorf("finish session %s: %w", sessionID, err)
	}
	if err := repo.Save(ctx); err != nil {
		return fmt.Errorf("finish session: %w", err)
	}
	return nil
}

// VerifyAccessToken resolves a presented compat access token to its session,
// rejecting expired tokens and finished sessions. Tokens that fail the shape
// or checksum check are rejected without a storage roundtrip.
func (c *Compat) VerifyAccessToken(ctx context.Context, tok string) (*model.CompatSession, error) {
	if kind, err := token.Validate(tok); err != nil || kind != token.KindCompatAccessToken {
		return nil, errs.ErrNotFound
	}

	repo, err := c.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	defer repo.Cancel(ctx)

	at, err := repo.CompatAccessTokens().FindValid(ctx, tok, c.clk.Now())
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	sess, err := repo.CompatSessions().Lookup(ctx, at.SessionID)
	if err != nil {
		return nil, fmt.Errorf("verify access token: %w", err)
	}
	if sess.IsFinished() {
		return nil, errs.ErrFinished
	}
	return sess, nil
}
