// Package repository defines storage interfaces implemented by concrete
// backends. All mutating operations on a Repository happen inside one
// logical transaction per request: Save commits the full set of writes,
// and a repository that is never saved leaves no partial writes visible.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/helioslabs/gatekeep/internal/model"
)

// Store opens per-request repositories.
type Store interface {
	// Begin starts a new transactional repository. The caller owns the
	// transaction scope and must either Save or Cancel it.
	Begin(ctx context.Context) (Repository, error)
}

// Repository is a per-request unit of work over all entity repositories.
type Repository interface {
	Users() UserRepository
	UserPasswords() UserPasswordRepository
	CompatSessions() CompatSessionRepository
	CompatAccessTokens() CompatAccessTokenRepository
	CompatRefreshTokens() CompatRefreshTokenRepository
	CompatSSOLogins() CompatSSOLoginRepository
	Clients() ClientRepository
	DeviceCodeGrants() DeviceCodeGrantRepository
	AuthorizationGrants() AuthorizationGrantRepository
	OAuth2Sessions() OAuth2SessionRepository

	// Save commits every write performed through this repository.
	Save(ctx context.Context) error
	// Cancel rolls the transaction back. Calling Cancel after Save is a
	// no-op, so it is safe to defer.
	Cancel(ctx context.Context) error
}

// UserRepository provides access to user accounts.
type UserRepository interface {
	Lookup(ctx context.Context, id uuid.UUID) (*model.User, error)
	FindByUsername(ctx context.Context, username string) (*model.User, error)
	Add(ctx context.Context, u *model.User) error
	// AcquireLockForSync takes the per-user advisory lock serializing the
	// device-provisioning critical section. It blocks until the lock is
	// granted and holds it until the transaction ends.
	AcquireLockForSync(ctx context.Context, userID uuid.UUID) error
}

// UserPasswordRepository provides access to versioned password records.
type UserPasswordRepository interface {
	// Active returns the most recent password record for the user.
	Active(ctx context.Context, userID uuid.UUID) (*model.UserPassword, error)
	Add(ctx context.Context, p *model.UserPassword) error
}

// CompatSessionRepository provides access to legacy-protocol sessions.
type CompatSessionRepository interface {
	Lookup(ctx context.Context, id uuid.UUID) (*model.CompatSession, error)
	Add(ctx context.Context, s *model.CompatSession) error
	// Finish moves the session to its terminal state. Finishing an already
	// finished session returns errs.ErrFinished.
	Finish(ctx context.Context, s *model.CompatSession, at time.Time) (*model.CompatSession, error)
	RecordUserAgent(ctx context.Context, s *model.CompatSession, userAgent string) (*model.CompatSession, error)
	// RecordActivity updates the last-seen timestamp/IP. Used by the
	// activity tracker outside the request's transaction boundary.
	RecordActivity(ctx context.Context, id uuid.UUID, at time.Time, ip string) error
}

// CompatAccessTokenRepository provides access to compat access tokens.
type CompatAccessTokenRepository interface {
	// Add inserts the token. A token-string collision surfaces as
	// errs.ErrAlreadyExists so the caller can regenerate and retry.
	Add(ctx context.Context, t *model.CompatAccessToken) error
	// FindValid looks up a token by its string, rejecting expired tokens
	// even when they have not been purged yet.
	FindValid(ctx context.Context, tok string, now time.Time) (*model.CompatAccessToken, error)
	Expire(ctx context.Context, t *model.CompatAccessToken, at time.Time) error
}

// CompatRefreshTokenRepository provides access to compat refresh tokens.
type CompatRefreshTokenRepository interface {
	Add(ctx context.Context, t *model.CompatRefreshToken) error
	FindValid(ctx context.Context, tok string) (*model.CompatRefreshToken, error)
	// Consume marks the refresh token used. Consuming twice returns
	// errs.ErrAlreadyExists.
	Consume(ctx context.Context, t *model.CompatRefreshToken, at time.Time) error
}

// CompatSSOLoginRepository provides access to one-time SSO login tokens.
type CompatSSOLoginRepository interface {
	Lookup(ctx context.Context, id uuid.UUID) (*model.CompatSSOLogin, error)
	FindByToken(ctx context.Context, tok string) (*model.CompatSSOLogin, error)
	Add(ctx context.Context, l *model.CompatSSOLogin) error
	// Fulfill moves Pending -> Fulfilled, binding the session.
	Fulfill(ctx context.Context, l *model.CompatSSOLogin, s *model.CompatSession, at time.Time) (*model.CompatSSOLogin, error)
	// Exchange moves Fulfilled -> Exchanged. Single use.
	Exchange(ctx context.Context, l *model.CompatSSOLogin, at time.Time) (*model.CompatSSOLogin, error)
}

// ClientRepository provides access to registered OAuth2 clients.
type ClientRepository interface {
	Lookup(ctx context.Context, id uuid.UUID) (*model.Client, error)
	FindByClientID(ctx context.Context, clientID string) (*model.Client, error)
	Add(ctx context.Context, c *model.Client) error
}

// DeviceCodeGrantRepository provides access to device-authorization grants.
type DeviceCodeGrantRepository interface {
	Lookup(ctx context.Context, id uuid.UUID) (*model.DeviceCodeGrant, error)
	FindByUserCode(ctx context.Context, userCode string) (*model.DeviceCodeGrant, error)
	FindByDeviceCode(ctx context.Context, deviceCode string) (*model.DeviceCodeGrant, error)
	Add(ctx context.Context, g *model.DeviceCodeGrant) error
	// Fulfill moves Pending -> Fulfilled, binding the consenting session.
	Fulfill(ctx context.Context, g *model.DeviceCodeGrant, sessionID uuid.UUID, at time.Time) (*model.DeviceCodeGrant, error)
	// Reject moves Pending -> Rejected, binding the consenting session.
	Reject(ctx context.Context, g *model.DeviceCodeGrant, sessionID uuid.UUID, at time.Time) (*model.DeviceCodeGrant, error)
	// Exchange marks a fulfilled grant as exchanged. Single use.
	Exchange(ctx context.Context, g *model.DeviceCodeGrant, at time.Time) (*model.DeviceCodeGrant, error)
}

// AuthorizationGrantRepository provides access to authorization-code grants.
type AuthorizationGrantRepository interface {
	FindByCode(ctx context.Context, code string) (*model.AuthorizationGrant, error)
	Add(ctx context.Context, g *model.AuthorizationGrant) error
	// Exchange marks the code used. Single use.
	Exchange(ctx context.Context, g *model.AuthorizationGrant, at time.Time) (*model.AuthorizationGrant, error)
}

// OAuth2SessionRepository provides access to OAuth2 sessions minted at the
// token endpoint.
type OAuth2SessionRepository interface {
	Lookup(ctx context.Context, id uuid.UUID) (*model.OAuth2Session, error)
	Add(ctx context.Context, s *model.OAuth2Session) error
}
