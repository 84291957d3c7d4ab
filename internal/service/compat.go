// Package service implements the session and token lifecycle flows on top
// of the repository, limiter, policy and directory-connector boundaries.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/helioslabs/gatekeep/internal/activity"
	"github.com/helioslabs/gatekeep/internal/clock"
	"github.com/helioslabs/gatekeep/internal/crypto"
	"github.com/helioslabs/gatekeep/internal/errs"
	"github.com/helioslabs/gatekeep/internal/limiter"
	"github.com/helioslabs/gatekeep/internal/matrix"
	"github.com/helioslabs/gatekeep/internal/model"
	"github.com/helioslabs/gatekeep/internal/repository"
	"github.com/helioslabs/gatekeep/internal/token"
)

// Login route errors. The transport layer maps these onto the fixed legacy
// error vocabulary; several of them intentionally collapse into one uniform
// response body so callers cannot probe which part of a credential was wrong.
var (
	ErrUserNotFound               = errors.New("user not found")
	ErrNoPassword                 = errors.New("user has no password set")
	ErrPasswordVerificationFailed = errors.New("password verification failed")
	ErrLoginTookTooLong           = errors.New("login token expired")
	ErrInvalidLoginToken          = errors.New("invalid login token")
	ErrMissingIdentifier          = errors.New("missing identifier")
	ErrUnsupportedIdentifier      = errors.New("unsupported login identifier")
	ErrUnsupportedLoginType       = errors.New("unsupported login type")
	ErrProvisioningFailed         = errors.New("device provisioning failed")
)

// ssoExchangeWindow bounds how long a fulfilled login token stays exchangeable.
const ssoExchangeWindow = 30 * time.Second

// tokenInsertRetries bounds regeneration attempts on a token-string collision.
const tokenInsertRetries = 3

// Credentials is the closed set of login credential variants. The
// Unsupported variant survives parsing so unknown future login types reach
// the service and fail with a stable error instead of a parse failure.
type Credentials interface{ credentials() }

// Identifier is the structured user identifier of a password login.
type Identifier struct {
	Type string
	User string
}

// PasswordCredentials carries a password login. User is the deprecated flat
// field some legacy clients still send; it wins over the structured
// identifier when both are present.
type PasswordCredentials struct {
	Identifier *Identifier
	User       string
	Password   string
}

func (PasswordCredentials) credentials() {}

// TokenCredentials carries a one-time SSO login token.
type TokenCredentials struct {
	Token string
}

func (TokenCredentials) credentials() {}

// UnsupportedCredentials carries a login type this server does not handle.
type UnsupportedCredentials struct {
	Type string
}

func (UnsupportedCredentials) credentials() {}

// LoginRequest is one legacy login attempt.
type LoginRequest struct {
	Credentials  Credentials
	RefreshToken bool
	UserAgent    string
	IP           string
}

// LoginResult is the successful outcome of a login.
type LoginResult struct {
	User         *model.User
	Session      *model.CompatSession
	UserID       string // full @local:server identifier
	DeviceID     string
	AccessToken  string
	RefreshToken string        // empty unless requested
	ExpiresIn    time.Duration // zero when the access token does not expire
}

// LoginFlow is one advertised login method.
type LoginFlow struct {
	Type                string
	DelegatedOIDCCompat bool
}

// CompatConfig carries the tunables of the legacy login surface.
type CompatConfig struct {
	// TokenTTL is applied to access tokens when a refresh token is
	// requested. Without refresh the access token never expires.
	TokenTTL             time.Duration
	PasswordLoginEnabled bool
}

// Compat implements the legacy login flow.
type Compat struct {
	store     repository.Store
	limiter   limiter.Limiter
	connector matrix.Connector
	tracker   *activity.Tracker
	clk       clock.Clock
	rng       io.Reader
	log       *zap.Logger
	cfg       CompatConfig
}

// NewCompat wires the legacy login service.
func NewCompat(store repository.Store, lim limiter.Limiter, conn matrix.Connector,
	tracker *activity.Tracker, clk clock.Clock, rng io.Reader, log *zap.Logger, cfg CompatConfig) *Compat {
	return &Compat{
		store:     store,
		limiter:   lim,
		connector: conn,
		tracker:   tracker,
		clk:       clk,
		rng:       rng,
		log:       log,
		cfg:       cfg,
	}
}

// LoginFlows advertises the login methods available on this server.
func (c *Compat) LoginFlows() []LoginFlow {
	flows := make([]LoginFlow, 0, 3)
	if c.cfg.PasswordLoginEnabled {
		flows = append(flows, LoginFlow{Type: "m.login.password"})
	}
	flows = append(flows,
		LoginFlow{Type: "m.login.sso", DelegatedOIDCCompat: true},
		LoginFlow{Type: "m.login.token"},
	)
	return flows
}

// Login handles one legacy login attempt end to end: credential resolution,
// session creation and token issuance, all inside one repository transaction.
func (c *Compat) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	repo, err := c.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	defer repo.Cancel(ctx)

	var (
		user *model.User
		sess *model.CompatSession
	)
	switch creds := req.Credentials.(type) {
	case PasswordCredentials:
		user, sess, err = c.passwordLogin(ctx, repo, creds, req.IP)
	case TokenCredentials:
		user, sess, err = c.tokenLogin(ctx, repo, creds)
	default:
		err = ErrUnsupportedLoginType
	}
	if err != nil {
		return nil, err
	}

	if req.UserAgent != "" {
		sess, err = repo.CompatSessions().RecordUserAgent(ctx, sess, req.UserAgent)
		if err != nil {
			return nil, fmt.Errorf("login: record user agent: %w", err)
		}
	}

	result := &LoginResult{
		User:     user,
		Session:  sess,
		UserID:   c.connector.MXID(user.Username),
		DeviceID: sess.Device,
	}

	now := c.clk.Now()
	var expiresAt *time.Time
	if req.RefreshToken {
		e := now.Add(c.cfg.TokenTTL)
		expiresAt = &e
		result.ExpiresIn = c.cfg.TokenTTL
	}

	access, err := c.insertAccessToken(ctx, repo, sess.ID, now, expiresAt)
	if err != nil {
		return nil, err
	}
	result.AccessToken = access.Token

	if req.RefreshToken {
		refresh, err := c.insertRefreshToken(ctx, repo, sess.ID, access.ID, now)
		if err != nil {
			return nil, err
		}
		result.RefreshToken = refresh.Token
	}

	if err := repo.Save(ctx); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	// Off the critical path: a lost update costs only last-seen data.
	c.tracker.Bind(req.IP).RecordCompatSession(sess.ID)

	return result, nil
}

// passwordLogin resolves the username, rate-limits, verifies the password
// (upgrading stale hashes), and provisions device + session under the
// per-user sync lock.
func (c *Compat) passwordLogin(ctx context.Context, repo repository.Repository,
	creds PasswordCredentials, ip string) (*model.User, *model.CompatSession, error) {
	if !c.cfg.PasswordLoginEnabled {
		return nil, nil, ErrUnsupportedLoginType
	}

	username, err := resolveUsername(creds)
	if err != nil {
		return nil, nil, err
	}
	localpart, ok := c.connector.Localpart(username)
	if !ok {
		// Identifier for a foreign homeserver fails like a bad username.
		return nil, nil, ErrUserNotFound
	}

	user, err := repo.Users().FindByUsername(ctx, localpart)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil, ErrUserNotFound
		}
		return nil, nil, fmt.Errorf("password login: %w", err)
	}
	if !user.IsValid() {
		return nil, nil, ErrUserNotFound
	}

	fp := limiter.FingerprintIP(ip)
	allowed, _, err := c.limiter.Allow(ctx, user.ID, fp)
	if err != nil {
		return nil, nil, fmt.Errorf("password login: rate limiter: %w", err)
	}
	if !allowed {
		return nil, nil, errs.ErrRateLimited
	}

	pw, err := repo.UserPasswords().Active(ctx, user.ID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			c.recordFailure(ctx, user.ID, fp)
			return nil, nil, ErrNoPassword
		}
		return nil, nil, fmt.Errorf("password login: %w", err)
	}

	upgraded, err := crypto.VerifyAndUpgrade(c.rng, pw.Version, []byte(creds.Password), pw.Salt, pw.Hash)
	if err != nil {
		if errors.Is(err, crypto.ErrPasswordMismatch) {
			c.recordFailure(ctx, user.ID, fp)
			return nil, nil, ErrPasswordVerificationFailed
		}
		return nil, nil, fmt.Errorf("password login: %w", err)
	}
	if err := c.limiter.Success(ctx, user.ID, fp); err != nil {
		c.log.Warn("limiter success reset failed", zap.Error(err))
	}

	if upgraded != nil {
		id, err := uuid.NewV4()
		if err != nil {
			return nil, nil, fmt.Errorf("password login: %w", err)
		}
		rec := &model.UserPassword{
			ID:             id,
			UserID:         user.ID,
			Version:        upgraded.Version,
			Hash:           upgraded.Hash,
			Salt:           upgraded.Salt,
			UpgradedFromID: &pw.ID,
			CreatedAt:      c.clk.Now(),
		}
		if err := repo.UserPasswords().Add(ctx, rec); err != nil {
			return nil, nil, fmt.Errorf("password login: store upgraded hash: %w", err)
		}
	}

	// Serialize device provisioning per user before touching the directory.
	if err := repo.Users().AcquireLockForSync(ctx, user.ID); err != nil {
		return nil, nil, fmt.Errorf("password login: %w", err)
	}

	device, err := matrix.GenerateDevice(c.rng)
	if err != nil {
		return nil, nil, fmt.Errorf("password login: %w", err)
	}
	if err := c.connector.CreateDevice(ctx, user.Username, device); err != nil {
		// Provisioning happens strictly before session creation: no device,
		// no session, no tokens.
		return nil, nil, fmt.Errorf("%w: %s", ErrProvisioningFailed, err)
	}

	sessID, err := uuid.NewV4()
	if err != nil {
		return nil, nil, fmt.Errorf("password login: %w", err)
	}
	sess := &model.CompatSession{
		ID:        sessID,
		UserID:    user.ID,
		Device:    device,
		CreatedAt: c.clk.Now(),
	}
	if err := repo.CompatSessions().Add(ctx, sess); err != nil {
		return nil, nil, fmt.Errorf("password login: %w", err)
	}
	return user, sess, nil
}

func (c *Compat) recordFailure(ctx context.Context, userID uuid.UUID, fp []byte) {
	if _, _, err := c.limiter.Failure(ctx, userID, fp); err != nil {
		c.log.Warn("limiter failure record failed", zap.Error(err))
	}
}

// tokenLogin drives the one-time SSO login-token exchange.
func (c *Compat) tokenLogin(ctx context.Context, repo repository.Repository,
	creds TokenCredentials) (*model.User, *model.CompatSession, error) {
	now := c.clk.Now()

	login, err := repo.CompatSSOLogins().FindByToken(ctx, creds.Token)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, nil, ErrInvalidLoginToken
		}
		return nil, nil, fmt.Errorf("token login: %w", err)
	}

	switch login.State {
	case model.SSOLoginPending:
		// Tokens are only handed out after fulfillment; reaching here means
		// an internal inconsistency upstream.
		c.log.Error("exchange attempted on pending sso login",
			zap.String("sso_login_id", login.ID.String()))
		return nil, nil, ErrInvalidLoginToken
	case model.SSOLoginExchanged:
		if login.ExchangedAt != nil && now.After(login.ExchangedAt.Add(ssoExchangeWindow)) {
			// Late reuse of a consumed token looks like replay.
			c.log.Error("replay of exchanged sso login token",
				zap.String("sso_login_id", login.ID.String()),
				zap.Stringp("session_id", uuidStringp(login.SessionID)))
		}
		return nil, nil, ErrInvalidLoginToken
	case model.SSOLoginFulfilled:
		if login.FulfilledAt == nil || login.SessionID == nil {
			return nil, nil, ErrInvalidLoginToken
		}
		if now.After(login.FulfilledAt.Add(ssoExchangeWindow)) {
			// State stays Fulfilled; only the wall clock disqualifies it.
			return nil, nil, ErrLoginTookTooLong
		}
	default:
		return nil, nil, ErrInvalidLoginToken
	}

	if _, err := repo.CompatSSOLogins().Exchange(ctx, login, now); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return nil, nil, ErrInvalidLoginToken
		}
		return nil, nil, fmt.Errorf("token login: %w", err)
	}

	sess, err := repo.CompatSessions().Lookup(ctx, *login.SessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("token login: %w", err)
	}
	if sess.IsFinished() {
		return nil, nil, ErrInvalidLoginToken
	}
	user, err := repo.Users().Lookup(ctx, sess.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("token login: %w", err)
	}
	if !user.IsValid() {
		return nil, nil, ErrInvalidLoginToken
	}
	return user, sess, nil
}

// insertAccessToken issues a compat access token, retrying on the (unlikely)
// token-string collision the storage layer reports.
func (c *Compat) insertAccessToken(ctx context.Context, repo repository.Repository,
	sessionID uuid.UUID, now time.Time, expiresAt *time.Time) (*model.CompatAccessToken, error) {
	for range tokenInsertRetries {
		str, err := token.KindCompatAccessToken.Generate(c.rng)
		if err != nil {
			return nil, fmt.Errorf("issue access token: %w", err)
		}
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("issue access token: %w", err)
		}
		t := &model.CompatAccessToken{
			ID:        id,
			SessionID: sessionID,
			Token:     str,
			CreatedAt: now,
			ExpiresAt: expiresAt,
		}
		err = repo.CompatAccessTokens().Add(ctx, t)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, errs.ErrAlreadyExists) {
			return nil, fmt.Errorf("issue access token: %w", err)
		}
	}
	return nil, fmt.Errorf("issue access token: %w", errs.ErrAlreadyExists)
}

func (c *Compat) insertRefreshToken(ctx context.Context, repo repository.Repository,
	sessionID, accessTokenID uuid.UUID, now time.Time) (*model.CompatRefreshToken, error) {
	for range tokenInsertRetries {
		str, err := token.KindCompatRefreshToken.Generate(c.rng)
		if err != nil {
			return nil, fmt.Errorf("issue refresh token: %w", err)
		}
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("issue refresh token: %w", err)
		}
		t := &model.CompatRefreshToken{
			ID:            id,
			SessionID:     sessionID,
			AccessTokenID: accessTokenID,
			Token:         str,
			CreatedAt:     now,
		}
		err = repo.CompatRefreshTokens().Add(ctx, t)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, errs.ErrAlreadyExists) {
			return nil, fmt.Errorf("issue refresh token: %w", err)
		}
	}
	return nil, fmt.Errorf("issue refresh token: %w", errs.ErrAlreadyExists)
}

// resolveUsername applies the legacy precedence rules: the deprecated flat
// field wins, then the structured identifier, which must be of user subtype.
func resolveUsername(creds PasswordCredentials) (string, error) {
	if creds.User != "" {
		return creds.User, nil
	}
	if creds.Identifier == nil {
		return "", ErrMissingIdentifier
	}
	if creds.Identifier.Type != "m.id.user" {
		return "", ErrUnsupportedIdentifier
	}
	if creds.Identifier.User == "" {
		return "", ErrMissingIdentifier
	}
	return creds.Identifier.User, nil
}

func uuidStringp(id *uuid.UUID) *string {
	if id == nil {
		return nil
	}
	s := id.String()
	return &s
}
