package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/helioslabs/gatekeep/internal/clock"
	"github.com/helioslabs/gatekeep/internal/errs"
	"github.com/helioslabs/gatekeep/internal/model"
	"github.com/helioslabs/gatekeep/internal/pkce"
	"github.com/helioslabs/gatekeep/internal/policy"
	"github.com/helioslabs/gatekeep/internal/repository"
	"github.com/helioslabs/gatekeep/internal/token"
)

// Grant exchange errors, named after the OAuth2 token-endpoint error codes
// they map to.
var (
	ErrAuthorizationPending = errors.New("authorization pending")
	ErrAccessDenied         = errors.New("access denied")
	ErrInvalidGrant         = errors.New("invalid grant")
)

const (
	deviceCodeLen = 32
	authCodeLen   = 32
	userCodeLen   = 6

	userCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// PolicyDeniedError carries the violations reported by the decision engine.
type PolicyDeniedError struct {
	Result *policy.EvaluationResult
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("denied by policy: %s", e.Result)
}

func (e *PolicyDeniedError) Unwrap() error { return errs.ErrPolicyDenied }

// TokenResponse is the outcome of a successful grant exchange.
type TokenResponse struct {
	Session      *model.OAuth2Session
	AccessToken  string
	RefreshToken string
	IDToken      string
	ExpiresIn    time.Duration
}

// Grants drives the authorization-grant state machines.
type Grants struct {
	store  repository.Store
	policy policy.Engine
	signer *token.IDTokenSigner
	clk    clock.Clock
	rng    io.Reader
	log    *zap.Logger

	accessTokenTTL time.Duration
}

// NewGrants wires the grant service.
func NewGrants(store repository.Store, eng policy.Engine, signer *token.IDTokenSigner,
	clk clock.Clock, rng io.Reader, log *zap.Logger, accessTokenTTL time.Duration) *Grants {
	return &Grants{
		store:          store,
		policy:         eng,
		signer:         signer,
		clk:            clk,
		rng:            rng,
		log:            log,
		accessTokenTTL: accessTokenTTL,
	}
}

// CreateDeviceCodeGrant starts a device-authorization flow: an opaque device
// code for the polling device and a short user code for the consent page.
func (g *Grants) CreateDeviceCodeGrant(ctx context.Context, clientID uuid.UUID, scope string, ttl time.Duration) (*model.DeviceCodeGrant, error) {
	repo, err := g.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("create device code grant: %w", err)
	}
	defer repo.Cancel(ctx)

	var grant *model.DeviceCodeGrant
	for range tokenInsertRetries {
		deviceCode, err := randAlnum(g.rng, deviceCodeLen)
		if err != nil {
			return nil, fmt.Errorf("create device code grant: %w", err)
		}
		userCode, err := randFromAlphabet(g.rng, userCodeAlphabet, userCodeLen)
		if err != nil {
			return nil, fmt.Errorf("create device code grant: %w", err)
		}
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("create device code grant: %w", err)
		}
		now := g.clk.Now()
		grant = &model.DeviceCodeGrant{
			ID:         id,
			ClientID:   clientID,
			Scope:      scope,
			DeviceCode: deviceCode,
			UserCode:   userCode,
			State:      model.GrantPending,
			CreatedAt:  now,
			ExpiresAt:  now.Add(ttl),
		}
		err = repo.DeviceCodeGrants().Add(ctx, grant)
		if err == nil {
			break
		}
		if !errors.Is(err, errs.ErrAlreadyExists) {
			return nil, fmt.Errorf("create device code grant: %w", err)
		}
		grant = nil
	}
	if grant == nil {
		return nil, fmt.Errorf("create device code grant: %w", errs.ErrAlreadyExists)
	}

	if err := repo.Save(ctx); err != nil {
		return nil, fmt.Errorf("create device code grant: %w", err)
	}
	return grant, nil
}

// ConsentDeviceCode applies the user's consent decision to a pending grant.
//
// A grant past its deadline fails with errs.ErrExpired whatever the decision.
// A grant that already left Pending is returned unchanged: browsers resubmit
// consent forms, and the double submit must not error or mutate anything.
// Policy violations reject the decision without touching grant state.
func (g *Grants) ConsentDeviceCode(ctx context.Context, grantID uuid.UUID, approve bool,
	user *model.User, consentingSessionID uuid.UUID, requester policy.Requester) (*model.DeviceCodeGrant, error) {
	repo, err := g.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("device code consent: %w", err)
	}
	defer repo.Cancel(ctx)

	grant, err := repo.DeviceCodeGrants().Lookup(ctx, grantID)
	if err != nil {
		return nil, fmt.Errorf("device code consent: %w", err)
	}

	now := g.clk.Now()
	if grant.IsExpired(now) {
		return nil, fmt.Errorf("device code consent: %w", errs.ErrExpired)
	}
	if !grant.IsPending() {
		return grant, nil
	}

	if approve {
		client, err := repo.Clients().Lookup(ctx, grant.ClientID)
		if err != nil {
			return nil, fmt.Errorf("device code consent: %w", err)
		}
		result, err := g.policy.EvaluateAuthorizationGrant(ctx, policy.AuthorizationGrantInput{
			GrantType: policy.GrantTypeDeviceCode,
			Client:    client,
			Scope:     grant.Scope,
			User:      user,
			Requester: requester,
		})
		if err != nil {
			// Fail closed on any policy transport error.
			return nil, fmt.Errorf("device code consent: policy: %w", err)
		}
		if !result.Valid() {
			return nil, &PolicyDeniedError{Result: result}
		}
		grant, err = repo.DeviceCodeGrants().Fulfill(ctx, grant, consentingSessionID, now)
		if err != nil {
			return nil, fmt.Errorf("device code consent: %w", err)
		}
	} else {
		grant, err = repo.DeviceCodeGrants().Reject(ctx, grant, consentingSessionID, now)
		if err != nil {
			return nil, fmt.Errorf("device code consent: %w", err)
		}
	}

	if err := repo.Save(ctx); err != nil {
		return nil, fmt.Errorf("device code consent: %w", err)
	}
	return grant, nil
}

// ExchangeDeviceCode is the token-endpoint side of the device flow: a
// fulfilled grant converts exactly once into a session plus tokens.
func (g *Grants) ExchangeDeviceCode(ctx context.Context, deviceCode string) (*TokenResponse, error) {
	repo, err := g.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("device code exchange: %w", err)
	}
	defer repo.Cancel(ctx)

	grant, err := repo.DeviceCodeGrants().FindByDeviceCode(ctx, deviceCode)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, fmt.Errorf("device code exchange: %w", err)
	}

	now := g.clk.Now()
	if grant.IsExpired(now) {
		return nil, fmt.Errorf("device code exchange: %w", errs.ErrExpired)
	}
	switch grant.State {
	case model.GrantPending:
		return nil, ErrAuthorizationPending
	case model.GrantRejected:
		return nil, ErrAccessDenied
	case model.GrantFulfilled:
		if grant.ExchangedAt != nil {
			return nil, ErrInvalidGrant
		}
	default:
		return nil, ErrInvalidGrant
	}

	grant, err = repo.DeviceCodeGrants().Exchange(ctx, grant, now)
	if err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return nil, ErrInvalidGrant
		}
		return nil, fmt.Errorf("device code exchange: %w", err)
	}

	resp, err := g.mintSession(ctx, repo, grant.ClientID, grant.Scope, *grant.SessionID, now)
	if err != nil {
		return nil, fmt.Errorf("device code exchange: %w", err)
	}
	if err := repo.Save(ctx); err != nil {
		return nil, fmt.Errorf("device code exchange: %w", err)
	}
	return resp, nil
}

// CreateAuthorizationGrant records an authorization-code grant, capturing the
// PKCE challenge to be satisfied at exchange time.
func (g *Grants) CreateAuthorizationGrant(ctx context.Context, clientID uuid.UUID, scope string,
	challenge string, method pkce.Method, sessionID uuid.UUID, ttl time.Duration) (*model.AuthorizationGrant, error) {
	if challenge != "" {
		switch method {
		case pkce.MethodPlain, pkce.MethodS256:
		default:
			return nil, pkce.ErrUnknownChallengeMethod
		}
	}

	repo, err := g.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("create authorization grant: %w", err)
	}
	defer repo.Cancel(ctx)

	var grant *model.AuthorizationGrant
	for range tokenInsertRetries {
		code, err := randAlnum(g.rng, authCodeLen)
		if err != nil {
			return nil, fmt.Errorf("create authorization grant: %w", err)
		}
		id, err := uuid.NewV4()
		if err != nil {
			return nil, fmt.Errorf("create authorization grant: %w", err)
		}
		now := g.clk.Now()
		grant = &model.AuthorizationGrant{
			ID:                  id,
			ClientID:            clientID,
			Scope:               scope,
			Code:                code,
			CodeChallenge:       challenge,
			CodeChallengeMethod: string(method),
			SessionID:           &sessionID,
			CreatedAt:           now,
			ExpiresAt:           now.Add(ttl),
		}
		err = repo.AuthorizationGrants().Add(ctx, grant)
		if err == nil {
			break
		}
		if !errors.Is(err, errs.ErrAlreadyExists) {
			return nil, fmt.Errorf("create authorization grant: %w", err)
		}
		grant = nil
	}
	if grant == nil {
		return nil, fmt.Errorf("create authorization grant: %w", errs.ErrAlreadyExists)
	}

	if err := repo.Save(ctx); err != nil {
		return nil, fmt.Errorf("create authorization grant: %w", err)
	}
	return grant, nil
}

// ExchangeAuthorizationCode redeems an authorization code, enforcing the
// recorded PKCE challenge when one is present.
func (g *Grants) ExchangeAuthorizationCode(ctx context.Context, code, verifier string) (*TokenResponse, error) {
	repo, err := g.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange: %w", err)
	}
	defer repo.Cancel(ctx)

	grant, err := repo.AuthorizationGrants().FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, ErrInvalidGrant
		}
		return nil, fmt.Errorf("authorization code exchange: %w", err)
	}

	now := g.clk.Now()
	if grant.IsExpired(now) {
		return nil, fmt.Errorf("authorization code exchange: %w", errs.ErrExpired)
	}
	if grant.ExchangedAt != nil {
		return nil, ErrInvalidGrant
	}

	if grant.CodeChallenge != "" {
		method := pkce.Method(grant.CodeChallengeMethod)
		if err := pkce.Verify(method, grant.CodeChallenge, verifier); err != nil {
			return nil, err
		}
	}

	grant, err = repo.AuthorizationGrants().Exchange(ctx, grant, now)
	if err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return nil, ErrInvalidGrant
		}
		return nil, fmt.Errorf("authorization code exchange: %w", err)
	}

	resp, err := g.mintSession(ctx, repo, grant.ClientID, grant.Scope, *grant.SessionID, now)
	if err != nil {
		return nil, fmt.Errorf("authorization code exchange: %w", err)
	}
	if err := repo.Save(ctx); err != nil {
		return nil, fmt.Errorf("authorization code exchange: %w", err)
	}
	return resp, nil
}

// mintSession turns an exchanged grant into an OAuth2 session plus access,
// refresh and ID tokens. The consenting session resolves the user.
func (g *Grants) mintSession(ctx context.Context, repo repository.Repository,
	clientID uuid.UUID, scope string, consentingSessionID uuid.UUID, now time.Time) (*TokenResponse, error) {
	consenting, err := repo.CompatSessions().Lookup(ctx, consentingSessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve consenting session: %w", err)
	}
	client, err := repo.Clients().Lookup(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("resolve client: %w", err)
	}

	sessID, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	sess := &model.OAuth2Session{
		ID:        sessID,
		UserID:    consenting.UserID,
		ClientID:  clientID,
		Scope:     scope,
		CreatedAt: now,
	}
	if err := repo.OAuth2Sessions().Add(ctx, sess); err != nil {
		return nil, fmt.Errorf("add oauth2 session: %w", err)
	}

	access, err := token.KindAccessToken.Generate(g.rng)
	if err != nil {
		return nil, err
	}
	refresh, err := token.KindRefreshToken.Generate(g.rng)
	if err != nil {
		return nil, err
	}
	idToken, err := g.signer.Sign(consenting.UserID, client.ClientID, now)
	if err != nil {
		return nil, err
	}

	return &TokenResponse{
		Session:      sess,
		AccessToken:  access,
		RefreshToken: refresh,
		IDToken:      idToken,
		ExpiresIn:    g.accessTokenTTL,
	}, nil
}

// randAlnum draws n characters from the base62 alphabet.
func randAlnum(rng io.Reader, n int) (string, error) {
	const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	return randFromAlphabet(rng, alphabet, n)
}

// randFromAlphabet draws n characters uniformly from alphabet using
// rejection sampling.
func randFromAlphabet(rng io.Reader, alphabet string, n int) (string, error) {
	max := byte(256 - 256%len(alphabet))
	out := make([]byte, 0, n)
	buf := make([]byte, 1)
	for len(out) < n {
		if _, err := io.ReadFull(rng, buf); err != nil {
			return "", err
		}
		if max != 0 && buf[0] >= max {
			continue
		}
		out = append(out, alphabet[int(buf[0])%len(alphabet)])
	}
	return string(out), nil
}
