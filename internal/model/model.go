// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// User is an account owned by this service. A locked or deactivated user
// fails every login path.
type User struct {
	ID              uuid.UUID // PK
	Username        string    // unique localpart
	CreatedAt       time.Time
	LockedAt        *time.Time
	CanRequestAdmin bool
	Deactivated     bool
}

// IsValid reports whether the user may authenticate.
func (u *User) IsValid() bool {
	return u != nil && !u.Deactivated && u.LockedAt == nil
}

// UserPassword is one versioned password-hash record. Only the most recent
// record is used for verification; older rows are kept as a rotation trail.
type UserPassword struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Version        int // hashing scheme version, see internal/crypto
	Hash           []byte
	Salt           []byte
	UpgradedFromID *uuid.UUID // set when this row was produced by an opportunistic re-hash
	CreatedAt      time.Time
}

// CompatSession is a legacy-protocol session bound to one user and
// optionally one device. Once finished it is immutable.
type CompatSession struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Device       string // empty for deviceless sessions
	UserAgent    string
	CreatedAt    time.Time
	LastActiveAt *time.Time
	LastActiveIP string
	FinishedAt   *time.Time
}

// IsFinished reports whether the session reached its terminal state.
func (s *CompatSession) IsFinished() bool { return s.FinishedAt != nil }

// CompatAccessToken is an opaque bearer credential scoped to one CompatSession.
type CompatAccessToken struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Token     string
	CreatedAt time.Time
	ExpiresAt *time.Time // nil means non-expiring
}

// IsExpired reports whether the token must be rejected at the given instant.
func (t *CompatAccessToken) IsExpired(now time.Time) bool {
	return t.ExpiresAt != nil && t.ExpiresAt.Before(now)
}

// CompatRefreshToken is issued alongside an access token and references it.
type CompatRefreshToken struct {
	ID            uuid.UUID
	SessionID     uuid.UUID
	AccessTokenID uuid.UUID
	Token         string
	CreatedAt     time.Time
	ConsumedAt    *time.Time
}

// SSOLoginState is the lifecycle stage of a one-time login-token handoff.
type SSOLoginState int

const (
	SSOLoginPending SSOLoginState = iota
	SSOLoginFulfilled
	SSOLoginExchanged
)

// CompatSSOLogin is a one-time login token bridging an SSO flow into a
// compat session. Transitions only ever move forward:
// Pending -> Fulfilled -> Exchanged.
type CompatSSOLogin struct {
	ID          uuid.UUID
	Token       string
	RedirectURI string
	State       SSOLoginState
	SessionID   *uuid.UUID // set from Fulfilled onwards
	CreatedAt   time.Time
	FulfilledAt *time.Time
	ExchangedAt *time.Time
}

// Client is a registered OAuth2 client.
type Client struct {
	ID         uuid.UUID
	ClientID   string
	ClientName string
	CreatedAt  time.Time
}

// GrantState is the stored outcome of a consent-gated grant.
// Expiry is derived from ExpiresAt, never stored.
type GrantState int

const (
	GrantPending GrantState = iota
	GrantFulfilled
	GrantRejected
)

// DeviceCodeGrant is an OAuth2 device-authorization grant awaiting user
// consent in a separate browser.
type DeviceCodeGrant struct {
	ID          uuid.UUID
	ClientID    uuid.UUID
	Scope       string
	DeviceCode  string
	UserCode    string
	State       GrantState
	SessionID   *uuid.UUID // consenting user's browser session, set on fulfill/reject
	CreatedAt   time.Time
	ExpiresAt   time.Time
	FulfilledAt *time.Time
	RejectedAt  *time.Time
	ExchangedAt *time.Time
}

// IsPending reports whether consent actions may still mutate the grant.
func (g *DeviceCodeGrant) IsPending() bool { return g.State == GrantPending }

// IsExpired reports whether the grant is past its deadline at the given instant.
func (g *DeviceCodeGrant) IsExpired(now time.Time) bool { return g.ExpiresAt.Before(now) }

// AuthorizationGrant is an authorization-code grant. The PKCE challenge
// recorded at authorization time must be satisfied at exchange time.
type AuthorizationGrant struct {
	ID                  uuid.UUID
	ClientID            uuid.UUID
	Scope               string
	Code                string
	CodeChallenge       string
	CodeChallengeMethod string // empty when the client did not use PKCE
	SessionID           *uuid.UUID
	CreatedAt           time.Time
	ExpiresAt           time.Time
	ExchangedAt         *time.Time
}

// IsExpired reports whether the code is past its deadline at the given instant.
func (g *AuthorizationGrant) IsExpired(now time.Time) bool { return g.ExpiresAt.Before(now) }

// OAuth2Session is the session minted when a grant is exchanged at the
// token endpoint.
type OAuth2Session struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	ClientID   uuid.UUID
	Scope      string
	CreatedAt  time.Time
	FinishedAt *time.Time
}
