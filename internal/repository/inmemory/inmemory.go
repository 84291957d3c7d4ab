// Package inmemory is a map-backed implementation of the repository
// interfaces. It backs service tests and the dev server mode. Writes go
// through immediately: Save and Cancel are no-ops, so the transactional
// isolation of the postgres backend is not reproduced here.
package inmemory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/helioslabs/gatekeep/internal/errs"
	"github.com/helioslabs/gatekeep/internal/model"
	"github.com/helioslabs/gatekeep/internal/repository"
)

// Store holds all entities behind one mutex.
type Store struct {
	mu sync.Mutex

	users          map[uuid.UUID]model.User
	passwords      map[uuid.UUID]model.UserPassword
	sessions       map[uuid.UUID]model.CompatSession
	accessTokens   map[uuid.UUID]model.CompatAccessToken
	refreshTokens  map[uuid.UUID]model.CompatRefreshToken
	ssoLogins      map[uuid.UUID]model.CompatSSOLogin
	clients        map[uuid.UUID]model.Client
	deviceGrants   map[uuid.UUID]model.DeviceCodeGrant
	authGrants     map[uuid.UUID]model.AuthorizationGrant
	oauth2Sessions map[uuid.UUID]model.OAuth2Session

	passwordSeq int // insertion order tiebreaker for Active
	passwordOrd map[uuid.UUID]int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		users:          map[uuid.UUID]model.User{},
		passwords:      map[uuid.UUID]model.UserPassword{},
		sessions:       map[uuid.UUID]model.CompatSession{},
		accessTokens:   map[uuid.UUID]model.CompatAccessToken{},
		refreshTokens:  map[uuid.UUID]model.CompatRefreshToken{},
		ssoLogins:      map[uuid.UUID]model.CompatSSOLogin{},
		clients:        map[uuid.UUID]model.Client{},
		deviceGrants:   map[uuid.UUID]model.DeviceCodeGrant{},
		authGrants:     map[uuid.UUID]model.AuthorizationGrant{},
		oauth2Sessions: map[uuid.UUID]model.OAuth2Session{},
		passwordOrd:    map[uuid.UUID]int{},
	}
}

// Begin returns a repository writing through to the store.
func (s *Store) Begin(ctx context.Context) (repository.Repository, error) {
	return &Repo{s: s}, nil
}

// Repo implements repository.Repository over the shared store.
type Repo struct{ s *Store }

func (r *Repo) Users() repository.UserRepository                 { return &userRepo{s: r.s} }
func (r *Repo) UserPasswords() repository.UserPasswordRepository { return &passwordRepo{s: r.s} }
func (r *Repo) CompatSessions() repository.CompatSessionRepository {
	return &sessionRepo{s: r.s}
}
func (r *Repo) CompatAccessTokens() repository.CompatAccessTokenRepository {
	return &accessTokenRepo{s: r.s}
}
func (r *Repo) CompatRefreshTokens() repository.CompatRefreshTokenRepository {
	return &refreshTokenRepo{s: r.s}
}
func (r *Repo) CompatSSOLogins() repository.CompatSSOLoginRepository { return &ssoLoginRepo{s: r.s} }
func (r *Repo) Clients() repository.ClientRepository                 { return &clientRepo{s: r.s} }
func (r *Repo) DeviceCodeGrants() repository.DeviceCodeGrantRepository {
	return &deviceGrantRepo{s: r.s}
}
func (r *Repo) AuthorizationGrants() repository.AuthorizationGrantRepository {
	return &authGrantRepo{s: r.s}
}
func (r *Repo) OAuth2Sessions() repository.OAuth2SessionRepository {
	return &oauth2SessionRepo{s: r.s}
}

func (r *Repo) Save(ctx context.Context) error   { return nil }
func (r *Repo) Cancel(ctx context.Context) error { return nil }

type userRepo struct{ s *Store }

func (r *userRepo) Lookup(ctx context.Context, id uuid.UUID) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &u, nil
}

func (r *userRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if u.Username == username {
			out := u
			return &out, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r *userRepo) Add(ctx context.Context, u *model.User) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ex := range r.s.users {
		if ex.Username == u.Username {
			return errs.ErrAlreadyExists
		}
	}
	r.s.users[u.ID] = *u
	return nil
}

func (r *userRepo) AcquireLockForSync(ctx context.Context, userID uuid.UUID) error {
	// The store mutex already serializes everything.
	return nil
}

type passwordRepo struct{ s *Store }

func (r *passwordRepo) Active(ctx context.Context, userID uuid.UUID) (*model.UserPassword, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var all []model.UserPassword
	for _, p := range r.s.passwords {
		if p.UserID == userID {
			all = append(all, p)
		}
	}
	if len(all) == 0 {
		return nil, errs.ErrNotFound
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return r.s.passwordOrd[all[i].ID] > r.s.passwordOrd[all[j].ID]
	})
	out := all[0]
	return &out, nil
}

func (r *passwordRepo) Add(ctx context.Context, p *model.UserPassword) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.passwordSeq++
	r.s.passwordOrd[p.ID] = r.s.passwordSeq
	r.s.passwords[p.ID] = *p
	return nil
}

type sessionRepo struct{ s *Store }

func (r *sessionRepo) Lookup(ctx context.Context, id uuid.UUID) (*model.CompatSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.sessions[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &sess, nil
}

func (r *sessionRepo) Add(ctx context.Context, sess *model.CompatSession) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sessions[sess.ID] = *sess
	return nil
}

func (r *sessionRepo) Finish(ctx context.Context, sess *model.CompatSession, at time.Time) (*model.CompatSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.sessions[sess.ID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if cur.FinishedAt != nil {
		return nil, errs.ErrFinished
	}
	cur.FinishedAt = &at
	r.s.sessions[sess.ID] = cur
	out := cur
	return &out, nil
}

func (r *sessionRepo) RecordUserAgent(ctx context.Context, sess *model.CompatSession, userAgent string) (*model.CompatSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.sessions[sess.ID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if cur.FinishedAt != nil {
		return nil, errs.ErrFinished
	}
	cur.UserAgent = userAgent
	r.s.sessions[sess.ID] = cur
	out := cur
	return &out, nil
}

func (r *sessionRepo) RecordActivity(ctx context.Context, id uuid.UUID, at time.Time, ip string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.sessions[id]
	if !ok {
		return nil
	}
	// Monotonic: never move last_active_at backwards.
	if cur.LastActiveAt != nil && !cur.LastActiveAt.Before(at) {
		return nil
	}
	cur.LastActiveAt = &at
	cur.LastActiveIP = ip
	r.s.sessions[id] = cur
	return nil
}

type accessTokenRepo struct{ s *Store }

func (r *accessTokenRepo) Add(ctx context.Context, t *model.CompatAccessToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ex := range r.s.accessTokens {
		if ex.Token == t.Token {
			return errs.ErrAlreadyExists
		}
	}
	r.s.accessTokens[t.ID] = *t
	return nil
}

func (r *accessTokenRepo) FindValid(ctx context.Context, tok string, now time.Time) (*model.CompatAccessToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.accessTokens {
		if t.Token == tok && !t.IsExpired(now) {
			out := t
			return &out, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r *accessTokenRepo) Expire(ctx context.Context, t *model.CompatAccessToken, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.accessTokens[t.ID]
	if !ok {
		return errs.ErrNotFound
	}
	cur.ExpiresAt = &at
	r.s.accessTokens[t.ID] = cur
	return nil
}

type refreshTokenRepo struct{ s *Store }

func (r *refreshTokenRepo) Add(ctx context.Context, t *model.CompatRefreshToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ex := range r.s.refreshTokens {
		if ex.Token == t.Token {
			return errs.ErrAlreadyExists
		}
	}
	r.s.refreshTokens[t.ID] = *t
	return nil
}

func (r *refreshTokenRepo) FindValid(ctx context.Context, tok string) (*model.CompatRefreshToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, t := range r.s.refreshTokens {
		if t.Token == tok && t.ConsumedAt == nil {
			out := t
			return &out, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r *refreshTokenRepo) Consume(ctx context.Context, t *model.CompatRefreshToken, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.refreshTokens[t.ID]
	if !ok {
		return errs.ErrNotFound
	}
	if cur.ConsumedAt != nil {
		return errs.ErrAlreadyExists
	}
	cur.ConsumedAt = &at
	r.s.refreshTokens[t.ID] = cur
	return nil
}

type ssoLoginRepo struct{ s *Store }

func (r *ssoLoginRepo) Lookup(ctx context.Context, id uuid.UUID) (*model.CompatSSOLogin, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.ssoLogins[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &l, nil
}

func (r *ssoLoginRepo) FindByToken(ctx context.Context, tok string) (*model.CompatSSOLogin, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, l := range r.s.ssoLogins {
		if l.Token == tok {
			out := l
			return &out, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r *ssoLoginRepo) Add(ctx context.Context, l *model.CompatSSOLogin) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ex := range r.s.ssoLogins {
		if ex.Token == l.Token {
			return errs.ErrAlreadyExists
		}
	}
	r.s.ssoLogins[l.ID] = *l
	return nil
}

func (r *ssoLoginRepo) Fulfill(ctx context.Context, l *model.CompatSSOLogin, sess *model.CompatSession, at time.Time) (*model.CompatSSOLogin, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.ssoLogins[l.ID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if cur.State != model.SSOLoginPending {
		return nil, errs.ErrAlreadyExists
	}
	cur.State = model.SSOLoginFulfilled
	cur.SessionID = &sess.ID
	cur.FulfilledAt = &at
	r.s.ssoLogins[l.ID] = cur
	out := cur
	return &out, nil
}

func (r *ssoLoginRepo) Exchange(ctx context.Context, l *model.CompatSSOLogin, at time.Time) (*model.CompatSSOLogin, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.ssoLogins[l.ID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if cur.State != model.SSOLoginFulfilled {
		return nil, errs.ErrAlreadyExists
	}
	cur.State = model.SSOLoginExchanged
	cur.ExchangedAt = &at
	r.s.ssoLogins[l.ID] = cur
	out := cur
	return &out, nil
}

type clientRepo struct{ s *Store }

func (r *clientRepo) Lookup(ctx context.Context, id uuid.UUID) (*model.Client, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.clients[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &c, nil
}

func (r *clientRepo) FindByClientID(ctx context.Context, clientID string) (*model.Client, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.clients {
		if c.ClientID == clientID {
			out := c
			return &out, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r *clientRepo) Add(ctx context.Context, c *model.Client) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ex := range r.s.clients {
		if ex.ClientID == c.ClientID {
			return errs.ErrAlreadyExists
		}
	}
	r.s.clients[c.ID] = *c
	return nil
}

type deviceGrantRepo struct{ s *Store }

func (r *deviceGrantRepo) Lookup(ctx context.Context, id uuid.UUID) (*model.DeviceCodeGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	g, ok := r.s.deviceGrants[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &g, nil
}

func (r *deviceGrantRepo) FindByUserCode(ctx context.Context, userCode string) (*model.DeviceCodeGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, g := range r.s.deviceGrants {
		if g.UserCode == userCode {
			out := g
			return &out, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r *deviceGrantRepo) FindByDeviceCode(ctx context.Context, deviceCode string) (*model.DeviceCodeGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, g := range r.s.deviceGrants {
		if g.DeviceCode == deviceCode {
			out := g
			return &out, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r *deviceGrantRepo) Add(ctx context.Context, g *model.DeviceCodeGrant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ex := range r.s.deviceGrants {
		if ex.DeviceCode == g.DeviceCode || ex.UserCode == g.UserCode {
			return errs.ErrAlreadyExists
		}
	}
	r.s.deviceGrants[g.ID] = *g
	return nil
}

func (r *deviceGrantRepo) Fulfill(ctx context.Context, g *model.DeviceCodeGrant, sessionID uuid.UUID, at time.Time) (*model.DeviceCodeGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.deviceGrants[g.ID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if cur.State != model.GrantPending {
		return nil, errs.ErrAlreadyExists
	}
	cur.State = model.GrantFulfilled
	cur.SessionID = &sessionID
	cur.FulfilledAt = &at
	r.s.deviceGrants[g.ID] = cur
	out := cur
	return &out, nil
}

func (r *deviceGrantRepo) Reject(ctx context.Context, g *model.DeviceCodeGrant, sessionID uuid.UUID, at time.Time) (*model.DeviceCodeGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.deviceGrants[g.ID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if cur.State != model.GrantPending {
		return nil, errs.ErrAlreadyExists
	}
	cur.State = model.GrantRejected
	cur.SessionID = &sessionID
	cur.RejectedAt = &at
	r.s.deviceGrants[g.ID] = cur
	out := cur
	return &out, nil
}

func (r *deviceGrantRepo) Exchange(ctx context.Context, g *model.DeviceCodeGrant, at time.Time) (*model.DeviceCodeGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.deviceGrants[g.ID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if cur.State != model.GrantFulfilled || cur.ExchangedAt != nil {
		return nil, errs.ErrAlreadyExists
	}
	cur.ExchangedAt = &at
	r.s.deviceGrants[g.ID] = cur
	out := cur
	return &out, nil
}

type authGrantRepo struct{ s *Store }

func (r *authGrantRepo) FindByCode(ctx context.Context, code string) (*model.AuthorizationGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, g := range r.s.authGrants {
		if g.Code == code {
			out := g
			return &out, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r *authGrantRepo) Add(ctx context.Context, g *model.AuthorizationGrant) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, ex := range r.s.authGrants {
		if ex.Code == g.Code {
			return errs.ErrAlreadyExists
		}
	}
	r.s.authGrants[g.ID] = *g
	return nil
}

func (r *authGrantRepo) Exchange(ctx context.Context, g *model.AuthorizationGrant, at time.Time) (*model.AuthorizationGrant, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cur, ok := r.s.authGrants[g.ID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	if cur.ExchangedAt != nil {
		return nil, errs.ErrAlreadyExists
	}
	cur.ExchangedAt = &at
	r.s.authGrants[g.ID] = cur
	out := cur
	return &out, nil
}

type oauth2SessionRepo struct{ s *Store }

func (r *oauth2SessionRepo) Lookup(ctx context.Context, id uuid.UUID) (*model.OAuth2Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	sess, ok := r.s.oauth2Sessions[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &sess, nil
}

func (r *oauth2SessionRepo) Add(ctx context.Context, sess *model.OAuth2Session) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.oauth2Sessions[sess.ID] = *sess
	return nil
}
