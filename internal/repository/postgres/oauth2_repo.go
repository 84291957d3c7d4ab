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

// ClientRepo implements ClientRepository over one transaction.
type ClientRepo struct{ tx pgx.Tx }

func scanClient(row pgx.Row) (*model.Client, error) {
	var c model.Client
	if err := row.Scan(&c.ID, &c.ClientID, &c.ClientName, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("scan client: %w", err)
	}
	return &c, nil
}

// Lookup selects a client by ID.
func (r *ClientRepo) Lookup(ctx context.Context, id uuid.UUID) (*model.Client, error) {
	const q = `SELECT id, client_id, client_name, created_at FROM oauth2_clients WHERE id=$1`
	return scanClient(r.tx.QueryRow(ctx, q, id))
}

// FindByClientID selects a client by its OAuth2 client identifier.
func (r *ClientRepo) FindByClientID(ctx context.Context, clientID string) (*model.Client, error) {
	const q = `SELECT id, client_id, client_name, created_at FROM oauth2_clients WHERE client_id=$1`
	return scanClient(r.tx.QueryRow(ctx, q, clientID))
}

// Add inserts a new client row.
func (r *ClientRepo) Add(ctx context.Context, c *model.Client) error {
	const q = `INSERT INTO oauth2_clients (id, client_id, client_name, created_at) VALUES ($1, $2, $3, $4)`
	_, err := r.tx.Exec(ctx, q, c.ID, c.ClientID, c.ClientName, c.CreatedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("add client: %w", err)
	}
	return nil
}

// DeviceCodeGrantRepo implements DeviceCodeGrantRepository over one transaction.
type DeviceCodeGrantRepo struct{ tx pgx.Tx }

const deviceGrantColumns = `id, client_id, scope, device_code, user_code, state, session_id,
created_at, expires_at, fulfilled_at, rejected_at, exchanged_at`

func scanDeviceGrant(row pgx.Row) (*model.DeviceCodeGrant, error) {
	var g model.DeviceCodeGrant
	err := row.Scan(&g.ID, &g.ClientID, &g.Scope, &g.DeviceCode, &g.UserCode, &g.State, &g.SessionID,
		&g.CreatedAt, &g.ExpiresAt, &g.FulfilledAt, &g.RejectedAt, &g.ExchangedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("scan device code grant: %w", err)
	}
	return &g, nil
}

// Lookup selects a grant by ID.
func (r *DeviceCodeGrantRepo) Lookup(ctx context.Context, id uuid.UUID) (*model.DeviceCodeGrant, error) {
	const q = `SELECT ` + deviceGrantColumns + ` FROM oauth2_device_code_grants WHERE id=$1`
	return scanDeviceGrant(r.tx.QueryRow(ctx, q, id))
}

// FindByUserCode selects a grant by the code shown to the user.
func (r *DeviceCodeGrantRepo) FindByUserCode(ctx context.Context, userCode string) (*model.DeviceCodeGrant, error) {
	const q = `SELECT ` + deviceGrantColumns + ` FROM oauth2_device_code_grants WHERE user_code=$1`
	return scanDeviceGrant(r.tx.QueryRow(ctx, q, userCode))
}

// FindByDeviceCode selects a grant by the code polled by the device.
func (r *DeviceCodeGrantRepo) FindByDeviceCode(ctx context.Context, deviceCode string) (*model.DeviceCodeGrant, error) {
	const q = `SELECT ` + deviceGrantColumns + ` FROM oauth2_device_code_grants WHERE device_code=$1`
	return scanDeviceGrant(r.tx.QueryRow(ctx, q, deviceCode))
}

// Add inserts a new pending grant.
func (r *DeviceCodeGrantRepo) Add(ctx context.Context, g *model.DeviceCodeGrant) error {
	const q = `
INSERT INTO oauth2_device_code_grants
(id, client_id, scope, device_code, user_code, state, session_id, created_at, expires_at, fulfilled_at, rejected_at, exchanged_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	_, err := r.tx.Exec(ctx, q, g.ID, g.ClientID, g.Scope, g.DeviceCode, g.UserCode, g.State, g.SessionID,
		g.CreatedAt, g.ExpiresAt, g.FulfilledAt, g.RejectedAt, g.ExchangedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("add device code grant: %w", err)
	}
	return nil
}

// Fulfill moves Pending -> Fulfilled. The state guard keeps a non-pending
// grant immutable under consent actions.
func (r *DeviceCodeGrantRepo) Fulfill(ctx context.Context, g *model.DeviceCodeGrant, sessionID uuid.UUID, at time.Time) (*model.DeviceCodeGrant, error) {
	const q = `
UPDATE oauth2_device_code_grants SET state=$2, session_id=$3, fulfilled_at=$4
WHERE id=$1 AND state=$5`
	tag, err := r.tx.Exec(ctx, q, g.ID, model.GrantFulfilled, sessionID, at, model.GrantPending)
	if err != nil {
		return nil, fmt.Errorf("fulfill device code grant %s: %w", g.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.ErrAlreadyExists
	}
	out := *g
	out.State = model.GrantFulfilled
	out.SessionID = &sessionID
	out.FulfilledAt = &at
	return &out, nil
}

// Reject moves Pending -> Rejected.
func (r *DeviceCodeGrantRepo) Reject(ctx context.Context, g *model.DeviceCodeGrant, sessionID uuid.UUID, at time.Time) (*model.DeviceCodeGrant, error) {
	const q = `
UPDATE oauth2_device_code_grants SET state=$2, session_id=$3, rejected_at=$4
WHERE id=$1 AND state=$5`
	tag, err := r.tx.Exec(ctx, q, g.ID, model.GrantRejected, sessionID, at, model.GrantPending)
	if err != nil {
		return nil, fmt.Errorf("reject device code grant %s: %w", g.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.ErrAlreadyExists
	}
	out := *g
	out.State = model.GrantRejected
	out.SessionID = &sessionID
	out.RejectedAt = &at
	return &out, nil
}

// Exchange marks a fulfilled grant as exchanged. Single use.
func (r *DeviceCodeGrantRepo) Exchange(ctx context.Context, g *model.DeviceCodeGrant, at time.Time) (*model.DeviceCodeGrant, error) {
	const q = `
UPDATE oauth2_device_code_grants SET exchanged_at=$2
WHERE id=$1 AND state=$3 AND exchanged_at IS NULL`
	tag, err := r.tx.Exec(ctx, q, g.ID, at, model.GrantFulfilled)
	if err != nil {
		return nil, fmt.Errorf("exchange device code grant %s: %w", g.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.ErrAlreadyExists
	}
	out := *g
	out.ExchangedAt = &at
	return &out, nil
}

// AuthorizationGrantRepo implements AuthorizationGrantRepository over one transaction.
type AuthorizationGrantRepo struct{ tx pgx.Tx }

const authGrantColumns = `id, client_id, scope, code, code_challenge, code_challenge_method,
session_id, created_at, expires_at, exchanged_at`

// FindByCode selects a grant by its authorization code.
func (r *AuthorizationGrantRepo) FindByCode(ctx context.Context, code string) (*model.AuthorizationGrant, error) {
	const q = `SELECT ` + authGrantColumns + ` FROM oauth2_authorization_grants WHERE code=$1`
	var g model.AuthorizationGrant
	err := r.tx.QueryRow(ctx, q, code).Scan(&g.ID, &g.ClientID, &g.Scope, &g.Code, &g.CodeChallenge,
		&g.CodeChallengeMethod, &g.SessionID, &g.CreatedAt, &g.ExpiresAt, &g.ExchangedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("find authorization grant: %w", err)
	}
	return &g, nil
}

// Add inserts a new authorization grant.
func (r *AuthorizationGrantRepo) Add(ctx context.Context, g *model.AuthorizationGrant) error {
	const q = `
INSERT INTO oauth2_authorization_grants
(id, client_id, scope, code, code_challenge, code_challenge_method, session_id, created_at, expires_at, exchanged_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := r.tx.Exec(ctx, q, g.ID, g.ClientID, g.Scope, g.Code, g.CodeChallenge, g.CodeChallengeMethod,
		g.SessionID, g.CreatedAt, g.ExpiresAt, g.ExchangedAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("add authorization grant: %w", err)
	}
	return nil
}

// Exchange marks the authorization code used. Single use.
func (r *AuthorizationGrantRepo) Exchange(ctx context.Context, g *model.AuthorizationGrant, at time.Time) (*model.AuthorizationGrant, error) {
	const q = `UPDATE oauth2_authorization_grants SET exchanged_at=$2 WHERE id=$1 AND exchanged_at IS NULL`
	tag, err := r.tx.Exec(ctx, q, g.ID, at)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization grant %s: %w", g.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, errs.ErrAlreadyExists
	}
	out := *g
	out.ExchangedAt = &at
	return &out, nil
}

// OAuth2SessionRepo implements OAuth2SessionRepository over one transaction.
type OAuth2SessionRepo struct{ tx pgx.Tx }

// Lookup selects a session by ID.
func (r *OAuth2SessionRepo) Lookup(ctx context.Context, id uuid.UUID) (*model.OAuth2Session, error) {
	const q = `SELECT id, user_id, client_id, scope, created_at, finished_at FROM oauth2_sessions WHERE id=$1`
	var s model.OAuth2Session
	err := r.tx.QueryRow(ctx, q, id).Scan(&s.ID, &s.UserID, &s.ClientID, &s.Scope, &s.CreatedAt, &s.FinishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("scan oauth2 session: %w", err)
	}
	return &s, nil
}

// Add inserts a new session row.
func (r *OAuth2SessionRepo) Add(ctx context.Context, s *model.OAuth2Session) error {
	const q = `
INSERT INTO oauth2_sessions (id, user_id, client_id, scope, created_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.tx.Exec(ctx, q, s.ID, s.UserID, s.ClientID, s.Scope, s.CreatedAt, s.FinishedAt)
	if err != nil {
		return fmt.Errorf("add oauth2 session: %w", err)
	}
	return nil
}
