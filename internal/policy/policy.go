// Package policy is the gateway to the external decision engine. The core
// treats the engine as a synchronous, side-effect-free collaborator and
// fails closed: any transport or internal error rejects the request instead
// of defaulting to "no violations".
package policy

import (
	"context"
	"strings"

	"github.com/helioslabs/gatekeep/internal/model"
)

// GrantType identifies the flow being evaluated, using the registered
// OAuth2 grant type names.
type GrantType string

const (
	GrantTypeAuthorizationCode GrantType = "authorization_code"
	GrantTypeClientCredentials GrantType = "client_credentials"
	GrantTypeDeviceCode        GrantType = "urn:ietf:params:oauth:grant-type:device_code"
)

// Well-known violation codes.
const (
	CodeUsernameTooShort     = "username-too-short"
	CodeUsernameTooLong      = "username-too-long"
	CodeUsernameInvalidChars = "username-invalid-chars"
	CodeUsernameBanned       = "username-banned"
	CodeEmailDomainBanned    = "email-domain-banned"
	CodeScopeNotAllowed      = "scope-not-allowed"
)

// Violation is a single policy violation.
type Violation struct {
	Msg         string `json:"msg"`
	Code        string `json:"code,omitempty"`
	Field       string `json:"field,omitempty"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

// EvaluationResult is the outcome of one policy evaluation.
type EvaluationResult struct {
	Violations []Violation `json:"result"`
}

// Valid reports whether the evaluation passed.
func (r *EvaluationResult) Valid() bool { return len(r.Violations) == 0 }

func (r *EvaluationResult) String() string {
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, v.Msg)
	}
	return strings.Join(msgs, ", ")
}

// Requester identifies the entity making the request.
type Requester struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// AuthorizationGrantInput is the structured snapshot submitted for
// authorization-grant decisions.
type AuthorizationGrantInput struct {
	GrantType GrantType     `json:"grant_type"`
	Client    *model.Client `json:"client"`
	Scope     string        `json:"scope"`
	User      *model.User   `json:"user,omitempty"`
	Requester Requester     `json:"requester"`
}

// RegisterInput is the structured snapshot submitted for registration
// decisions.
type RegisterInput struct {
	RegistrationMethod string    `json:"registration_method"`
	Username           string    `json:"username"`
	Email              string    `json:"email,omitempty"`
	Requester          Requester `json:"requester"`
}

// EmailInput is the structured snapshot submitted for email-change
// decisions.
type EmailInput struct {
	Email     string    `json:"email"`
	Requester Requester `json:"requester"`
}

// Engine is the decision boundary consumed by the core.
type Engine interface {
	EvaluateAuthorizationGrant(ctx context.Context, input AuthorizationGrantInput) (*EvaluationResult, error)
	EvaluateRegister(ctx context.Context, input RegisterInput) (*EvaluationResult, error)
	EvaluateEmail(ctx context.Context, input EmailInput) (*EvaluationResult, error)
}
