package policy

import (
	"context"
	"strings"
)

// MemoryEngine is a deterministic in-process rules engine used in tests and
// single-node dev deployments. It applies a small subset of the rules the
// real decision service enforces.
type MemoryEngine struct {
	// BannedUsernames always violate registration.
	BannedUsernames map[string]struct{}
	// AdminScope is granted only to users flagged CanRequestAdmin.
	AdminScope string
	// Violations, when set, is returned from every evaluation. Test hook.
	Violations []Violation
	// Err, when set, is returned from every evaluation. Test hook for the
	// fail-closed path.
	Err error
}

// NewMemoryEngine returns an engine with the default rules.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		BannedUsernames: map[string]struct{}{},
		AdminScope:      "urn:mas:admin",
	}
}

// EvaluateAuthorizationGrant applies the scope rules.
func (e *MemoryEngine) EvaluateAuthorizationGrant(_ context.Context, input AuthorizationGrantInput) (*EvaluationResult, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Violations != nil {
		return &EvaluationResult{Violations: e.Violations}, nil
	}

	var violations []Violation
	for _, scope := range strings.Fields(input.Scope) {
		if scope == e.AdminScope && (input.User == nil || !input.User.CanRequestAdmin) {
			violations = append(violations, Violation{
				Msg:  "requesting the admin scope requires the can-request-admin flag",
				Code: CodeScopeNotAllowed,
			})
		}
	}
	return &EvaluationResult{Violations: violations}, nil
}

// EvaluateRegister applies the username rules.
func (e *MemoryEngine) EvaluateRegister(_ context.Context, input RegisterInput) (*EvaluationResult, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	if e.Violations != nil {
		return &EvaluationResult{Violations: e.Violations}, nil
	}

	var violations []Violation
	switch {
	case len(input.Username) < 2:
		violations = append(violations, Violation{Msg: "username too short", Code: CodeUsernameTooShort, Field: "username"})
	case len(input.Username) > 255:
		violations = append(violations, Violation{Msg: "username too long", Code: CodeUsernameTooLong, Field: "username"})
	}
	if _, banned := e.BannedUsernames[input.Username]; banned {
		violations = append(violations, Violation{Msg: "username is banned", Code: CodeUsernameBanned, Field: "username"})
	}
	return &EvaluationResult{Violations: violations}, nil
}

// EvaluateEmail accepts everything unless overridden.
func (e *MemoryEngine) EvaluateEmail(_ context.Context, _ EmailInput) (*EvaluationResult, error) {
	if e.Err != nil {
		return nil, e.Err
	}
	return &EvaluationResult{Violations: e.Violations}, nil
}
