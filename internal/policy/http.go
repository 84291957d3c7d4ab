package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPEngine evaluates policies against an OPA-style decision service over
// its data API. Timeouts are configured on the injected http.Client.
type HTTPEngine struct {
	base   string
	client *http.Client
}

// NewHTTPEngine constructs an engine for the decision service at base
// (e.g. "http://opa:8181/v1/data/gatekeep").
func NewHTTPEngine(base string, client *http.Client) *HTTPEngine {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEngine{base: base, client: client}
}

// EvaluateAuthorizationGrant submits an authorization-grant snapshot.
func (e *HTTPEngine) EvaluateAuthorizationGrant(ctx context.Context, input AuthorizationGrantInput) (*EvaluationResult, error) {
	return e.evaluate(ctx, "authorization_grant/violation", input)
}

// EvaluateRegister submits a registration snapshot.
func (e *HTTPEngine) EvaluateRegister(ctx context.Context, input RegisterInput) (*EvaluationResult, error) {
	return e.evaluate(ctx, "register/violation", input)
}

// EvaluateEmail submits an email-change snapshot.
func (e *HTTPEngine) EvaluateEmail(ctx context.Context, input EmailInput) (*EvaluationResult, error) {
	return e.evaluate(ctx, "email/violation", input)
}

func (e *HTTPEngine) evaluate(ctx context.Context, rule string, input any) (*EvaluationResult, error) {
	body, err := json.Marshal(struct {
		Input any `json:"input"`
	}{Input: input})
	if err != nil {
		return nil, fmt.Errorf("policy %s: encode input: %w", rule, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.base+"/"+rule, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("policy %s: build request: %w", rule, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("policy %s: %w", rule, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy %s: decision service returned %d", rule, resp.StatusCode)
	}

	var result EvaluationResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("policy %s: decode result: %w", rule, err)
	}
	return &result, nil
}
