package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/helioslabs/gatekeep/internal/model"
	"github.com/helioslabs/gatekeep/internal/pkce"
	"github.com/helioslabs/gatekeep/internal/policy"
)

// seedConsent creates an OAuth2 client and a compat session for the fixture
// user, the two prerequisites of a grant exchange.
func (f *fixture) seedConsent(t *testing.T) (clientID, sessionID uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	repo, err := f.store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	client := &model.Client{
		ID:        uuid.Must(uuid.NewV4()),
		ClientID:  "element",
		CreatedAt: f.clk.Now(),
	}
	if err := repo.Clients().Add(ctx, client); err != nil {
		t.Fatal(err)
	}
	sess := &model.CompatSession{
		ID:        uuid.Must(uuid.NewV4()),
		UserID:    f.user.ID,
		Device:    "CONSENTDEV",
		CreatedAt: f.clk.Now(),
	}
	if err := repo.CompatSessions().Add(ctx, sess); err != nil {
		t.Fatal(err)
	}
	return client.ID, sess.ID
}

func (f *fixture) postToken(t *testing.T, form url.Values) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/oauth2/token",
		"application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, raw
}

func TestPostToken_DeviceCodeFlow(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	clientID, sessionID := f.seedConsent(t)

	grant, err := f.grants.CreateDeviceCodeGrant(ctx, clientID, "openid", 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	form := url.Values{
		"grant_type":  {grantTypeDeviceCode},
		"device_code": {grant.DeviceCode},
	}

	// Polling before consent.
	resp, raw := f.postToken(t, form)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, raw)
	}
	var oerr oauthError
	if err := json.Unmarshal(raw, &oerr); err != nil {
		t.Fatal(err)
	}
	if oerr.Error != "authorization_pending" {
		t.Fatalf("error = %q", oerr.Error)
	}

	if _, err := f.grants.ConsentDeviceCode(ctx, grant.ID, true, f.user, sessionID, policy.Requester{}); err != nil {
		t.Fatal(err)
	}

	resp, raw = f.postToken(t, form)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, raw)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if tok, _ := body["access_token"].(string); !strings.HasPrefix(tok, "mat_") {
		t.Errorf("access_token = %v", body["access_token"])
	}
	if body["token_type"] != "Bearer" {
		t.Errorf("token_type = %v", body["token_type"])
	}
	if idt, _ := body["id_token"].(string); idt == "" {
		t.Error("id_token missing")
	}
	if body["scope"] != "openid" {
		t.Errorf("scope = %v", body["scope"])
	}

	// Single use.
	resp, raw = f.postToken(t, form)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, &oerr); err != nil {
		t.Fatal(err)
	}
	if oerr.Error != "invalid_grant" {
		t.Errorf("replay error = %q", oerr.Error)
	}
}

func TestPostToken_DeviceCodeRejected(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	clientID, sessionID := f.seedConsent(t)

	grant, err := f.grants.CreateDeviceCodeGrant(ctx, clientID, "openid", 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.grants.ConsentDeviceCode(ctx, grant.ID, false, f.user, sessionID, policy.Requester{}); err != nil {
		t.Fatal(err)
	}

	_, raw := f.postToken(t, url.Values{
		"grant_type":  {grantTypeDeviceCode},
		"device_code": {grant.DeviceCode},
	})
	var oerr oauthError
	if err := json.Unmarshal(raw, &oerr); err != nil {
		t.Fatal(err)
	}
	if oerr.Error != "access_denied" {
		t.Errorf("error = %q", oerr.Error)
	}
}

func TestPostToken_DeviceCodeExpired(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	clientID, _ := f.seedConsent(t)

	grant, err := f.grants.CreateDeviceCodeGrant(ctx, clientID, "openid", 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(11 * time.Minute)

	_, raw := f.postToken(t, url.Values{
		"grant_type":  {grantTypeDeviceCode},
		"device_code": {grant.DeviceCode},
	})
	var oerr oauthError
	if err := json.Unmarshal(raw, &oerr); err != nil {
		t.Fatal(err)
	}
	if oerr.Error != "expired_token" {
		t.Errorf("error = %q", oerr.Error)
	}
}

func TestPostToken_AuthorizationCodePKCE(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	clientID, sessionID := f.seedConsent(t)

	// RFC 7636 appendix B verifier.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge, err := pkce.ComputeChallenge(pkce.MethodS256, verifier)
	if err != nil {
		t.Fatal(err)
	}
	grant, err := f.grants.CreateAuthorizationGrant(ctx, clientID, "openid", challenge, pkce.MethodS256, sessionID, 10*time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	// Wrong verifier leaves the code redeemable.
	resp, raw := f.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {grant.Code},
		"code_verifier": {strings.Repeat("x", 43)},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, raw)
	}
	var oerr oauthError
	if err := json.Unmarshal(raw, &oerr); err != nil {
		t.Fatal(err)
	}
	if oerr.Error != "invalid_grant" {
		t.Fatalf("error = %q", oerr.Error)
	}

	resp, raw = f.postToken(t, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {grant.Code},
		"code_verifier": {verifier},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, raw)
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if tok, _ := body["refresh_token"].(string); !strings.HasPrefix(tok, "mar_") {
		t.Errorf("refresh_token = %v", body["refresh_token"])
	}
}

func TestPostToken_UnsupportedGrantType(t *testing.T) {
	f := newFixture(t, true)

	_, raw := f.postToken(t, url.Values{"grant_type": {"client_credentials"}})
	var oerr oauthError
	if err := json.Unmarshal(raw, &oerr); err != nil {
		t.Fatal(err)
	}
	if oerr.Error != "unsupported_grant_type" {
		t.Errorf("error = %q", oerr.Error)
	}
}
