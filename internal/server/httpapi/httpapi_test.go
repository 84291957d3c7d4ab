package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/helioslabs/gatekeep/internal/activity"
	"github.com/helioslabs/gatekeep/internal/clock"
	"github.com/helioslabs/gatekeep/internal/crypto"
	"github.com/helioslabs/gatekeep/internal/limiter"
	"github.com/helioslabs/gatekeep/internal/matrix"
	"github.com/helioslabs/gatekeep/internal/model"
	"github.com/helioslabs/gatekeep/internal/policy"
	"github.com/helioslabs/gatekeep/internal/repository/inmemory"
	"github.com/helioslabs/gatekeep/internal/service"
	"github.com/helioslabs/gatekeep/internal/token"
)

const testTokenTTL = 5 * time.Minute

type fixture struct {
	srv    *httptest.Server
	store  *inmemory.Store
	compat *service.Compat
	grants *service.Grants
	clk    *clock.Manual
	user   *model.User
}

func newFixture(t *testing.T, passwordLogin bool) *fixture {
	t.Helper()
	store := inmemory.NewStore()
	conn := matrix.NewMock("example.com")
	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	tracker := activity.New(store, zap.NewNop(), clk, 16)
	t.Cleanup(tracker.Close)

	mr := miniredis.RunT(t)
	lim := limiter.NewRedis(
		redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		time.Minute, 3, time.Minute,
	)

	compat := service.NewCompat(store, lim, conn, tracker, clk, rand.Reader, zap.NewNop(), service.CompatConfig{
		TokenTTL:             testTokenTTL,
		PasswordLoginEnabled: passwordLogin,
	})

	ctx := context.Background()
	repo, err := store.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	user := &model.User{ID: uuid.Must(uuid.NewV4()), Username: "alice", CreatedAt: clk.Now()}
	if err := repo.Users().Add(ctx, user); err != nil {
		t.Fatal(err)
	}
	version, hash, salt, err := crypto.Hash(rand.Reader, []byte("password"))
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.UserPasswords().Add(ctx, &model.UserPassword{
		ID: uuid.Must(uuid.NewV4()), UserID: user.ID,
		Version: version, Hash: hash, Salt: salt, CreatedAt: clk.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := conn.ProvisionUser(ctx, "alice"); err != nil {
		t.Fatal(err)
	}

	signer := token.NewIDTokenSigner("https://auth.example.com", []byte("0123456789abcdef0123456789abcdef"), time.Hour)
	grants := service.NewGrants(store, policy.NewMemoryEngine(), signer, clk, rand.Reader, zap.NewNop(), testTokenTTL)

	srv := httptest.NewServer(New(compat, grants, zap.NewNop()).Routes())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, store: store, compat: compat, grants: grants, clk: clk, user: user}
}

func (f *fixture) postLogin(t *testing.T, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/_matrix/client/v3/login", "application/json", strings.NewReader(body))
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

func TestPostLogin_PasswordWithoutRefresh(t *testing.T) {
	f := newFixture(t, true)

	resp, raw := f.postLogin(t, `{
		"type": "m.login.password",
		"identifier": {"type": "m.id.user", "user": "alice"},
		"password": "password"
	}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, raw)
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"access_token", "device_id", "user_id"} {
		if v, ok := body[key].(string); !ok || v == "" {
			t.Errorf("%s missing or empty in %s", key, raw)
		}
	}
	if body["user_id"] != "@alice:example.com" {
		t.Errorf("user_id = %v", body["user_id"])
	}
	for _, key := range []string{"refresh_token", "expires_in_ms"} {
		if _, present := body[key]; present {
			t.Errorf("%s present without refresh request: %s", key, raw)
		}
	}
}

func TestPostLogin_PasswordWithRefresh(t *testing.T) {
	f := newFixture(t, true)

	resp, raw := f.postLogin(t, `{
		"type": "m.login.password",
		"identifier": {"type": "m.id.user", "user": "alice"},
		"password": "password",
		"refresh_token": true
	}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, raw)
	}

	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if v, ok := body["refresh_token"].(string); !ok || v == "" {
		t.Errorf("refresh_token missing in %s", raw)
	}
	if ms, ok := body["expires_in_ms"].(float64); !ok || int64(ms) != testTokenTTL.Milliseconds() {
		t.Errorf("expires_in_ms = %v, want %d", body["expires_in_ms"], testTokenTTL.Milliseconds())
	}
}

func TestPostLogin_UniformCredentialErrors(t *testing.T) {
	f := newFixture(t, true)

	_, wrongPassword := f.postLogin(t, `{
		"type": "m.login.password",
		"identifier": {"type": "m.id.user", "user": "alice"},
		"password": "wrong"
	}`)
	_, unknownUser := f.postLogin(t, `{
		"type": "m.login.password",
		"identifier": {"type": "m.id.user", "user": "nobody"},
		"password": "password"
	}`)

	if string(wrongPassword) != string(unknownUser) {
		t.Errorf("error bodies differ:\n%s\n%s", wrongPassword, unknownUser)
	}
	var body matrixError
	if err := json.Unmarshal(wrongPassword, &body); err != nil {
		t.Fatal(err)
	}
	if body.ErrCode != "M_FORBIDDEN" || body.Error != "Invalid username/password" {
		t.Errorf("body = %+v", body)
	}
}

func TestPostLogin_RateLimited(t *testing.T) {
	f := newFixture(t, true)

	bad := `{"type":"m.login.password","identifier":{"type":"m.id.user","user":"alice"},"password":"wrong"}`
	for i := range 3 {
		resp, _ := f.postLogin(t, bad)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("attempt %d: status = %d", i+1, resp.StatusCode)
		}
	}

	good := `{"type":"m.login.password","identifier":{"type":"m.id.user","user":"alice"},"password":"password"}`
	resp, raw := f.postLogin(t, good)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	var body matrixError
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if body.ErrCode != "M_LIMIT_EXCEEDED" || body.Error != "Too many login attempts" {
		t.Errorf("body = %+v", body)
	}
}

func TestPostLogin_DisabledPassword(t *testing.T) {
	f := newFixture(t, false)

	resp, raw := f.postLogin(t, `{
		"type": "m.login.password",
		"identifier": {"type": "m.id.user", "user": "alice"},
		"password": "password"
	}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var body matrixError
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatal(err)
	}
	if body.ErrCode != "M_UNKNOWN" || body.Error != "Invalid login type" {
		t.Errorf("body = %+v", body)
	}
}

func TestGetLoginFlows(t *testing.T) {
	cases := []struct {
		name          string
		passwordLogin bool
		want          []string
	}{
		{"enabled", true, []string{"m.login.password", "m.login.sso", "m.login.token"}},
		{"disabled", false, []string{"m.login.sso", "m.login.token"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.passwordLogin)

			resp, err := http.Get(f.srv.URL + "/_matrix/client/v3/login")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			var body flowsResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}

			got := make([]string, 0, len(body.Flows))
			for _, flow := range body.Flows {
				got = append(got, flow.Type)
				if flow.Type == "m.login.sso" && !flow.DelegatedOIDCCompat {
					t.Error("sso flow missing delegated oidc compatibility flag")
				}
			}
			if len(got) != len(tc.want) {
				t.Fatalf("flows = %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("flows = %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestPostLogin_MalformedRequests(t *testing.T) {
	f := newFixture(t, true)

	cases := []struct {
		name        string
		contentType string
		body        string
		wantCode    string
	}{
		{"not json content type", "text/plain", `{}`, "M_NOT_JSON"},
		{"syntax error", "application/json", `{not json`, "M_NOT_JSON"},
		{"wrong field type", "application/json", `{"type":"m.login.password","password":42}`, "M_BAD_JSON"},
		{"missing identifier", "application/json", `{"type":"m.login.password","password":"x"}`, "M_BAD_JSON"},
		{"unsupported identifier", "application/json",
			`{"type":"m.login.password","identifier":{"type":"m.id.thirdparty"},"password":"x"}`, "M_UNKNOWN"},
		{"unknown login type", "application/json", `{"type":"m.login.dummy"}`, "M_UNKNOWN"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(f.srv.URL+"/_matrix/client/v3/login", tc.contentType, strings.NewReader(tc.body))
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
			var body matrixError
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.ErrCode != tc.wantCode {
				t.Errorf("errcode = %q, want %q", body.ErrCode, tc.wantCode)
			}
		})
	}
}

func TestPostLogin_SSOTokenFlow(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	login, err := f.compat.CreateSSOLogin(ctx, "https://app.example.com/done")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.compat.FulfillSSOLogin(ctx, login.ID, f.user, "SSODEVICE1"); err != nil {
		t.Fatal(err)
	}

	body := `{"type":"m.login.token","token":"` + login.Token + `"}`
	resp, raw := f.postLogin(t, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %s", resp.StatusCode, raw)
	}

	// Single use: the second exchange is forbidden.
	resp, raw = f.postLogin(t, body)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("second exchange status = %d", resp.StatusCode)
	}
	var merr matrixError
	if err := json.Unmarshal(raw, &merr); err != nil {
		t.Fatal(err)
	}
	if merr.Error != "Invalid login token" {
		t.Errorf("error = %q", merr.Error)
	}
}

func TestPostLogin_ExpiredSSOToken(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	login, err := f.compat.CreateSSOLogin(ctx, "https://app.example.com/done")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.compat.FulfillSSOLogin(ctx, login.ID, f.user, "SSODEVICE1"); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(31 * time.Second)

	resp, raw := f.postLogin(t, `{"type":"m.login.token","token":"`+login.Token+`"}`)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var merr matrixError
	if err := json.Unmarshal(raw, &merr); err != nil {
		t.Fatal(err)
	}
	if merr.Error != "Login token expired" {
		t.Errorf("error = %q", merr.Error)
	}
}
