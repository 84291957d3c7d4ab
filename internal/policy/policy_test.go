package policy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/helioslabs/gatekeep/internal/model"
)

func TestMemoryEngine_AdminScope(t *testing.T) {
	t.Parallel()
	e := NewMemoryEngine()
	client := &model.Client{ID: uuid.Must(uuid.NewV4()), ClientID: "client-1"}

	res, err := e.EvaluateAuthorizationGrant(context.Background(), AuthorizationGrantInput{
		GrantType: GrantTypeDeviceCode,
		Client:    client,
		Scope:     "openid urn:mas:admin",
		User:      &model.User{Username: "alice"},
	})
	require.NoError(t, err)
	require.False(t, res.Valid())
	require.Equal(t, CodeScopeNotAllowed, res.Violations[0].Code)

	res, err = e.EvaluateAuthorizationGrant(context.Background(), AuthorizationGrantInput{
		GrantType: GrantTypeDeviceCode,
		Client:    client,
		Scope:     "openid urn:mas:admin",
		User:      &model.User{Username: "root", CanRequestAdmin: true},
	})
	require.NoError(t, err)
	require.True(t, res.Valid())
}

func TestMemoryEngine_Register(t *testing.T) {
	t.Parallel()
	e := NewMemoryEngine()
	e.BannedUsernames["admin"] = struct{}{}

	res, err := e.EvaluateRegister(context.Background(), RegisterInput{Username: "admin", RegistrationMethod: "password"})
	require.NoError(t, err)
	require.False(t, res.Valid())

	res, err = e.EvaluateRegister(context.Background(), RegisterInput{Username: "a", RegistrationMethod: "password"})
	require.NoError(t, err)
	require.False(t, res.Valid())
	require.Equal(t, CodeUsernameTooShort, res.Violations[0].Code)
}

func TestHTTPEngine_DecodesViolations(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/authorization_grant/violation", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(`{"result":[{"msg":"scope denied","code":"scope-not-allowed"}]}`))
	}))
	defer srv.Close()

	e := NewHTTPEngine(srv.URL, srv.Client())
	res, err := e.EvaluateAuthorizationGrant(context.Background(), AuthorizationGrantInput{
		GrantType: GrantTypeAuthorizationCode,
		Client:    &model.Client{ClientID: "c"},
		Scope:     "openid",
	})
	require.NoError(t, err)
	require.False(t, res.Valid())
	require.Equal(t, "scope denied", res.Violations[0].Msg)
	require.Equal(t, "scope denied", res.String())
}

func TestHTTPEngine_EmptyResultIsValid(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result":[]}`))
	}))
	defer srv.Close()

	e := NewHTTPEngine(srv.URL, srv.Client())
	res, err := e.EvaluateEmail(context.Background(), EmailInput{Email: "a@example.com"})
	require.NoError(t, err)
	require.True(t, res.Valid())
}

func TestHTTPEngine_ServerErrorFailsClosed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewHTTPEngine(srv.URL, srv.Client())
	res, err := e.EvaluateRegister(context.Background(), RegisterInput{Username: "alice"})
	require.Error(t, err)
	require.Nil(t, res)
}
