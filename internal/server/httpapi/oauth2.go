package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/helioslabs/gatekeep/internal/errs"
	"github.com/helioslabs/gatekeep/internal/pkce"
	"github.com/helioslabs/gatekeep/internal/service"
)

const grantTypeDeviceCode = "urn:ietf:params:oauth:grant-type:device_code"

// oauthError is the RFC 6749 token-endpoint error body.
type oauthError struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (s *Server) postToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	var (
		resp *service.TokenResponse
		err  error
	)
	switch gt := r.PostFormValue("grant_type"); gt {
	case grantTypeDeviceCode:
		resp, err = s.grants.ExchangeDeviceCode(r.Context(), r.PostFormValue("device_code"))
	case "authorization_code":
		resp, err = s.grants.ExchangeAuthorizationCode(r.Context(),
			r.PostFormValue("code"), r.PostFormValue("code_verifier"))
	default:
		s.writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}
	if err != nil {
		s.writeTokenError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  resp.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(resp.ExpiresIn.Seconds()),
		RefreshToken: resp.RefreshToken,
		IDToken:      resp.IDToken,
		Scope:        resp.Session.Scope,
	})
}

// writeTokenError maps exchange errors onto the RFC 8628 / RFC 6749 error
// codes the polling client acts on.
func (s *Server) writeTokenError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrAuthorizationPending):
		s.writeOAuthError(w, http.StatusBadRequest, "authorization_pending", "")
	case errors.Is(err, service.ErrAccessDenied):
		s.writeOAuthError(w, http.StatusBadRequest, "access_denied", "")
	case errors.Is(err, errs.ErrExpired):
		s.writeOAuthError(w, http.StatusBadRequest, "expired_token", "")
	case errors.Is(err, service.ErrInvalidGrant),
		errors.Is(err, pkce.ErrVerificationFailed):
		s.writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "")
	case errors.Is(err, pkce.ErrUnknownChallengeMethod):
		s.writeOAuthError(w, http.StatusBadRequest, "invalid_request", "unknown code challenge method")
	default:
		reqID := middleware.GetReqID(r.Context())
		s.log.Error("token exchange failed", zap.String("request_id", reqID), zap.Error(err))
		s.writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
	}
}

func (s *Server) writeOAuthError(w http.ResponseWriter, status int, code, desc string) {
	s.writeJSON(w, status, oauthError{Error: code, Description: desc})
}
