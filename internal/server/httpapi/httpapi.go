// Package httpapi exposes the legacy login wire surface. The JSON shapes
// and the error-code vocabulary are a compatibility contract: every internal
// error kind maps to exactly one errcode and HTTP status.
package httpapi

import (
	"encoding/json"
	"errors"
	"mime"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/helioslabs/gatekeep/internal/errs"
	"github.com/helioslabs/gatekeep/internal/service"
)

// Matrix error codes.
const (
	codeForbidden     = "M_FORBIDDEN"
	codeUnknown       = "M_UNKNOWN"
	codeLimitExceeded = "M_LIMIT_EXCEEDED"
	codeNotJSON       = "M_NOT_JSON"
	codeBadJSON       = "M_BAD_JSON"
)

// Server serves the legacy client-server login endpoints and the OAuth2
// token endpoint.
type Server struct {
	compat *service.Compat
	grants *service.Grants
	log    *zap.Logger
}

// New constructs the server.
func New(compat *service.Compat, grants *service.Grants, log *zap.Logger) *Server {
	return &Server{compat: compat, grants: grants, log: log}
}

// Routes builds the router with logging and panic recovery.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(s.recoverer)

	r.Get("/_matrix/client/v3/login", s.getLoginFlows)
	r.Post("/_matrix/client/v3/login", s.postLogin)
	r.Post("/oauth2/token", s.postToken)
	return r
}

type matrixError struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warn("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, errcode, msg string) {
	s.writeJSON(w, status, matrixError{ErrCode: errcode, Error: msg})
}

type flowsResponse struct {
	Flows []flowEntry `json:"flows"`
}

type flowEntry struct {
	Type                string `json:"type"`
	DelegatedOIDCCompat bool   `json:"org.matrix.msc3824.delegated_oidc_compatibility,omitempty"`
}

func (s *Server) getLoginFlows(w http.ResponseWriter, r *http.Request) {
	flows := s.compat.LoginFlows()
	resp := flowsResponse{Flows: make([]flowEntry, 0, len(flows))}
	for _, f := range flows {
		resp.Flows = append(resp.Flows, flowEntry{Type: f.Type, DelegatedOIDCCompat: f.DelegatedOIDCCompat})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type loginIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type loginRequest struct {
	Type         string           `json:"type"`
	Identifier   *loginIdentifier `json:"identifier"`
	User         string           `json:"user"` // deprecated flat field
	Password     string           `json:"password"`
	Token        string           `json:"token"`
	RefreshToken bool             `json:"refresh_token"`
}

type loginResponse struct {
	AccessToken  string `json:"access_token"`
	DeviceID     string `json:"device_id"`
	UserID       string `json:"user_id"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresInMS  int64  `json:"expires_in_ms,omitempty"`
}

func (s *Server) postLogin(w http.ResponseWriter, r *http.Request) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		media, _, err := mime.ParseMediaType(ct)
		if err != nil || media != "application/json" {
			s.writeError(w, http.StatusBadRequest, codeNotJSON, "Request does not contain JSON")
			return
		}
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			s.writeError(w, http.StatusBadRequest, codeBadJSON, "Malformed login request")
			return
		}
		s.writeError(w, http.StatusBadRequest, codeNotJSON, "Request does not contain JSON")
		return
	}

	result, err := s.compat.Login(r.Context(), service.LoginRequest{
		Credentials:  credentialsFrom(req),
		RefreshToken: req.RefreshToken,
		UserAgent:    r.UserAgent(),
		IP:           clientIP(r),
	})
	if err != nil {
		s.writeLoginError(w, r, err)
		return
	}

	resp := loginResponse{
		AccessToken:  result.AccessToken,
		DeviceID:     result.DeviceID,
		UserID:       result.UserID,
		RefreshToken: result.RefreshToken,
	}
	if result.ExpiresIn > 0 {
		resp.ExpiresInMS = result.ExpiresIn.Milliseconds()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func credentialsFrom(req loginRequest) service.Credentials {
	switch req.Type {
	case "m.login.password":
		creds := service.PasswordCredentials{User: req.User, Password: req.Password}
		if req.Identifier != nil {
			creds.Identifier = &service.Identifier{Type: req.Identifier.Type, User: req.Identifier.User}
		}
		return creds
	case "m.login.token":
		return service.TokenCredentials{Token: req.Token}
	default:
		return service.UnsupportedCredentials{Type: req.Type}
	}
}

// writeLoginError maps route errors onto the fixed vocabulary. The three
// credential failure kinds share one body so the response never reveals
// whether the user exists.
func (s *Server) writeLoginError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrUserNotFound),
		errors.Is(err, service.ErrNoPassword),
		errors.Is(err, service.ErrPasswordVerificationFailed):
		s.writeError(w, http.StatusForbidden, codeForbidden, "Invalid username/password")
	case errors.Is(err, service.ErrLoginTookTooLong):
		s.writeError(w, http.StatusForbidden, codeForbidden, "Login token expired")
	case errors.Is(err, service.ErrInvalidLoginToken):
		s.writeError(w, http.StatusForbidden, codeForbidden, "Invalid login token")
	case errors.Is(err, errs.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, codeLimitExceeded, "Too many login attempts")
	case errors.Is(err, service.ErrMissingIdentifier):
		s.writeError(w, http.StatusBadRequest, codeBadJSON, "Missing identifier")
	case errors.Is(err, service.ErrUnsupportedIdentifier):
		s.writeError(w, http.StatusBadRequest, codeUnknown, "Unsupported login identifier")
	case errors.Is(err, service.ErrUnsupportedLoginType):
		s.writeError(w, http.StatusBadRequest, codeUnknown, "Invalid login type")
	default:
		reqID := middleware.GetReqID(r.Context())
		s.log.Error("login failed", zap.String("request_id", reqID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, codeUnknown, "Internal error")
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		// Correlation id for callers reporting failures.
		ww.Header().Set("X-Request-Id", middleware.GetReqID(r.Context()))
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("panic in handler",
					zap.Any("panic", rec),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
				s.writeError(w, http.StatusInternalServerError, codeUnknown, "Internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
