// Package server exposes the connection status API over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/cloudlink/internal/consolidation"
	"github.com/vietddude/cloudlink/internal/core/domain"
	"github.com/vietddude/cloudlink/internal/infra/provider"
	"github.com/vietddude/cloudlink/internal/lifecycle"
)

// Service is the facade the handlers call.
type Service interface {
	GetConsolidatedStatus(ctx context.Context, key domain.CredentialKey) consolidation.Evaluation
	TestConnectionNow(ctx context.Context, key domain.CredentialKey) (domain.HealthStatus, error)
	RefreshToken(ctx context.Context, key domain.CredentialKey) (lifecycle.RefreshResult, error)
	Connect(ctx context.Context, key domain.CredentialKey, grant domain.TokenGrant) (*domain.Credential, error)
	Disconnect(ctx context.Context, key domain.CredentialKey) error
	RecordOperationalError(ctx context.Context, key domain.CredentialKey, op domain.Operation, opErr error) (consolidation.Evaluation, error)
	RecordOperationalSuccess(ctx context.Context, key domain.CredentialKey) error
}

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

// Server provides the status API, health and metrics endpoints.
type Server struct {
	svc    Service
	checks map[string]Check
	server *http.Server
	log    *slog.Logger
}

// NewServer creates a new server listening on port.
func NewServer(svc Service, port int, checks map[string]Check) *Server {
	s := &Server{
		svc:    svc,
		checks: checks,
		log:    slog.Default().With("component", "server"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	const base = "/v1/users/{user}/providers/{provider}"

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET "+base+"/status", s.handleStatus)
	mux.HandleFunc("POST "+base+"/test", s.handleTest)
	mux.HandleFunc("POST "+base+"/refresh", s.handleRefresh)
	mux.HandleFunc("PUT "+base+"/credential", s.handleConnect)
	mux.HandleFunc("DELETE "+base+"/credential", s.handleDisconnect)
	mux.HandleFunc("POST "+base+"/operations/errors", s.handleOperationalError)
	mux.HandleFunc("POST "+base+"/operations/successes", s.handleOperationalSuccess)
	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	failed := make(map[string]string)

	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			failed[name] = err.Error()
			status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	response := map[string]any{"status": status}
	if len(failed) > 0 {
		response["failed"] = failed
	}
	writeJSON(w, code, response)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.GetConsolidatedStatus(r.Context(), keyFrom(r)))
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	hs, err := s.svc.TestConnectionNow(r.Context(), keyFrom(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, hs)
}

type refreshResponse struct {
	Status    domain.Status    `json:"status"`
	Refreshed bool             `json:"refreshed"`
	ErrorType domain.ErrorKind `json:"error_type,omitempty"`
	Attempt   int              `json:"attempt"`
	Decision  string           `json:"notification,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	RetryAt   *time.Time       `json:"retry_at,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.RefreshToken(r.Context(), keyFrom(r))

	body := refreshResponse{
		Status:    res.Status,
		Refreshed: res.Refreshed,
		ErrorType: res.Kind,
		Attempt:   res.Attempt,
		Decision:  string(res.Decision),
		RetryAt:   res.RetryAt,
	}
	if err == nil && res.Credential != nil {
		body.ExpiresAt = &res.Credential.ExpiresAt
	}

	if err != nil {
		code := statusCode(err)
		if body.Status == "" {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, code, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

type connectRequest struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes"`
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.AccessToken == "" || req.RefreshToken == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "access_token and refresh_token are required"})
		return
	}

	key := keyFrom(r)
	_, err := s.svc.Connect(r.Context(), key, domain.TokenGrant{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
		Scopes:       req.Scopes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.svc.GetConsolidatedStatus(r.Context(), key))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Disconnect(r.Context(), keyFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type operationalErrorRequest struct {
	Operation  domain.Operation `json:"operation"`
	Message    string           `json:"message"`
	StatusCode int              `json:"status_code"`
}

func (s *Server) handleOperationalError(w http.ResponseWriter, r *http.Request) {
	var req operationalErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	var opErr error = errors.New(req.Message)
	if req.StatusCode != 0 {
		opErr = &domain.ProviderError{StatusCode: req.StatusCode, Body: req.Message}
	}

	ev, err := s.svc.RecordOperationalError(r.Context(), keyFrom(r), req.Operation, opErr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, ev)
}

func (s *Server) handleOperationalSuccess(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RecordOperationalSuccess(r.Context(), keyFrom(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		s.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func statusCode(err error) int {
	var retryErr *lifecycle.RetryScheduledError
	switch {
	case errors.Is(err, lifecycle.ErrNotConnected),
		errors.Is(err, provider.ErrProviderNotRegistered):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInterventionRequired),
		errors.Is(err, lifecycle.ErrAuthRequired):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrManualRefreshUnsupported):
		return http.StatusUnprocessableEntity
	case errors.As(err, &retryErr),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func keyFrom(r *http.Request) domain.CredentialKey {
	return domain.CredentialKey{
		UserID:   r.PathValue("user"),
		Provider: r.PathValue("provider"),
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
