// Package httpapi exposes the sync contract over HTTP: a chi router with
// JWT bearer auth, the sync and status endpoints, and a health probe.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tripmark/tripsync/internal/api"
	"github.com/tripmark/tripsync/internal/common"
	"github.com/tripmark/tripsync/internal/logging"
	"github.com/tripmark/tripsync/internal/server/services"
)

// Server owns the HTTP listener for the sync API.
type Server struct {
	svc    services.SyncService
	log    logging.Logger
	secret []byte
	http   *http.Server
}

// NewServer builds a server bound to addr.
func NewServer(addr string, secret []byte, svc services.SyncService, log logging.Logger) *Server {
	s := &Server{svc: svc, log: log, secret: secret}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router assembles the route tree. Exposed separately so handler tests can
// drive it through httptest without a listener.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogger(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	gate := newUserGate()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authMiddleware(s.secret))
		r.With(gate.middleware).Post("/sync", s.handleSync)
		r.Get("/sync/status", s.handleStatus)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req api.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	resp, err := s.svc.Apply(r.Context(), UserID(r.Context()), &req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp, err := s.svc.Status(r.Context(), UserID(r.Context()))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, common.ErrValidation) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.log.Error(r.Context(), "request failed", "path", r.URL.Path, "error", err.Error())
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, api.ErrorResponse{Error: message})
}
