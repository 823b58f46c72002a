// Package api exposes an optional HTTP status surface for long-running
// sweeps: liveness, progress counts and committed results.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"buildsweep/internal/core"
	"buildsweep/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP status server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	mode       core.Mode
	logger     *slog.Logger
	authToken  string
	startedAt  time.Time
}

// NewServer constructs the status server.
func NewServer(addr, authToken string, st *store.Store, mode core.Mode, logger *slog.Logger) (*Server, error) {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		store:     st,
		mode:      mode,
		logger:    logger,
		authToken: authToken,
		startedAt: time.Now().UTC(),
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("status server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealthz)

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}
		r.Get("/status", s.handleStatus)
		r.Get("/results", s.handleListResults)
		r.Get("/result", s.handleGetResult)
		r.Get("/result/log", s.handleResultLog)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
