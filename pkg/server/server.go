// Package server exposes the dev environment over HTTP. Long-running commands
// stream their terminal output over websockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nstogner/devbox/pkg/devenv"
	"github.com/nstogner/devbox/pkg/filetree"
	"github.com/nstogner/devbox/pkg/sandbox"
	"github.com/nstogner/devbox/pkg/store"
)

// Server serves the devbox API.
type Server struct {
	env *devenv.Env
	srv *http.Server
}

// New creates a new Server.
func New(env *devenv.Env) *Server {
	return &Server{env: env}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/files", s.handleWriteFiles)

	// Terminal streams
	mux.HandleFunc("GET /api/install", s.handleInstall)
	mux.HandleFunc("GET /api/dev", s.handleDev)
	mux.HandleFunc("GET /api/exec", s.handleExec)

	mux.HandleFunc("GET /api/servers", s.handleListServers)
	mux.HandleFunc("DELETE /api/servers/{id}", s.handleStopServer)

	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)

	return s.corsMiddleware(mux)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start(addr string) error {
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("Starting API server", "addr", addr)
	return s.srv.ListenAndServe()
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, err error) {
	slog.Error("API Error", "status", status, "error", err)
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps orchestration errors to HTTP status codes.
func statusFor(err error) int {
	var (
		conflict *filetree.PathConflictError
		invalid  *filetree.InvalidPathError
		bootErr  *sandbox.BootError
	)
	switch {
	case errors.As(err, &conflict), errors.As(err, &invalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sandbox.ErrCommandNotFound):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, devenv.ErrServerNotFound):
		return http.StatusNotFound
	case errors.As(err, &bootErr):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
