package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/nstogner/devbox/pkg/filetree"
	"github.com/nstogner/devbox/pkg/store"
)

const defaultRunLimit = 50

func (s *Server) handleWriteFiles(w http.ResponseWriter, r *http.Request) {
	var g filetree.Generated
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err)
		return
	}
	if err := s.env.WriteFiles(r.Context(), g); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"title": g.Title,
		"files": len(g.Files),
	})
}

// --- Dev servers ---

type serverView struct {
	ID        string    `json:"id"`
	URL       string    `json:"url,omitempty"`
	Ready     bool      `json:"ready"`
	StartedAt time.Time `json:"started_at"`
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	servers := s.env.Servers()
	out := make([]serverView, 0, len(servers))
	for _, srv := range servers {
		out = append(out, serverView{
			ID:        srv.ID,
			URL:       srv.URL(),
			Ready:     srv.Launch().Ready(),
			StartedAt: srv.StartedAt,
		})
	}
	s.jsonResponse(w, http.StatusOK, out)
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.env.StopServer(r.Context(), id); err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Runs ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	runs, err := s.env.Runs().List(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []store.Run{}
	}
	s.jsonResponse(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.env.Runs().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, statusFor(err), err)
		return
	}
	s.jsonResponse(w, http.StatusOK, run)
}
