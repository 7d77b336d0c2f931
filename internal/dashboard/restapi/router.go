// Package restapi exposes the dashboard's query surface: registered nodes,
// ingested experiment events, and the audit trail, behind an optional RS256
// JWT gate.
package restapi

import (
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lprof/lprof/internal/audit"
	"github.com/lprof/lprof/internal/dashboard/storage"
)

// Server backs the REST API with a storage reader and the audit log path
// used by the /api/v1/audit endpoint.
type Server struct {
	store        *storage.Store
	auditLogPath string
}

// NewServer builds a Server over store, reading audit entries from
// auditLogPath on demand.
func NewServer(store *storage.Store, auditLogPath string) *Server {
	return &Server{store: store, auditLogPath: auditLogPath}
}

// NewRouter builds the chi router for the dashboard's REST API. pubKey may
// be nil to disable JWT validation (intended for local development only).
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api/v1", func(api chi.Router) {
		if pubKey != nil {
			api.Use(JWTMiddleware(pubKey))
		}
		api.Get("/experiments", srv.handleExperiments)
		api.Get("/nodes", srv.handleNodes)
		api.Get("/audit", srv.handleAudit)
	})

	return r
}

func (s *Server) handleExperiments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.QueryFilter{
		ExperimentPath: q.Get("experiment_path"),
		NodeID:         q.Get("node_id"),
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = t
		}
	}
	if lim := q.Get("limit"); lim != "" {
		if n, err := strconv.Atoi(lim); err == nil {
			filter.Limit = n
		}
	}

	events, err := s.store.QueryEvents(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, events)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, nodes)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := audit.Verify(s.auditLogPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, entries)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
