// Package api exposes the service over HTTP and WebSocket: the run/cancel
// and status endpoints, the per-session stream and control sockets, the
// storage-state endpoints, and the public-key handout for client-side
// envelope encryption.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visualcore/backend/internal/control"
	"github.com/visualcore/backend/internal/directory"
	"github.com/visualcore/backend/internal/metrics"
	"github.com/visualcore/backend/internal/session"
	"github.com/visualcore/backend/internal/storagestate"
)

// Config carries the handler-level knobs. Transport timeouts live on the
// http.Server built in cmd/server.
type Config struct {
	// PublicBaseURL prefixes the URLs returned by the run endpoint, e.g.
	// "https://visual.example.com". Empty yields path-only URLs that
	// clients resolve against the host they dialed.
	PublicBaseURL string
	Control       control.Config
}

// Server wires the HTTP surface to the session manager and the
// storage-state service.
type Server struct {
	manager *session.Manager
	state   *storagestate.Service
	dir     *directory.Directory
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewServer(manager *session.Manager, state *storagestate.Service, dir *directory.Directory, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager: manager,
		state:   state,
		dir:     dir,
		cfg:     cfg,
		logger:  logger.With("component", "api"),
		metrics: m,
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	// CORS middleware
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Owner-ID")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	r.Use(s.accessLog)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/crypto/public-key", s.handlePublicKey).Methods("GET")

	r.HandleFunc("/workflows/visual/run", s.handleRun).Methods("POST")
	r.HandleFunc("/workflows/visual/sessions", s.handleListSessions).Methods("GET")
	r.HandleFunc("/workflows/visual/{session_id}/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/workflows/visual/{session_id}/cancel", s.handleCancel).Methods("POST")
	r.HandleFunc("/workflows/visual/{session_id}/stream", s.handleStreamSocket).Methods("GET")
	r.HandleFunc("/workflows/visual/{session_id}/control", s.handleControlSocket).Methods("GET")

	auth := r.PathPrefix("/auth").Subrouter()
	auth.Use(s.requireOwner)
	auth.HandleFunc("/storage-state", s.handleSaveState).Methods("POST")
	auth.HandleFunc("/storage-state/latest", s.handleLatestState).Methods("GET")
	auth.HandleFunc("/storage-state/{record_id}", s.handleReplaceState).Methods("PUT")

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.manager.Registry().Len(),
	})
}

// publicURL joins a route path onto the configured base. Socket paths get
// the ws scheme when the base carries an http one.
func (s *Server) publicURL(path string, socket bool) string {
	base := s.cfg.PublicBaseURL
	if base == "" {
		return path
	}
	if socket {
		switch {
		case strings.HasPrefix(base, "https://"):
			base = "wss://" + strings.TrimPrefix(base, "https://")
		case strings.HasPrefix(base, "http://"):
			base = "ws://" + strings.TrimPrefix(base, "http://")
		}
	}
	return strings.TrimRight(base, "/") + path
}

// ====== MIDDLEWARE ======

type contextKey int

const ownerIDKey contextKey = iota

// requireOwner gates /auth/* on the X-Owner-ID header the platform edge
// installs after validating the caller. No header means the request never
// passed the edge.
func (s *Server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get("X-Owner-ID")
		if owner == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing X-Owner-ID header")
			return
		}
		ctx := context.WithValue(r.Context(), ownerIDKey, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerID(r *http.Request) string {
	owner, _ := r.Context().Value(ownerIDKey).(string)
	return owner
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Millisecond))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// Hijack keeps the socket endpoints upgradeable behind the logging wrapper.
func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// ====== RESPONSES ======

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errorType, message string) {
	writeJSON(w, status, map[string]string{
		"error_type": errorType,
		"error":      message,
	})
}
