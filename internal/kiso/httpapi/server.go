// Package httpapi is Kiso's HTTP surface (§6): it authenticates callers
// against named bearer tokens, validates requests, and translates them into
// store mutations and scheduler ingests. It never runs plan logic itself —
// that is the worker's job once a message lands in the queue — mirroring
// the teacher's own split between internal/ruriko/app (HealthServer) wiring
// HTTP concerns and the packages it delegates business logic to.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/kiso-run/kiso/internal/kiso/config"
	"github.com/kiso-run/kiso/internal/kiso/secrets"
	"github.com/kiso-run/kiso/internal/kiso/store"
	"github.com/kiso-run/kiso/internal/kiso/worker"
	"github.com/kiso-run/kiso/internal/kiso/workspace"
)

// sessionIDPattern is §6's "Session ID regex".
var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_@.-]{1,255}$`)

// Access is the subset of config.Access the HTTP layer needs to resolve a
// caller's role, kept as an interface so handlers are testable against a
// fake.
type Access interface {
	RoleAndSkills(userID string) (role string, allowedSkills []string, ok bool)
}

// Server implements the §6 HTTP surface.
type Server struct {
	cfg       *config.Config
	store     *store.Store
	access    Access
	scheduler *worker.Scheduler
	ws        *workspace.Root
	deploy    *secrets.DeploySecrets
	mux       *http.ServeMux
	bgCtx     context.Context
}

// New builds a Server and registers every route. bgCtx is the process's
// long-lived context (the same one main's run() passes to Scheduler.Recover)
// — handlers hand it to Scheduler.Ingest instead of the inbound request's
// context, since the spawned session worker outlives the request that
// triggered it and must keep running after net/http cancels r.Context() on
// handler return.
func New(bgCtx context.Context, cfg *config.Config, st *store.Store, access Access, scheduler *worker.Scheduler, ws *workspace.Root, deploy *secrets.DeploySecrets) *Server {
	s := &Server{cfg: cfg, store: st, access: access, scheduler: scheduler, ws: ws, deploy: deploy, mux: http.NewServeMux(), bgCtx: bgCtx}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/pub/", s.handlePub)

	s.mux.Handle("/msg", s.authenticated(http.HandlerFunc(s.handleMsg)))
	s.mux.Handle("/sessions", s.authenticated(http.HandlerFunc(s.handleSessions)))
	s.mux.Handle("/sessions/", s.authenticated(http.HandlerFunc(s.handleSessionCancel)))
	s.mux.Handle("/status/", s.authenticated(http.HandlerFunc(s.handleStatus)))
	s.mux.Handle("/admin/reload-env", s.authenticated(http.HandlerFunc(s.handleReloadEnv)))
}

// callerNameKey is the context key the auth middleware stores the resolved
// token name under, for handlers that need the connector alias (§6).
type callerNameKey struct{}

// authenticated enforces the Bearer token check every route but /pub/* and
// /health requires (§6).
func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		name, ok := s.cfg.TokenName(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		slog.Debug("httpapi: authenticated request", "token_name", name, "path", r.URL.Path)
		ctx := context.WithValue(r.Context(), callerNameKey{}, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerName(r *http.Request) string {
	name, _ := r.Context().Value(callerNameKey{}).(string)
	return name
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("httpapi: encode response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// handleHealth implements GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
