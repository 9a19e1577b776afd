package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/kiso-run/kiso/internal/kiso/plan"
	"github.com/kiso-run/kiso/internal/kiso/store"
	"github.com/kiso-run/kiso/internal/kiso/worker"
)

// msgRequest is POST /msg's body.
type msgRequest struct {
	Session string `json:"session"`
	User    string `json:"user"`
	Content string `json:"content"`
	Webhook string `json:"webhook"`
}

// handleMsg implements POST /msg (§6): an unknown user still returns 202,
// but the message is stored untrusted and never enqueued.
func (s *Server) handleMsg(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req msgRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !sessionIDPattern.MatchString(req.Session) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	ctx := r.Context()
	if err := s.store.EnsureSession(ctx, req.Session, callerName(r)); err != nil {
		slog.Error("httpapi: ensure session failed", "session", req.Session, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	if req.Webhook != "" {
		if err := validateWebhookURL(req.Webhook, s.cfg.WebhookAllowed); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.store.UpdateSessionWebhook(ctx, req.Session, req.Webhook, ""); err != nil {
			slog.Warn("httpapi: update session webhook failed", "session", req.Session, "error", err)
		}
	}

	_, _, known := s.access.RoleAndSkills(req.User)
	msg := &store.Message{
		SessionID: req.Session,
		UserID:    req.User,
		Role:      store.RoleUser,
		Content:   req.Content,
		Trusted:   known,
	}
	id, err := s.store.InsertMessage(ctx, msg)
	if err != nil {
		slog.Error("httpapi: insert message failed", "session", req.Session, "error", err)
		writeError(w, http.StatusInternalServerError, "could not store message")
		return
	}
	if known {
		s.scheduler.Ingest(s.bgCtx, req.Session, worker.Item{MessageID: id})
	} else {
		slog.Warn("httpapi: message stored untrusted, sender not recognized", "session", req.Session, "user", req.User)
	}

	writeJSON(w, http.StatusAccepted, map[string]any{"queued": true, "session": req.Session})
}

// sessionsRequest is POST /sessions's body.
type sessionsRequest struct {
	Session     string `json:"session"`
	Webhook     string `json:"webhook"`
	Description string `json:"description"`
}

// handleSessions implements POST /sessions and GET /sessions (§6).
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createSession(w, r)
	case http.MethodGet:
		s.listSessions(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req sessionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !sessionIDPattern.MatchString(req.Session) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if req.Webhook != "" {
		if err := validateWebhookURL(req.Webhook, s.cfg.WebhookAllowed); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	ctx := r.Context()
	_, err := s.store.GetSession(ctx, req.Session)
	exists := err == nil

	sess := &store.Session{
		ID: req.Session, WebhookURL: req.Webhook, Connector: callerName(r), Description: req.Description,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		if exists {
			if err := s.store.UpdateSessionWebhook(ctx, req.Session, req.Webhook, req.Description); err != nil {
				slog.Error("httpapi: update existing session failed", "session", req.Session, "error", err)
				writeError(w, http.StatusInternalServerError, "could not update session")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"session": req.Session})
			return
		}
		slog.Error("httpapi: create session failed", "session", req.Session, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create session")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": req.Session})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		slog.Error("httpapi: list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list sessions")
		return
	}

	name := callerName(r)
	out := make([]*store.Session, 0, len(sessions))
	for _, sess := range sessions {
		if all || sess.Connector == name {
			out = append(out, sess)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// handleSessionCancel implements POST /sessions/{session}/cancel (§6:
// "Idempotent").
func (s *Server) handleSessionCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessionID, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/cancel")
	if !ok || sessionID == "" || !sessionIDPattern.MatchString(sessionID) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	ctx := r.Context()
	if err := s.store.SetCancelFlag(ctx, sessionID, true); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var planID *int64
	if p, err := s.store.LatestPlanForSession(ctx, sessionID); err == nil {
		planID = &p.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "plan_id": planID})
}

// statusTask is one entry of GET /status's tasks array.
type statusTask struct {
	ID             int64  `json:"id"`
	Index          int    `json:"index"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	Output         string `json:"output,omitempty"`
	Stderr         string `json:"stderr,omitempty"`
	Detail         string `json:"raw_detail,omitempty"`
	Command        string `json:"raw_command,omitempty"`
	DeliveredFinal bool   `json:"delivered_final"`
}

// handleStatus implements GET /status/{session}?after=<task_id>&verbose=<bool> (§6).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sessionID := strings.TrimPrefix(r.URL.Path, "/status/")
	if sessionID == "" || !sessionIDPattern.MatchString(sessionID) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	verbose := r.URL.Query().Get("verbose") == "true"

	ctx := r.Context()
	var planOut any
	var tasksOut []statusTask
	var activeTask *int64

	p, err := s.store.LatestPlanForSession(ctx, sessionID)
	if err == nil {
		planOut = p
		tasks, terr := s.store.TasksForPlan(ctx, p.ID)
		if terr != nil {
			slog.Warn("httpapi: load tasks for status failed", "session", sessionID, "error", terr)
		}
		for _, t := range tasks {
			if t.ID <= after {
				continue
			}
			st := statusTask{
				ID: t.ID, Index: t.Index, Type: string(t.Type), Status: string(t.Status),
				Output: t.Output, DeliveredFinal: t.DeliveredFinal,
			}
			if verbose {
				st.Stderr = t.Stderr
				st.Detail = t.Detail
				if t.Command != nil {
					st.Command = *t.Command
				}
			}
			tasksOut = append(tasksOut, st)
			if t.Status == store.TaskRunning {
				id := t.ID
				activeTask = &id
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"plan":           planOut,
		"tasks":          tasksOut,
		"queue_length":   s.scheduler.QueueLength(sessionID),
		"active_task":    activeTask,
		"worker_running": s.scheduler.Running(sessionID),
	})
}

// reloadEnvRequest is POST /admin/reload-env's body: the caller's identity,
// checked against the admin role before the reload is honored (§6: "admin
// only; ... 403 otherwise").
type reloadEnvRequest struct {
	User string `json:"user"`
}

// handleReloadEnv implements POST /admin/reload-env (§6).
func (s *Server) handleReloadEnv(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req reloadEnvRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	role, _, ok := s.access.RoleAndSkills(req.User)
	if !ok || role != plan.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}
	if s.deploy == nil {
		writeError(w, http.StatusInternalServerError, "deploy secrets not configured")
		return
	}
	if err := s.deploy.Reload(); err != nil {
		slog.Error("httpapi: reload deploy secrets failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reload failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": true})
}

// handlePub implements GET /pub/{id} (§6: "no auth; resolves to a file
// under some session's pub/. Reject any resolved path that escapes that
// directory.").
func (s *Server) handlePub(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/pub/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	f, err := s.store.GetPublishedFile(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	path, err := s.ws.ResolvePublished(f.SessionID, f.Filename)
	if err != nil {
		slog.Warn("httpapi: published file resolution rejected", "id", id, "error", err)
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	http.ServeFile(w, r, path)
}
