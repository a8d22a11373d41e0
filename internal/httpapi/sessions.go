package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/session"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/quota"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/repository"
)

// createSessionRequest is the lower_snake request body for POST
// /api/v1/sessions, per spec §6.
type createSessionRequest struct {
	Type              string                                    `json:"type"`
	Priority          string                                    `json:"priority"`
	Title             string                                    `json:"title"`
	Description       string                                    `json:"description"`
	InitialPrompt     string                                    `json:"initial_prompt"`
	AgentConfig       map[string]map[string]interface{}         `json:"agent_config"`
	ModelID           string                                    `json:"model_id"`
	MaxDurationSeconds int                                      `json:"max_duration_seconds"`
}

type sessionResponse struct {
	ID              string                 `json:"id"`
	TenantID        string                 `json:"tenant_id"`
	Type            string                 `json:"type"`
	Priority        string                 `json:"priority"`
	Status          string                 `json:"status"`
	StatusUpdatedAt time.Time              `json:"status_updated_at"`
	Title           string                 `json:"title"`
	Description     string                 `json:"description"`
	ModelID         string                 `json:"model_id"`
	MaxDurationSecs int                    `json:"max_duration_seconds"`
	Result          map[string]interface{} `json:"result,omitempty"`
	ErrorKind       string                 `json:"error_kind,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	Version         int                    `json:"version"`
	CreatedAt       time.Time              `json:"created_at"`
}

func toSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		ID: s.ID, TenantID: s.TenantID, Type: string(s.Type), Priority: string(s.Priority),
		Status: string(s.Status), StatusUpdatedAt: s.StatusUpdatedAt, Title: s.Title,
		Description: s.Description, ModelID: s.ModelID, MaxDurationSecs: int(s.MaxDuration.Seconds()),
		Result: s.Result, ErrorKind: s.ErrorKind, ErrorMessage: s.ErrorMessage,
		Version: s.Version, CreatedAt: s.CreatedAt,
	}
}

type sessionListResponse struct {
	Items []sessionResponse `json:"items"`
	Total int               `json:"total"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if _, err := s.gate.Check(r.Context(), identity, quota.ActionRead); err != nil {
		writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	filter := repository.SessionFilter{Search: q.Get("search")}
	for _, v := range q["status"] {
		filter.Status = append(filter.Status, session.Status(v))
	}
	for _, v := range q["priority"] {
		filter.Priority = append(filter.Priority, session.Priority(v))
	}
	page := repository.DefaultPagination()
	if n, err := parseIntParam(q.Get("limit")); err == nil && n > 0 {
		page.Limit = n
	}
	if n, err := parseIntParam(q.Get("offset")); err == nil && n >= 0 {
		page.Offset = n
	}

	result, err := s.sessions.List(r.Context(), filter, page)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]sessionResponse, 0, len(result.Items))
	for _, item := range result.Items {
		items = append(items, toSessionResponse(item))
	}
	writeJSON(w, http.StatusOK, sessionListResponse{Items: items, Total: result.Total})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if _, err := s.gate.Check(r.Context(), identity, quota.ActionRead); err != nil {
		writeError(w, r, err)
		return
	}
	sess, err := s.sessions.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if _, err := s.gate.Check(r.Context(), identity, quota.ActionCreate); err != nil {
		writeError(w, r, err)
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.NewValidationError("body", "malformed JSON"))
		return
	}

	sess, err := session.New(
		identity.TenantID,
		session.Type(req.Type),
		session.Priority(req.Priority),
		req.Title, req.Description, req.InitialPrompt,
		req.AgentConfig, req.ModelID,
		time.Duration(req.MaxDurationSeconds)*time.Second,
	)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.sessions.Create(r.Context(), sess); err != nil {
		writeError(w, r, err)
		return
	}
	s.publishAndClear(sess)
	writeJSON(w, http.StatusCreated, toSessionResponse(sess))
}

// startSession gates and kicks an asynchronous supervision attempt; it
// does not block the request on the attempt's outcome, since a single
// Supervise call runs the session to a terminal (or suspended) state.
func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if _, err := s.gate.Check(r.Context(), identity, quota.ActionStart); err != nil {
		writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.cancels.Clear(id)
	go func() {
		defer s.cancels.Clear(id)
		bg := context.Background()
		if err := s.supervisor.Supervise(bg, id, s.cancels); err != nil {
			s.log.WithField("session_id", id).WithError(err).Warn("supervision attempt failed")
		}
	}()

	writeJSON(w, http.StatusAccepted, toSessionResponse(sess))
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	s.directTransition(w, r, quota.ActionCancel, func(sess *session.Session) error {
		if sess.Status.IsTerminal() || sess.Status == session.StatusRunning {
			// A running attempt has no direct "cancelled" edge; signal
			// the in-flight supervisor instead of mutating state here.
			s.cancels.Cancel(sess.ID)
			return nil
		}
		return sess.Cancel()
	})
}

func (s *Server) pauseSession(w http.ResponseWriter, r *http.Request) {
	s.directTransition(w, r, quota.ActionCancel, func(sess *session.Session) error { return sess.Pause() })
}

func (s *Server) resumeSession(w http.ResponseWriter, r *http.Request) {
	s.directTransition(w, r, quota.ActionCancel, func(sess *session.Session) error { return sess.Resume() })
}

func (s *Server) completeSession(w http.ResponseWriter, r *http.Request) {
	s.directTransition(w, r, quota.ActionCancel, func(sess *session.Session) error { return sess.Complete(sess.Result) })
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if _, err := s.gate.Check(r.Context(), identity, quota.ActionDelete); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.sessions.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// directTransition is the shared gate -> fetch -> mutate -> commit path
// for the pause/resume/cancel/complete operations, each of which the
// core models as a synchronous entity transition rather than a fresh
// supervision attempt.
func (s *Server) directTransition(w http.ResponseWriter, r *http.Request, action quota.Action, mutate func(*session.Session) error) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if _, err := s.gate.Check(r.Context(), identity, action); err != nil {
		writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	sess, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	expectedVersion := sess.Version
	if err := mutate(sess); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.uow.Do(r.Context(), func(ctx context.Context) error {
		return s.sessions.Update(ctx, sess, expectedVersion)
	}); err != nil {
		writeError(w, r, err)
		return
	}
	s.publishAndClear(sess)
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

func (s *Server) publishAndClear(sess *session.Session) {
	for _, e := range sess.DrainEvents() {
		s.bus.PublishSync(e)
	}
}
