package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/dispatch/externaladapter"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/agent"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/quota"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/registry"
)

type agentResponse struct {
	ID             string   `json:"id"`
	TenantID       string   `json:"tenant_id"`
	Name           string   `json:"name"`
	Kind           string   `json:"kind"`
	Type           string   `json:"type"`
	Capabilities   []string `json:"capabilities"`
	Status         string   `json:"status"`
	Tier           string   `json:"tier"`
	Load           float64  `json:"load"`
	TasksCompleted int      `json:"tasks_completed"`
	SuccessRate    float64  `json:"success_rate"`
}

func toAgentResponse(a *agent.Agent) agentResponse {
	caps := make([]string, 0, len(a.Capabilities))
	for c := range a.Capabilities {
		caps = append(caps, string(c))
	}
	return agentResponse{
		ID: a.ID, TenantID: a.TenantID, Name: a.Name, Kind: string(a.Kind), Type: string(a.Type),
		Capabilities: caps, Status: string(a.Status), Tier: string(a.Tier), Load: a.Load,
		TasksCompleted: a.TasksCompleted, SuccessRate: a.SuccessRate,
	}
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if _, err := s.gate.Check(r.Context(), identity, quota.ActionRead); err != nil {
		writeError(w, r, err)
		return
	}
	agents, err := s.registry.List(r.Context(), identity.TenantID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	items := make([]agentResponse, 0, len(agents))
	for _, a := range agents {
		items = append(items, toAgentResponse(a))
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if _, err := s.gate.Check(r.Context(), identity, quota.ActionRead); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentResponse(a))
}

// agentPerformance is the payload for GET /agents/{id}/performance,
// surfacing the registry fields the spec's "performance summary"
// operation names without inventing a new entity.
type agentPerformance struct {
	AgentID        string  `json:"agent_id"`
	TasksCompleted int     `json:"tasks_completed"`
	SuccessRate    float64 `json:"success_rate"`
	Load           float64 `json:"load"`
	Tier           string  `json:"tier"`
	MissedBeats    int     `json:"missed_heartbeats"`
}

func (s *Server) agentPerformance(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if _, err := s.gate.Check(r.Context(), identity, quota.ActionRead); err != nil {
		writeError(w, r, err)
		return
	}
	a, err := s.registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agentPerformance{
		AgentID: a.ID, TasksCompleted: a.TasksCompleted, SuccessRate: a.SuccessRate,
		Load: a.Load, Tier: string(a.Tier), MissedBeats: a.MissedBeats,
	})
}

type registerAgentRequest struct {
	Name           string   `json:"name"`
	Type           string   `json:"type"`
	Capabilities   []string `json:"capabilities"`
	MaxConcurrent  int      `json:"max_concurrent"`
	HeartbeatEvery int      `json:"heartbeat_interval_seconds"`
}

// registerAgent handles internal-agent registration (admin only, per the
// role table), distinct from the public EAP registration endpoint.
func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if _, err := s.gate.Check(r.Context(), identity, quota.ActionManageAgents); err != nil {
		writeError(w, r, err)
		return
	}
	var req registerAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.NewValidationError("body", "malformed JSON"))
		return
	}
	caps := make([]agent.Capability, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps = append(caps, agent.Capability(c))
	}
	a, err := s.registry.Register(r.Context(), uuid.NewString(), registry.Descriptor{
		TenantID: identity.TenantID, Name: req.Name, Type: agent.Type(req.Type),
		Capabilities: caps, MaxConcurrent: req.MaxConcurrent,
		HeartbeatEvery: time.Duration(req.HeartbeatEvery) * time.Second,
	}, agent.KindInternal, "")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAgentResponse(a))
}

type heartbeatRequest struct {
	Status      string                 `json:"status"`
	CurrentLoad float64                `json:"current_load"`
	Metrics     map[string]interface{} `json:"metrics"`
}

func (s *Server) heartbeatAgent(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if _, err := s.gate.Check(r.Context(), identity, quota.ActionManageAgents); err != nil {
		writeError(w, r, err)
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.NewValidationError("body", "malformed JSON"))
		return
	}
	a, err := s.registry.Heartbeat(r.Context(), mux.Vars(r)["id"], req.CurrentLoad, agent.Status(req.Status))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentResponse(a))
}

func (s *Server) deregisterAgent(w http.ResponseWriter, r *http.Request) {
	identity, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}
	if _, err := s.gate.Check(r.Context(), identity, quota.ActionManageAgents); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.registry.Deregister(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- External Agent Protocol (EAP v1.0), spec §6 ---

type eapRegisterRequest struct {
	ProtocolVersion string   `json:"protocol_version"`
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Capabilities    []string `json:"capabilities"`
	EndpointURL     string   `json:"endpoint_url"`
	Metadata        map[string]interface{} `json:"metadata"`
}

type eapRegisterResponse struct {
	AgentID                string `json:"agent_id"`
	Status                 string `json:"status"`
	AuthToken              string `json:"auth_token"`
	HeartbeatIntervalSecs  int    `json:"heartbeat_interval_seconds"`
}

const eapHeartbeatIntervalSeconds = 30

// eapRegister is the EAP bootstrap endpoint: an external agent has no
// tenant/role identity yet, so only X-Tenant-ID is required, not the
// full quota gate.
func (s *Server) eapRegister(w http.ResponseWriter, r *http.Request) {
	tenantID := r.Header.Get("X-Tenant-ID")
	if tenantID == "" {
		writeError(w, r, apperrors.NewValidationError("X-Tenant-ID", "header required"))
		return
	}
	var req eapRegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.NewValidationError("body", "malformed JSON"))
		return
	}
	if req.ProtocolVersion == "" || req.Name == "" || req.EndpointURL == "" {
		writeError(w, r, apperrors.NewValidationError("body", "protocol_version, name, and endpoint_url are required"))
		return
	}
	caps := make([]agent.Capability, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		caps = append(caps, agent.Capability(c))
	}
	authToken := uuid.NewString()
	a, err := s.registry.Register(r.Context(), uuid.NewString(), registry.Descriptor{
		TenantID: tenantID, Name: req.Name, Capabilities: caps,
		HeartbeatEvery: eapHeartbeatIntervalSeconds * time.Second, EndpointURL: req.EndpointURL,
	}, agent.KindExternal, authToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, eapRegisterResponse{
		AgentID: a.ID, Status: string(a.Status), AuthToken: authToken,
		HeartbeatIntervalSecs: eapHeartbeatIntervalSeconds,
	})
}

// eapHeartbeat authenticates by X-Agent-Token against the stored agent
// record rather than the tenant/role gate, since external agents never
// hold a tenant session token.
func (s *Server) eapHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, err := s.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !validAgentToken(a, r) {
		writeError(w, r, apperrors.NewForbiddenError("external_agent", "heartbeat"))
		return
	}
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.NewValidationError("body", "malformed JSON"))
		return
	}
	updated, err := s.registry.Heartbeat(r.Context(), id, req.CurrentLoad, agent.Status(req.Status))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentResponse(updated))
}

func validAgentToken(a *agent.Agent, r *http.Request) bool {
	token := r.Header.Get("X-Agent-Token")
	return token != "" && token == a.AuthToken
}

// eapTaskResult receives the callback an external agent POSTs once a
// task reaches a terminal state, and routes it to the waiting
// externaladapter.Adapter.Execute call via the adapter registry.
func (s *Server) eapTaskResult(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	a, err := s.registry.Get(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !validAgentToken(a, r) {
		writeError(w, r, apperrors.NewForbiddenError("external_agent", "task_result"))
		return
	}
	var req eapTaskResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, apperrors.NewValidationError("body", "malformed JSON"))
		return
	}
	if err := s.externalAdapters.Deliver(id, req.toAdapterResult()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// eapArtifact is one {path, content} pair from spec §6's TaskResult.
type eapArtifact struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type eapTaskResultRequest struct {
	TaskID    string                 `json:"task_id"`
	Status    string                 `json:"status"`
	Artifacts []eapArtifact          `json:"artifacts"`
	Error     string                 `json:"error"`
	Metrics   map[string]interface{} `json:"metrics"`
}

// toAdapterResult folds the wire-level artifact list into the adapter's
// Output map (keyed by path) and promotes a "diff" artifact, if present,
// to the dedicated Diff field the supervisor reads.
func (req eapTaskResultRequest) toAdapterResult() externaladapter.TaskResult {
	output := make(map[string]interface{}, len(req.Artifacts)+len(req.Metrics))
	for k, v := range req.Metrics {
		output[k] = v
	}
	var diff string
	for _, a := range req.Artifacts {
		if a.Path == "diff" {
			diff = a.Content
			continue
		}
		output[a.Path] = a.Content
	}
	return externaladapter.TaskResult{
		TaskID: req.TaskID, Status: req.Status, Output: output, Diff: diff, Error: req.Error,
	}
}
