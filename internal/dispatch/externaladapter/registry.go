package externaladapter

import (
	"net/http"
	"sync"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/resilience"
)

// Registry memoizes one Adapter per external agent id, since a
// TaskResult callback must reach the exact Adapter instance whose
// Execute call is waiting on that task id — the supervisor's per-call
// adapter resolver and the HTTP task-result handler both go through
// this registry rather than constructing adapters ad hoc.
type Registry struct {
	httpClient *http.Client

	mu       sync.Mutex
	adapters map[string]*Adapter
}

// NewRegistry builds an empty Registry, sharing httpClient across every
// adapter it creates.
func NewRegistry(httpClient *http.Client) *Registry {
	return &Registry{httpClient: httpClient, adapters: make(map[string]*Adapter)}
}

// GetOrCreate returns the memoized Adapter for agentID, building one
// against endpointURL/authToken/pipeline on first use.
func (r *Registry) GetOrCreate(agentID, endpointURL, authToken string, pipeline *resilience.Pipeline) *Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[agentID]; ok {
		return a
	}
	a := New(endpointURL, authToken, r.httpClient, pipeline)
	r.adapters[agentID] = a
	return a
}

// Deliver routes result to agentID's adapter, if one has been created.
func (r *Registry) Deliver(agentID string, result TaskResult) error {
	r.mu.Lock()
	a, ok := r.adapters[agentID]
	r.mu.Unlock()
	if !ok {
		return apperrors.NewNotFoundError("external_agent_adapter", agentID)
	}
	return a.Deliver(result)
}

// Forget drops agentID's memoized adapter, e.g. on deregistration.
func (r *Registry) Forget(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, agentID)
}
