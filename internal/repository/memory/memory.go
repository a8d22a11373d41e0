// Package memory is the in-memory SessionRepository/AgentRepository
// implementation required by spec §4.4 ("an in-memory implementation
// must exist for tests"), grounded on infrastructure/state/state.go's
// CompareAndSwap-guarded map.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/agent"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/session"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/tenant"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/repository"
)

// SessionStore is an in-memory, tenant-scoped SessionRepository.
type SessionStore struct {
	mu          sync.Mutex
	sessions    map[string]*session.Session
	checkpoints map[string][]session.DurableCheckpoint
}

// NewSessionStore builds an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions:    make(map[string]*session.Session),
		checkpoints: make(map[string][]session.DurableCheckpoint),
	}
}

func cloneSession(s *session.Session) *session.Session {
	cp := *s
	return &cp
}

func tenantScoped(ctx context.Context, s *session.Session) bool {
	id, ok := tenant.IDFromContext(ctx)
	if !ok {
		return true // internal callers (supervisor) operate without an ambient tenant
	}
	return s.TenantID == id
}

// Create inserts s, failing if its id already exists.
func (m *SessionStore) Create(ctx context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[s.ID]; exists {
		return apperrors.ErrAlreadyExists
	}
	if id, ok := tenant.IDFromContext(ctx); ok {
		s.TenantID = id
	}
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

// Get returns the session for id, scoped to the ambient tenant.
func (m *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !tenantScoped(ctx, s) {
		return nil, apperrors.NewNotFoundError("session", id)
	}
	return cloneSession(s), nil
}

// Update persists s iff expectedVersion matches the stored version,
// then increments the stored version.
func (m *SessionStore) Update(ctx context.Context, s *session.Session, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.sessions[s.ID]
	if !ok || !tenantScoped(ctx, existing) {
		return apperrors.NewNotFoundError("session", s.ID)
	}
	if existing.Version != expectedVersion {
		return apperrors.NewConflictError("session", s.ID, expectedVersion, existing.Version)
	}
	updated := cloneSession(s)
	updated.Version = existing.Version + 1
	m.sessions[s.ID] = updated
	s.Version = updated.Version
	return nil
}

// List returns a stably ordered (created_at desc, id) page of sessions
// matching filter.
func (m *SessionStore) List(ctx context.Context, filter repository.SessionFilter, page repository.Pagination) (repository.Page[*session.Session], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tenantID, scoped := tenant.IDFromContext(ctx)
	var matched []*session.Session
	for _, s := range m.sessions {
		if scoped && s.TenantID != tenantID {
			continue
		}
		if !matchesFilter(s, filter) {
			continue
		}
		matched = append(matched, cloneSession(s))
	}

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	limit := page.Limit
	if limit <= 0 {
		limit = repository.DefaultPagination().Limit
	}
	start := page.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	return repository.Page[*session.Session]{Items: matched[start:end], Total: total}, nil
}

func matchesFilter(s *session.Session, filter repository.SessionFilter) bool {
	if len(filter.Status) > 0 && !statusIn(s.Status, filter.Status) {
		return false
	}
	if len(filter.Priority) > 0 && !priorityIn(s.Priority, filter.Priority) {
		return false
	}
	if filter.CreatedAfter != nil && s.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && s.CreatedAt.After(*filter.CreatedBefore) {
		return false
	}
	if filter.Search != "" && !contains(s.Title, filter.Search) {
		return false
	}
	return true
}

func statusIn(s session.Status, list []session.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func priorityIn(p session.Priority, list []session.Priority) bool {
	for _, v := range list {
		if v == p {
			return true
		}
	}
	return false
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// Delete removes a session, only if it is terminal.
func (m *SessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !tenantScoped(ctx, s) {
		return apperrors.NewNotFoundError("session", id)
	}
	if !s.Status.IsTerminal() {
		return apperrors.NewInvalidStateError("session", string(s.Status), "delete requires a terminal status")
	}
	delete(m.sessions, id)
	delete(m.checkpoints, id)
	return nil
}

// CountActive counts sessions in non-terminal statuses for tenantID, used
// by the quota gate.
func (m *SessionStore) CountActive(ctx context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, s := range m.sessions {
		if s.TenantID == tenantID && !s.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

// SaveCheckpoint appends a durable checkpoint record.
func (m *SessionStore) SaveCheckpoint(ctx context.Context, cp session.DurableCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.SessionID] = append(m.checkpoints[cp.SessionID], cp)
	return nil
}

// LatestCheckpoint returns the most recent durable checkpoint for a
// session, if any.
func (m *SessionStore) LatestCheckpoint(ctx context.Context, sessionID string) (*session.DurableCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cps := m.checkpoints[sessionID]
	if len(cps) == 0 {
		return nil, apperrors.NewNotFoundError("checkpoint", sessionID)
	}
	cp := cps[len(cps)-1]
	return &cp, nil
}

// AgentStore is an in-memory AgentRepository.
type AgentStore struct {
	mu     sync.Mutex
	agents map[string]*agent.Agent
}

// NewAgentStore builds an empty AgentStore.
func NewAgentStore() *AgentStore {
	return &AgentStore{agents: make(map[string]*agent.Agent)}
}

// Create inserts a, failing if its id already exists.
func (a *AgentStore) Create(ctx context.Context, ag *agent.Agent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.agents[ag.ID]; exists {
		return apperrors.ErrAlreadyExists
	}
	cp := *ag
	a.agents[ag.ID] = &cp
	return nil
}

// Get returns the agent for id.
func (a *AgentStore) Get(ctx context.Context, id string) (*agent.Agent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ag, ok := a.agents[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("agent", id)
	}
	cp := *ag
	return &cp, nil
}

// Update overwrites the stored agent record.
func (a *AgentStore) Update(ctx context.Context, ag *agent.Agent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.agents[ag.ID]; !ok {
		return apperrors.NewNotFoundError("agent", ag.ID)
	}
	cp := *ag
	a.agents[ag.ID] = &cp
	return nil
}

// List returns every agent for tenantID.
func (a *AgentStore) List(ctx context.Context, tenantID string) ([]*agent.Agent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []*agent.Agent
	for _, ag := range a.agents {
		if ag.TenantID == tenantID {
			cp := *ag
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Delete removes an agent; idempotent, per spec §4.5.
func (a *AgentStore) Delete(ctx context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.agents, id)
	return nil
}

// TenantStore is an in-memory TenantRepository.
type TenantStore struct {
	mu      sync.Mutex
	tenants map[string]*tenant.Tenant
}

// NewTenantStore builds an empty TenantStore.
func NewTenantStore() *TenantStore {
	return &TenantStore{tenants: make(map[string]*tenant.Tenant)}
}

// Create inserts t, failing if its id already exists.
func (s *TenantStore) Create(ctx context.Context, t *tenant.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tenants[t.ID]; exists {
		return apperrors.ErrAlreadyExists
	}
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

// Get returns the tenant for id.
func (s *TenantStore) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, apperrors.NewNotFoundError("tenant", id)
	}
	cp := *t
	return &cp, nil
}

// UpdateQuota sets tenant id's active-session ceiling.
func (s *TenantStore) UpdateQuota(ctx context.Context, id string, quota int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return apperrors.NewNotFoundError("tenant", id)
	}
	t.Quota = quota
	return nil
}
