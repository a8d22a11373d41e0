// Package repository defines the tenant-scoped storage ports (C4) the
// rest of the core depends on, following the interface-segregation
// pattern of infrastructure/database/repository_interface.go.
package repository

import (
	"context"
	"time"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/agent"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/session"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/tenant"
)

// Pagination bounds a list query, mirroring
// infrastructure/database/errors.go's PaginationParams.
type Pagination struct {
	Limit  int
	Offset int
}

// DefaultPagination returns a conservative page size.
func DefaultPagination() Pagination { return Pagination{Limit: 50, Offset: 0} }

// SessionFilter narrows list() by the fields spec §4.4 names.
type SessionFilter struct {
	Status    []session.Status
	Priority  []session.Priority
	Search    string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
}

// Page is a single page of results plus the total matching count.
type Page[T any] struct {
	Items []T
	Total int
}

// SessionRepository is the session storage port (C4). Every method is
// implicitly scoped to the tenant id carried in ctx (see
// internal/domain/tenant); cross-tenant access is impossible through
// this interface.
type SessionRepository interface {
	Create(ctx context.Context, s *session.Session) error
	Get(ctx context.Context, id string) (*session.Session, error)
	// Update succeeds iff the stored version equals expectedVersion,
	// then increments it; otherwise returns an apperrors conflict error.
	Update(ctx context.Context, s *session.Session, expectedVersion int) error
	List(ctx context.Context, filter SessionFilter, page Pagination) (Page[*session.Session], error)
	// Delete is only permitted when the session's status is terminal.
	Delete(ctx context.Context, id string) error
	CountActive(ctx context.Context, tenantID string) (int, error)
	SaveCheckpoint(ctx context.Context, cp session.DurableCheckpoint) error
	LatestCheckpoint(ctx context.Context, sessionID string) (*session.DurableCheckpoint, error)
}

// AgentRepository is the agent registry storage port (C5).
type AgentRepository interface {
	Create(ctx context.Context, a *agent.Agent) error
	Get(ctx context.Context, id string) (*agent.Agent, error)
	Update(ctx context.Context, a *agent.Agent) error
	List(ctx context.Context, tenantID string) ([]*agent.Agent, error)
	Delete(ctx context.Context, id string) error
}

// TenantRepository is the tenant/quota storage port (C9's dependency):
// it is the authoritative source for a tenant's active-session ceiling.
type TenantRepository interface {
	Get(ctx context.Context, id string) (*tenant.Tenant, error)
	Create(ctx context.Context, t *tenant.Tenant) error
	UpdateQuota(ctx context.Context, id string, quota int) error
}

// UnitOfWork wraps a single supervisor step's repository-touching work in
// one transaction, per spec §4.4's "unit of work" requirement.
type UnitOfWork interface {
	// Do runs fn inside a transaction, committing on success and rolling
	// back on error or panic.
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}
