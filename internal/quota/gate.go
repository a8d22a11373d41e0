// Package quota implements the tenant & quota gate (C9): the single
// checkpoint every session-mutating request passes through before it
// reaches the repository or the supervisor, generalising
// internal/app/httpapi/auth.go's claim-extraction-then-role-check shape
// from HTTP middleware to a reusable, transport-agnostic gate.
package quota

import (
	"context"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/tenant"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/repository"
)

// Action identifies the operation being gated, per spec §4.9 step 2's
// role table.
type Action string

const (
	ActionCreate       Action = "create"
	ActionRead         Action = "read"
	ActionStart        Action = "start"
	ActionCancel       Action = "cancel"
	ActionDelete       Action = "delete"
	ActionManageAgents Action = "manage_agents"
)

// Gate enforces role permission and, for quota-bearing actions, the
// tenant's active-session ceiling.
type Gate struct {
	tenants  repository.TenantRepository
	sessions repository.SessionRepository
}

// New builds a Gate.
func New(tenants repository.TenantRepository, sessions repository.SessionRepository) *Gate {
	return &Gate{tenants: tenants, sessions: sessions}
}

// Identity is the caller's ambient tenant/role pair, normally extracted
// from a request's JWT claims or X-Tenant-ID header upstream of the
// gate (see internal/httpapi's auth middleware).
type Identity struct {
	TenantID string
	Role     tenant.Role
}

// IdentityFromContext reads the Identity the upstream auth layer placed
// on ctx via tenant.WithTenantID/tenant.WithRole.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := tenant.IDFromContext(ctx)
	if !ok {
		return Identity{}, false
	}
	role, ok := tenant.RoleFromContext(ctx)
	if !ok {
		return Identity{}, false
	}
	return Identity{TenantID: id, Role: role}, true
}

// Check enforces spec §4.9's three-step gate: identity present, role
// permits action, and — for create/start — the tenant is under quota.
// It returns the tenant record on success so callers don't need a
// second lookup.
func (g *Gate) Check(ctx context.Context, identity Identity, action Action) (*tenant.Tenant, error) {
	if !roleAllows(identity.Role, action) {
		return nil, apperrors.NewForbiddenError(string(identity.Role), string(action))
	}

	t, err := g.tenants.Get(ctx, identity.TenantID)
	if err != nil {
		return nil, err
	}

	if !quotaBearing(action) {
		return t, nil
	}

	active, err := g.sessions.CountActive(ctx, identity.TenantID)
	if err != nil {
		return nil, err
	}
	if active >= t.Quota {
		return nil, apperrors.NewQuotaExceededError(identity.TenantID, active, t.Quota)
	}
	return t, nil
}

func roleAllows(role tenant.Role, action Action) bool {
	switch action {
	case ActionCreate:
		return role.CanCreate()
	case ActionRead:
		return role.CanRead()
	case ActionStart, ActionCancel:
		return role.CanStart()
	case ActionDelete, ActionManageAgents:
		return role.CanManageAgents()
	default:
		return false
	}
}

// quotaBearing reports whether action is subject to the active-session
// ceiling. Per spec §4.9 step 3, only create and start are quota-checked,
// both against the same active < quota rule, so a tenant at its ceiling
// can neither create nor start a session; read/cancel/delete are not
// checked.
func quotaBearing(action Action) bool {
	return action == ActionCreate || action == ActionStart
}
