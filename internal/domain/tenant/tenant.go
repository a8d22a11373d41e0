// Package tenant defines the Tenant entity and ambient request-context
// propagation (tenant id, role) consulted by the repository and quota
// gate, grounded on the teacher's context.WithValue tenant-propagation
// middleware.
package tenant

import "context"

// Role is a user's permission level within a tenant, per spec §4.9.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleOperator    Role = "operator"
	RoleContributor Role = "contributor"
	RoleViewer      Role = "viewer"
)

// Tenant is an isolation boundary owning sessions, agents, and quotas.
type Tenant struct {
	ID          string
	DisplayName string
	Quota       int // active-session hard ceiling
}

type ctxKey int

const (
	ctxTenantIDKey ctxKey = iota
	ctxRoleKey
)

// WithTenantID returns a context carrying tenantID for downstream
// repository/gate calls.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, ctxTenantIDKey, tenantID)
}

// IDFromContext extracts the active tenant id, if any.
func IDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxTenantIDKey).(string)
	return v, ok
}

// WithRole returns a context carrying the caller's role.
func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, ctxRoleKey, role)
}

// RoleFromContext extracts the caller's role, if any.
func RoleFromContext(ctx context.Context) (Role, bool) {
	v, ok := ctx.Value(ctxRoleKey).(Role)
	return v, ok
}

// CanCreate reports whether role may create sessions, per spec §4.9.
func (r Role) CanCreate() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleContributor:
		return true
	default:
		return false
	}
}

// CanStart reports whether role may start/cancel sessions.
func (r Role) CanStart() bool {
	switch r {
	case RoleAdmin, RoleOperator:
		return true
	default:
		return false
	}
}

// CanManageAgents reports whether role may delete sessions or manage
// agents.
func (r Role) CanManageAgents() bool {
	return r == RoleAdmin
}

// CanRead reports whether role may read (every role can).
func (r Role) CanRead() bool {
	switch r {
	case RoleAdmin, RoleOperator, RoleContributor, RoleViewer:
		return true
	default:
		return false
	}
}
