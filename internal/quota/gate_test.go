package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/session"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/tenant"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/repository/memory"
)

func newGate(t *testing.T, quota int) (*Gate, *memory.SessionStore) {
	t.Helper()
	tenants := memory.NewTenantStore()
	require.NoError(t, tenants.Create(context.Background(), &tenant.Tenant{ID: "t1", DisplayName: "Tenant One", Quota: quota}))
	sessions := memory.NewSessionStore()
	return New(tenants, sessions), sessions
}

func TestCheck_ViewerCanReadButNotCreate(t *testing.T) {
	g, _ := newGate(t, 10)

	_, err := g.Check(context.Background(), Identity{TenantID: "t1", Role: tenant.RoleViewer}, ActionRead)
	require.NoError(t, err)

	_, err = g.Check(context.Background(), Identity{TenantID: "t1", Role: tenant.RoleViewer}, ActionCreate)
	require.Error(t, err)
	assert.True(t, apperrors.IsForbidden(err))
}

func TestCheck_ContributorCanCreateButNotStart(t *testing.T) {
	g, _ := newGate(t, 10)

	_, err := g.Check(context.Background(), Identity{TenantID: "t1", Role: tenant.RoleContributor}, ActionCreate)
	require.NoError(t, err)

	_, err = g.Check(context.Background(), Identity{TenantID: "t1", Role: tenant.RoleContributor}, ActionStart)
	require.Error(t, err)
	assert.True(t, apperrors.IsForbidden(err))
}

func TestCheck_OnlyAdminCanManageAgentsOrDelete(t *testing.T) {
	g, _ := newGate(t, 10)

	_, err := g.Check(context.Background(), Identity{TenantID: "t1", Role: tenant.RoleOperator}, ActionManageAgents)
	require.Error(t, err)

	_, err = g.Check(context.Background(), Identity{TenantID: "t1", Role: tenant.RoleAdmin}, ActionManageAgents)
	require.NoError(t, err)

	_, err = g.Check(context.Background(), Identity{TenantID: "t1", Role: tenant.RoleOperator}, ActionDelete)
	require.Error(t, err)

	_, err = g.Check(context.Background(), Identity{TenantID: "t1", Role: tenant.RoleAdmin}, ActionDelete)
	require.NoError(t, err)
}

func TestCheck_QuotaExceededBlocksCreateAndStart(t *testing.T) {
	g, sessions := newGate(t, 1)
	ctx := context.Background()

	s, err := session.New("t1", session.TypeExecution, session.PriorityMedium, "implement x", "", "do it", nil, "", time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Queue())
	require.NoError(t, sessions.Create(ctx, s))

	_, err = g.Check(ctx, Identity{TenantID: "t1", Role: tenant.RoleContributor}, ActionCreate)
	require.Error(t, err)
	assert.True(t, apperrors.IsQuotaExceeded(err))

	_, err = g.Check(ctx, Identity{TenantID: "t1", Role: tenant.RoleOperator}, ActionStart)
	require.Error(t, err)
	assert.True(t, apperrors.IsQuotaExceeded(err))

	active, countErr := sessions.CountActive(ctx, "t1")
	require.NoError(t, countErr)
	assert.Equal(t, 1, active, "a rejected create must not have incremented active count")
}

func TestCheck_ReadAndCancelAreNotQuotaBearing(t *testing.T) {
	g, sessions := newGate(t, 0)
	ctx := context.Background()

	_, err := g.Check(ctx, Identity{TenantID: "t1", Role: tenant.RoleViewer}, ActionRead)
	require.NoError(t, err)

	_, err = g.Check(ctx, Identity{TenantID: "t1", Role: tenant.RoleOperator}, ActionCancel)
	require.NoError(t, err)

	_ = sessions
}

func TestCheck_UnknownTenantIsNotFound(t *testing.T) {
	g, _ := newGate(t, 10)
	_, err := g.Check(context.Background(), Identity{TenantID: "ghost", Role: tenant.RoleAdmin}, ActionRead)
	require.Error(t, err)
	assert.True(t, apperrors.IsNotFound(err))
}

func TestIdentityFromContext_RequiresBothTenantAndRole(t *testing.T) {
	_, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)

	ctx := tenant.WithTenantID(context.Background(), "t1")
	_, ok = IdentityFromContext(ctx)
	assert.False(t, ok, "role missing")

	ctx = tenant.WithRole(ctx, tenant.RoleAdmin)
	id, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "t1", id.TenantID)
	assert.Equal(t, tenant.RoleAdmin, id.Role)
}
