package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/agent"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/logging"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/repository/memory"
)

func newTestRegistry(t *testing.T) (*Registry, *memory.AgentStore) {
	t.Helper()
	store := memory.NewAgentStore()
	reg := New(store, logging.NewDefault("registry-test"))
	return reg, store
}

func TestRegister_CreatesActiveAgent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	a, err := reg.Register(context.Background(), "agent-1", Descriptor{
		TenantID:     "tenant-1",
		Name:         "implementer-1",
		Type:         agent.TypeImplementer,
		Capabilities: []agent.Capability{agent.CapabilityCodeGeneration},
	}, agent.KindInternal, "")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusActive, a.Status)
	assert.Equal(t, 1, a.MaxConcurrent)
	assert.True(t, a.HasCapability(agent.CapabilityCodeGeneration))
}

func TestHeartbeat_RecoversFromDegraded(t *testing.T) {
	reg, store := newTestRegistry(t)
	_, err := reg.Register(context.Background(), "agent-1", Descriptor{TenantID: "t1", Name: "a"}, agent.KindInternal, "")
	require.NoError(t, err)

	a, _ := store.Get(context.Background(), "agent-1")
	a.Status = agent.StatusDegraded
	a.MissedBeats = 5
	require.NoError(t, store.Update(context.Background(), a))

	updated, err := reg.Heartbeat(context.Background(), "agent-1", 0.2, "")
	require.NoError(t, err)
	assert.Equal(t, agent.StatusActive, updated.Status)
	assert.Equal(t, 0, updated.MissedBeats)
	assert.Equal(t, 0.2, updated.Load)
}

func TestSweepMissedHeartbeats_DegradesAfterThreeMisses(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.Register(ctx, "agent-1", Descriptor{TenantID: "t1", Name: "a", HeartbeatEvery: time.Second}, agent.KindInternal, "")
	require.NoError(t, err)

	stale := func(s time.Duration) {
		a, _ := store.Get(ctx, "agent-1")
		a.LastHeartbeat = time.Now().Add(-s)
		require.NoError(t, store.Update(ctx, a))
	}

	stale(2 * time.Second)
	require.NoError(t, reg.SweepMissedHeartbeats(ctx, "t1"))
	a, _ := store.Get(ctx, "agent-1")
	assert.Equal(t, agent.StatusActive, a.Status, "two missed beats should not degrade")

	stale(4 * time.Second)
	require.NoError(t, reg.SweepMissedHeartbeats(ctx, "t1"))
	a, _ = store.Get(ctx, "agent-1")
	assert.Equal(t, agent.StatusDegraded, a.Status, "three missed beats should degrade")
}

func TestPick_PrefersLowestLoadThenTier(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	mk := func(id string, load float64, tier agent.PerformanceTier) {
		require.NoError(t, store.Create(ctx, &agent.Agent{
			ID: id, TenantID: "t1", Status: agent.StatusActive, Tier: tier, Load: load,
			Capabilities: map[agent.Capability]struct{}{agent.CapabilityTesting: {}},
		}))
	}
	mk("low-standard", 0.2, agent.TierStandard)
	mk("low-elite", 0.2, agent.TierElite)
	mk("high-elite", 0.9, agent.TierElite)

	picked, err := reg.Pick(ctx, "t1", agent.CapabilityTesting)
	require.NoError(t, err)
	assert.Equal(t, "low-elite", picked.ID)
}

func TestPick_NoAgentAvailable(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.Pick(context.Background(), "t1", agent.CapabilityTesting)
	assert.ErrorIs(t, err, apperrors.ErrNoAgentAvailable)
}

func TestPick_ExcludesOverloadedAndWrongCapability(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &agent.Agent{
		ID: "full", TenantID: "t1", Status: agent.StatusActive, Load: 1.0,
		Capabilities: map[agent.Capability]struct{}{agent.CapabilityTesting: {}},
	}))
	require.NoError(t, store.Create(ctx, &agent.Agent{
		ID: "wrong-cap", TenantID: "t1", Status: agent.StatusActive, Load: 0.1,
		Capabilities: map[agent.Capability]struct{}{agent.CapabilityDebugging: {}},
	}))
	_, err := reg.Pick(ctx, "t1", agent.CapabilityTesting)
	assert.ErrorIs(t, err, apperrors.ErrNoAgentAvailable)
}

func TestDeregister_IsIdempotent(t *testing.T) {
	reg, _ := newTestRegistry(t)
	require.NoError(t, reg.Deregister(context.Background(), "never-registered"))
}
