// Package registry implements the agent registry (C5): registration,
// heartbeat-driven health tracking, capability-aware selection, and
// deregistration, generalising infrastructure/database/repository_interface.go's
// interface-segregation style to an in-process service on top of
// internal/repository.AgentRepository.
package registry

import (
	"context"
	"sort"
	"time"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/agent"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/logging"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/repository"
)

// missedBeatsForDegrade is the consecutive-miss threshold at which an
// active agent is marked degraded, per spec §4.5.
const missedBeatsForDegrade = 3

// Registry is the agent registry service.
type Registry struct {
	repo repository.AgentRepository
	log  *logging.Logger
	now  func() time.Time
}

// New builds a Registry over repo.
func New(repo repository.AgentRepository, log *logging.Logger) *Registry {
	return &Registry{repo: repo, log: log, now: time.Now}
}

// Descriptor is the information needed to register a new agent.
type Descriptor struct {
	TenantID       string
	Name           string
	Type           agent.Type
	Capabilities   []agent.Capability
	MaxConcurrent  int
	HeartbeatEvery time.Duration
	EndpointURL    string
}

// Register creates an agent of the given kind (internal agents arrive
// from configuration, external agents from the registration webhook).
func (r *Registry) Register(ctx context.Context, id string, d Descriptor, kind agent.Kind, authToken string) (*agent.Agent, error) {
	caps := make(map[agent.Capability]struct{}, len(d.Capabilities))
	for _, c := range d.Capabilities {
		caps[c] = struct{}{}
	}
	maxConcurrent := d.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	heartbeatEvery := d.HeartbeatEvery
	if heartbeatEvery <= 0 {
		heartbeatEvery = 30 * time.Second
	}

	a := &agent.Agent{
		ID:             id,
		TenantID:       d.TenantID,
		Name:           d.Name,
		Kind:           kind,
		Type:           d.Type,
		Capabilities:   caps,
		Status:         agent.StatusActive,
		Tier:           agent.TierStandard,
		MaxConcurrent:  maxConcurrent,
		RegisteredAt:   r.now(),
		LastHeartbeat:  r.now(),
		HeartbeatEvery: heartbeatEvery,
		EndpointURL:    d.EndpointURL,
		AuthToken:      authToken,
	}
	if err := r.repo.Create(ctx, a); err != nil {
		return nil, err
	}
	r.log.WithFields(map[string]interface{}{"agent_id": id, "kind": kind}).Info("agent registered")
	return a, nil
}

// Heartbeat records a liveness update, resetting the missed-beat counter
// and recovering from degraded to active.
func (r *Registry) Heartbeat(ctx context.Context, id string, load float64, status agent.Status) (*agent.Agent, error) {
	a, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	a.LastHeartbeat = r.now()
	a.MissedBeats = 0
	a.Load = load
	if status != "" {
		a.Status = status
	}
	if a.Status == agent.StatusDegraded {
		a.Status = agent.StatusActive
	}
	if err := r.repo.Update(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// SweepMissedHeartbeats scans every agent in tenantID and marks any
// whose last heartbeat is overdue by three or more of its declared
// intervals as degraded. Intended to run on a periodic schedule (see
// internal/registry.Sweeper).
func (r *Registry) SweepMissedHeartbeats(ctx context.Context, tenantID string) error {
	agents, err := r.repo.List(ctx, tenantID)
	if err != nil {
		return err
	}
	now := r.now()
	for _, a := range agents {
		if a.Kind != agent.KindExternal && a.Kind != agent.KindInternal {
			continue
		}
		if a.HeartbeatEvery <= 0 {
			continue
		}
		missed := int(now.Sub(a.LastHeartbeat) / a.HeartbeatEvery)
		if missed == a.MissedBeats {
			continue
		}
		a.MissedBeats = missed
		if missed >= missedBeatsForDegrade && a.Status == agent.StatusActive {
			a.Status = agent.StatusDegraded
			r.log.WithField("agent_id", a.ID).Warn("agent marked degraded: missed heartbeats")
		}
		if err := r.repo.Update(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// Pick returns the lowest-load active agent of tenantID with
// requiredCapability, tie-broken by performance tier (elite preferred).
func (r *Registry) Pick(ctx context.Context, tenantID string, requiredCapability agent.Capability) (*agent.Agent, error) {
	agents, err := r.repo.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	candidates := make([]*agent.Agent, 0, len(agents))
	for _, a := range agents {
		if a.IsAvailable() && a.HasCapability(requiredCapability) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, apperrors.ErrNoAgentAvailable
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Load != candidates[j].Load {
			return candidates[i].Load < candidates[j].Load
		}
		return candidates[i].Tier.Rank() < candidates[j].Tier.Rank()
	})
	return candidates[0], nil
}

// Deregister removes an agent registration. Idempotent.
func (r *Registry) Deregister(ctx context.Context, id string) error {
	return r.repo.Delete(ctx, id)
}

// Get returns a single agent by id.
func (r *Registry) Get(ctx context.Context, id string) (*agent.Agent, error) {
	return r.repo.Get(ctx, id)
}

// List returns every agent for tenantID.
func (r *Registry) List(ctx context.Context, tenantID string) ([]*agent.Agent, error) {
	return r.repo.List(ctx, tenantID)
}
