package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/agent"
)

// AgentStore is the Postgres-backed AgentRepository.
type AgentStore struct {
	db *sqlx.DB
}

// NewAgentStore wraps db for sqlx use.
func NewAgentStore(db *sql.DB) *AgentStore {
	return &AgentStore{db: sqlx.NewDb(db, "postgres")}
}

type agentRow struct {
	ID                    string          `db:"id"`
	TenantID              string          `db:"tenant_id"`
	Name                  string          `db:"name"`
	Kind                  string          `db:"kind"`
	Type                  string          `db:"type"`
	Capabilities          json.RawMessage `db:"capabilities"`
	Status                string          `db:"status"`
	Tier                  string          `db:"tier"`
	Load                  float64         `db:"load"`
	MaxConcurrent         int             `db:"max_concurrent"`
	TasksCompleted        int             `db:"tasks_completed"`
	SuccessRate           float64         `db:"success_rate"`
	RegisteredAt          time.Time       `db:"registered_at"`
	LastHeartbeat         sql.NullTime    `db:"last_heartbeat"`
	HeartbeatEverySeconds int             `db:"heartbeat_every_seconds"`
	MissedBeats           int             `db:"missed_beats"`
	EndpointURL           sql.NullString  `db:"endpoint_url"`
	AuthToken             sql.NullString  `db:"auth_token"`
}

func agentToRow(a *agent.Agent) (*agentRow, error) {
	caps := make([]string, 0, len(a.Capabilities))
	for c := range a.Capabilities {
		caps = append(caps, string(c))
	}
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, err
	}
	row := &agentRow{
		ID:                    a.ID,
		TenantID:              a.TenantID,
		Name:                  a.Name,
		Kind:                  string(a.Kind),
		Type:                  string(a.Type),
		Capabilities:          capsJSON,
		Status:                string(a.Status),
		Tier:                  string(a.Tier),
		Load:                  a.Load,
		MaxConcurrent:         a.MaxConcurrent,
		TasksCompleted:        a.TasksCompleted,
		SuccessRate:           a.SuccessRate,
		RegisteredAt:          a.RegisteredAt,
		HeartbeatEverySeconds: int(a.HeartbeatEvery.Seconds()),
		MissedBeats:           a.MissedBeats,
	}
	if !a.LastHeartbeat.IsZero() {
		row.LastHeartbeat = sql.NullTime{Time: a.LastHeartbeat, Valid: true}
	}
	if a.EndpointURL != "" {
		row.EndpointURL = sql.NullString{String: a.EndpointURL, Valid: true}
	}
	if a.AuthToken != "" {
		row.AuthToken = sql.NullString{String: a.AuthToken, Valid: true}
	}
	return row, nil
}

func agentFromRow(row *agentRow) (*agent.Agent, error) {
	var capList []string
	if len(row.Capabilities) > 0 {
		if err := json.Unmarshal(row.Capabilities, &capList); err != nil {
			return nil, err
		}
	}
	caps := make(map[agent.Capability]struct{}, len(capList))
	for _, c := range capList {
		caps[agent.Capability(c)] = struct{}{}
	}
	a := &agent.Agent{
		ID:             row.ID,
		TenantID:       row.TenantID,
		Name:           row.Name,
		Kind:           agent.Kind(row.Kind),
		Type:           agent.Type(row.Type),
		Capabilities:   caps,
		Status:         agent.Status(row.Status),
		Tier:           agent.PerformanceTier(row.Tier),
		Load:           row.Load,
		MaxConcurrent:  row.MaxConcurrent,
		TasksCompleted: row.TasksCompleted,
		SuccessRate:    row.SuccessRate,
		RegisteredAt:   row.RegisteredAt,
		HeartbeatEvery: time.Duration(row.HeartbeatEverySeconds) * time.Second,
		MissedBeats:    row.MissedBeats,
		EndpointURL:    row.EndpointURL.String,
		AuthToken:      row.AuthToken.String,
	}
	if row.LastHeartbeat.Valid {
		a.LastHeartbeat = row.LastHeartbeat.Time
	}
	return a, nil
}

// Create inserts a.
func (r *AgentStore) Create(ctx context.Context, a *agent.Agent) error {
	row, err := agentToRow(a)
	if err != nil {
		return err
	}
	const q = `INSERT INTO agents (
		id, tenant_id, name, kind, type, capabilities, status, tier, load,
		max_concurrent, tasks_completed, success_rate, registered_at,
		last_heartbeat, heartbeat_every_seconds, missed_beats, endpoint_url, auth_token
	) VALUES (
		:id, :tenant_id, :name, :kind, :type, :capabilities, :status, :tier, :load,
		:max_concurrent, :tasks_completed, :success_rate, :registered_at,
		:last_heartbeat, :heartbeat_every_seconds, :missed_beats, :endpoint_url, :auth_token
	)`
	_, err = r.db.NamedExecContext(ctx, q, row)
	return err
}

// Get returns the agent for id.
func (r *AgentStore) Get(ctx context.Context, id string) (*agent.Agent, error) {
	var row agentRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT * FROM agents WHERE id = $1`), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("agent", id)
		}
		return nil, err
	}
	return agentFromRow(&row)
}

// Update persists a's mutable fields (status, load, heartbeat bookkeeping,
// tier, counters).
func (r *AgentStore) Update(ctx context.Context, a *agent.Agent) error {
	row, err := agentToRow(a)
	if err != nil {
		return err
	}
	const q = `UPDATE agents SET
		status = :status, tier = :tier, load = :load, tasks_completed = :tasks_completed,
		success_rate = :success_rate, last_heartbeat = :last_heartbeat, missed_beats = :missed_beats
	WHERE id = :id`
	res, err := r.db.NamedExecContext(ctx, q, row)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return apperrors.NewNotFoundError("agent", a.ID)
	}
	return nil
}

// List returns every agent registered for tenantID.
func (r *AgentStore) List(ctx context.Context, tenantID string) ([]*agent.Agent, error) {
	var rows []agentRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT * FROM agents WHERE tenant_id = $1 ORDER BY name`), tenantID); err != nil {
		return nil, err
	}
	agents := make([]*agent.Agent, 0, len(rows))
	for i := range rows {
		a, err := agentFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, nil
}

// Delete removes an agent registration. Idempotent: deleting an unknown
// id is not an error, matching registry deregistration semantics.
func (r *AgentStore) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM agents WHERE id = $1`), id)
	return err
}
