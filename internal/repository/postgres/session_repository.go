// Package postgres implements the SessionRepository and AgentRepository
// ports against Postgres via sqlx, generalising
// infrastructure/database/generic_repository.go's CRUD helpers from a
// PostgREST query-builder style to real SQL with optimistic
// version-column concurrency, as spec §4.4/§6 require.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/session"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/tenant"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/repository"
)

// SessionStore is the Postgres-backed SessionRepository.
type SessionStore struct {
	db *sqlx.DB
}

// NewSessionStore wraps db (already opened via internal/platformdb) for
// sqlx use.
func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: sqlx.NewDb(db, "postgres")}
}

type sessionRow struct {
	ID                 string          `db:"id"`
	TenantID           string          `db:"tenant_id"`
	Type               string          `db:"type"`
	Priority           string          `db:"priority"`
	Status             string          `db:"status"`
	StatusUpdatedAt    time.Time       `db:"status_updated_at"`
	Title              string          `db:"title"`
	Description        string          `db:"description"`
	InitialPrompt      string          `db:"initial_prompt"`
	AgentConfig        json.RawMessage `db:"agent_config"`
	ModelID            string          `db:"model_id"`
	MaxDurationSeconds int             `db:"max_duration_seconds"`
	CPULimit           sql.NullFloat64 `db:"cpu_limit"`
	MemoryMBLimit      sql.NullFloat64 `db:"memory_mb_limit"`
	ParentID           sql.NullString  `db:"parent_id"`
	Metrics            json.RawMessage `db:"metrics"`
	Result             json.RawMessage `db:"result"`
	ErrorKind          sql.NullString  `db:"error_kind"`
	ErrorMessage       sql.NullString  `db:"error_message"`
	ErrorContext       json.RawMessage `db:"error_context"`
	Version            int             `db:"version"`
	CreatedAt          time.Time       `db:"created_at"`
}

func toRow(s *session.Session) (*sessionRow, error) {
	agentConfig, err := json.Marshal(s.AgentConfig)
	if err != nil {
		return nil, err
	}
	metrics, err := json.Marshal(s.Metrics)
	if err != nil {
		return nil, err
	}
	var result json.RawMessage
	if s.Result != nil {
		result, err = json.Marshal(s.Result)
		if err != nil {
			return nil, err
		}
	}
	var errCtx json.RawMessage
	if s.ErrorContext != nil {
		errCtx, err = json.Marshal(s.ErrorContext)
		if err != nil {
			return nil, err
		}
	}

	row := &sessionRow{
		ID:                 s.ID,
		TenantID:           s.TenantID,
		Type:               string(s.Type),
		Priority:           string(s.Priority),
		Status:             string(s.Status),
		StatusUpdatedAt:    s.StatusUpdatedAt,
		Title:              s.Title,
		Description:        s.Description,
		InitialPrompt:      s.InitialPrompt,
		AgentConfig:        agentConfig,
		ModelID:            s.ModelID,
		MaxDurationSeconds: int(s.MaxDuration.Seconds()),
		Metrics:            metrics,
		Result:             result,
		ErrorContext:       errCtx,
		Version:            s.Version,
		CreatedAt:          s.CreatedAt,
	}
	if s.CPULimit != nil {
		row.CPULimit = sql.NullFloat64{Float64: *s.CPULimit, Valid: true}
	}
	if s.MemoryMBLimit != nil {
		row.MemoryMBLimit = sql.NullFloat64{Float64: *s.MemoryMBLimit, Valid: true}
	}
	if s.ParentID != nil {
		row.ParentID = sql.NullString{String: *s.ParentID, Valid: true}
	}
	if s.ErrorKind != "" {
		row.ErrorKind = sql.NullString{String: s.ErrorKind, Valid: true}
	}
	if s.ErrorMessage != "" {
		row.ErrorMessage = sql.NullString{String: s.ErrorMessage, Valid: true}
	}
	return row, nil
}

func fromRow(row *sessionRow) (*session.Session, error) {
	s := &session.Session{
		ID:              row.ID,
		TenantID:        row.TenantID,
		Type:            session.Type(row.Type),
		Priority:        session.Priority(row.Priority),
		Status:          session.Status(row.Status),
		StatusUpdatedAt: row.StatusUpdatedAt,
		Title:           row.Title,
		Description:     row.Description,
		InitialPrompt:   row.InitialPrompt,
		ModelID:         row.ModelID,
		MaxDuration:     time.Duration(row.MaxDurationSeconds) * time.Second,
		Version:         row.Version,
		CreatedAt:       row.CreatedAt,
	}
	if len(row.AgentConfig) > 0 {
		if err := json.Unmarshal(row.AgentConfig, &s.AgentConfig); err != nil {
			return nil, err
		}
	}
	if len(row.Metrics) > 0 {
		if err := json.Unmarshal(row.Metrics, &s.Metrics); err != nil {
			return nil, err
		}
	}
	if len(row.Result) > 0 {
		if err := json.Unmarshal(row.Result, &s.Result); err != nil {
			return nil, err
		}
	}
	if len(row.ErrorContext) > 0 {
		if err := json.Unmarshal(row.ErrorContext, &s.ErrorContext); err != nil {
			return nil, err
		}
	}
	if row.CPULimit.Valid {
		s.CPULimit = &row.CPULimit.Float64
	}
	if row.MemoryMBLimit.Valid {
		s.MemoryMBLimit = &row.MemoryMBLimit.Float64
	}
	if row.ParentID.Valid {
		s.ParentID = &row.ParentID.String
	}
	s.ErrorKind = row.ErrorKind.String
	s.ErrorMessage = row.ErrorMessage.String
	return s, nil
}

// Create inserts s.
func (r *SessionStore) Create(ctx context.Context, s *session.Session) error {
	if id, ok := tenant.IDFromContext(ctx); ok {
		s.TenantID = id
	}
	row, err := toRow(s)
	if err != nil {
		return err
	}
	const q = `INSERT INTO sessions (
		id, tenant_id, type, priority, status, status_updated_at, title, description,
		initial_prompt, agent_config, model_id, max_duration_seconds, cpu_limit,
		memory_mb_limit, parent_id, metrics, result, error_kind, error_message,
		error_context, version, created_at
	) VALUES (
		:id, :tenant_id, :type, :priority, :status, :status_updated_at, :title, :description,
		:initial_prompt, :agent_config, :model_id, :max_duration_seconds, :cpu_limit,
		:memory_mb_limit, :parent_id, :metrics, :result, :error_kind, :error_message,
		:error_context, :version, :created_at
	)`
	_, err = r.db.NamedExecContext(ctx, q, row)
	return err
}

// Get returns the session for id, scoped to the ambient tenant.
func (r *SessionStore) Get(ctx context.Context, id string) (*session.Session, error) {
	var row sessionRow
	q := `SELECT * FROM sessions WHERE id = $1`
	args := []interface{}{id}
	if tenantID, ok := tenant.IDFromContext(ctx); ok {
		q += ` AND tenant_id = $2`
		args = append(args, tenantID)
	}
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(q), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("session", id)
		}
		return nil, err
	}
	return fromRow(&row)
}

// Update persists s iff expectedVersion matches the stored version.
func (r *SessionStore) Update(ctx context.Context, s *session.Session, expectedVersion int) error {
	row, err := toRow(s)
	if err != nil {
		return err
	}

	const q = `UPDATE sessions SET
		status = $1, status_updated_at = $2, agent_config = $3, metrics = $4,
		result = $5, error_kind = $6, error_message = $7, error_context = $8,
		version = $9
	WHERE id = $10 AND version = $11`

	res, err := r.db.ExecContext(ctx, r.db.Rebind(q),
		row.Status, row.StatusUpdatedAt, row.AgentConfig, row.Metrics,
		row.Result, row.ErrorKind, row.ErrorMessage, row.ErrorContext,
		expectedVersion+1, s.ID, expectedVersion,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		current, getErr := r.Get(ctx, s.ID)
		if getErr != nil {
			return apperrors.NewConflictError("session", s.ID, expectedVersion, -1)
		}
		return apperrors.NewConflictError("session", s.ID, expectedVersion, current.Version)
	}
	s.Version = expectedVersion + 1
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// List returns a page of sessions matching filter, ordered by
// (created_at desc, id), scoped to the ambient tenant.
func (r *SessionStore) List(ctx context.Context, filter repository.SessionFilter, page repository.Pagination) (repository.Page[*session.Session], error) {
	limit := page.Limit
	if limit <= 0 {
		limit = repository.DefaultPagination().Limit
	}

	q := `SELECT * FROM sessions WHERE 1=1`
	var args []interface{}

	if tenantID, ok := tenant.IDFromContext(ctx); ok {
		q += " AND tenant_id = " + bindLast(&args, tenantID)
	}
	if len(filter.Status) > 0 {
		statuses := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			statuses[i] = string(st)
		}
		q += " AND status = ANY(" + bindLast(&args, pqStringArray(statuses)) + ")"
	}
	if len(filter.Priority) > 0 {
		priorities := make([]string, len(filter.Priority))
		for i, p := range filter.Priority {
			priorities[i] = string(p)
		}
		q += " AND priority = ANY(" + bindLast(&args, pqStringArray(priorities)) + ")"
	}
	if filter.Search != "" {
		q += " AND title ILIKE " + bindLast(&args, "%"+filter.Search+"%")
	}
	if filter.CreatedAfter != nil {
		q += " AND created_at >= " + bindLast(&args, *filter.CreatedAfter)
	}
	if filter.CreatedBefore != nil {
		q += " AND created_at <= " + bindLast(&args, *filter.CreatedBefore)
	}

	countQuery := "SELECT COUNT(*) FROM (" + q + ") AS filtered"
	var total int
	if err := r.db.GetContext(ctx, &total, r.db.Rebind(countQuery), args...); err != nil {
		return repository.Page[*session.Session]{}, err
	}

	q += " ORDER BY created_at DESC, id ASC LIMIT " + bindLast(&args, limit) + " OFFSET " + bindLast(&args, page.Offset)

	var rows []sessionRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(q), args...); err != nil {
		return repository.Page[*session.Session]{}, err
	}

	items := make([]*session.Session, 0, len(rows))
	for i := range rows {
		s, err := fromRow(&rows[i])
		if err != nil {
			return repository.Page[*session.Session]{}, err
		}
		items = append(items, s)
	}
	return repository.Page[*session.Session]{Items: items, Total: total}, nil
}

func bindLast(args *[]interface{}, v interface{}) string {
	*args = append(*args, v)
	return "$" + itoa(len(*args))
}

// pqStringArray renders a Go string slice as a Postgres text[] value
// understood by lib/pq's array support via ANY($n) binding.
func pqStringArray(values []string) interface{} {
	return pq.Array(values)
}

// Delete removes a session, only if terminal.
func (r *SessionStore) Delete(ctx context.Context, id string) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	if !s.Status.IsTerminal() {
		return apperrors.NewInvalidStateError("session", string(s.Status), "delete requires a terminal status")
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM sessions WHERE id = $1`), id)
	return err
}

// CountActive counts non-terminal sessions for tenantID.
func (r *SessionStore) CountActive(ctx context.Context, tenantID string) (int, error) {
	const q = `SELECT COUNT(*) FROM sessions WHERE tenant_id = $1 AND status NOT IN ('completed','partially_completed','failed','timeout','stopped','cancelled','orphaned')`
	var count int
	err := r.db.GetContext(ctx, &count, r.db.Rebind(q), tenantID)
	return count, err
}

// SaveCheckpoint inserts a durable checkpoint row.
func (r *SessionStore) SaveCheckpoint(ctx context.Context, cp session.DurableCheckpoint) error {
	const q = `INSERT INTO session_checkpoints (session_id, sequence, trigger, data, sha256)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, sequence) DO NOTHING`
	_, err := r.db.ExecContext(ctx, r.db.Rebind(q), cp.SessionID, cp.Sequence, cp.Trigger, cp.Data, cp.SHA256)
	return err
}

// LatestCheckpoint returns the most recent durable checkpoint for a
// session.
func (r *SessionStore) LatestCheckpoint(ctx context.Context, sessionID string) (*session.DurableCheckpoint, error) {
	const q = `SELECT session_id, sequence, trigger, data, sha256, created_at
		FROM session_checkpoints WHERE session_id = $1 ORDER BY sequence DESC LIMIT 1`
	var row struct {
		SessionID string    `db:"session_id"`
		Sequence  int       `db:"sequence"`
		Trigger   string    `db:"trigger"`
		Data      []byte    `db:"data"`
		SHA256    string    `db:"sha256"`
		CreatedAt time.Time `db:"created_at"`
	}
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(q), sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NewNotFoundError("checkpoint", sessionID)
		}
		return nil, err
	}
	return &session.DurableCheckpoint{
		SessionID: row.SessionID,
		Sequence:  row.Sequence,
		Timestamp: row.CreatedAt,
		Trigger:   row.Trigger,
		Data:      row.Data,
		SHA256:    row.SHA256,
	}, nil
}
