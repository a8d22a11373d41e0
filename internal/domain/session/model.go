// Package session implements the session lifecycle engine (C7): the
// Session entity, its embedded ExecutionMetrics and Checkpoint records,
// the status transition matrix, and the pure in-memory operations the
// engine exposes (Start, Complete, Fail, AddCheckpoint, HealthScore,
// IsRecoverable, DrainEvents). Grounded on domain/automation/model.go's
// entity-plus-status-enum shape, generalised to the 12-state machine
// spec §4.7 describes.
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/events"
)

// Type classifies the kind of work a session performs.
type Type string

const (
	TypePlanning    Type = "planning"
	TypeExecution   Type = "execution"
	TypeReview      Type = "review"
	TypeDebug       Type = "debug"
	TypeIntegration Type = "integration"
)

// Priority classifies scheduling urgency.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
	PriorityDeferred Priority = "deferred"
)

const (
	// MaxCheckpoints bounds the in-entity checkpoint ring per spec §3.
	MaxCheckpoints = 100
	// MaxRetries is the retry ceiling enforced by IsRecoverable, the
	// single source of truth per spec §9's harmonisation note.
	MaxRetries = 3

	minMaxDuration = 60 * time.Second
	maxMaxDuration = 86400 * time.Second
	maxPromptLen   = 10000
)

// deniedTitles is the generic-name deny-list from spec §3, matched
// case-insensitively.
var deniedTitles = map[string]struct{}{
	"test session":        {},
	"new session":         {},
	"untitled":            {},
	"coding task":          {},
	"development session": {},
}

// Warning is a bounded, tagged diagnostic recorded on ExecutionMetrics.
type Warning struct {
	Type      string
	Message   string
	Timestamp time.Time
	Context   map[string]string
}

// ExecutionMetrics is embedded in Session and tracks timing, counters,
// resource samples, and quality signals, per spec §3.
type ExecutionMetrics struct {
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	FailedAt    *time.Time

	QueueDuration     time.Duration
	ExecutionDuration time.Duration
	TotalDuration     time.Duration

	APICalls        int
	APIErrors       int
	RetryCount      int
	CheckpointCount int

	CPUPercent        *float64
	MemoryMB          *float64
	DiskMB            *float64
	NetworkBytesSent  *int64
	NetworkBytesRecv  *int64

	SuccessRate float64
	Confidence  float64
	CostEstimate *float64

	Warnings []Warning
}

// Checkpoint is the in-entity (health-scoring) checkpoint record, bounded
// to MaxCheckpoints, distinct from the durable checkpoint the supervisor
// persists (see internal/domain/session.DurableCheckpoint and DESIGN.md's
// two-tier note).
type Checkpoint struct {
	Sequence  int
	Timestamp time.Time
	Trigger   string
	Data      []byte
}

// DurableCheckpoint is the supervisor-persisted variant, carrying a
// content hash for cheap corruption detection on crash recovery
// (SPEC_FULL.md §C.6).
type DurableCheckpoint struct {
	SessionID string
	Sequence  int
	Timestamp time.Time
	Trigger   string
	Data      []byte
	SHA256    string
}

// Session is the central orchestrator entity.
type Session struct {
	ID        string
	TenantID  string
	CreatedAt time.Time

	Type     Type
	Priority Priority

	Status          Status
	StatusUpdatedAt time.Time

	Title         string
	Description   string
	InitialPrompt string
	AgentConfig   map[string]map[string]interface{}
	ModelID       string

	MaxDuration time.Duration
	CPULimit    *float64
	MemoryMBLimit *float64

	ParentID *string
	ChildIDs []string

	Metrics ExecutionMetrics

	Checkpoints []Checkpoint

	Result       map[string]interface{}
	ErrorKind    string
	ErrorMessage string
	ErrorContext map[string]string

	Version int

	uncommitted []events.Event
}

// New constructs a Session from validated inputs, in status pending. It
// returns a *apperrors.ValidationError wrapping error for every invariant
// spec §3 names.
func New(tenantID string, typ Type, priority Priority, title, description, initialPrompt string, agentConfig map[string]map[string]interface{}, modelID string, maxDuration time.Duration) (*Session, error) {
	if tenantID == "" {
		return nil, apperrors.NewValidationError("tenant_id", "must not be empty")
	}
	if err := validateTitle(title); err != nil {
		return nil, err
	}
	if len(initialPrompt) == 0 || len(initialPrompt) > maxPromptLen {
		return nil, apperrors.NewValidationError("initial_prompt", "must be 1-10000 characters")
	}
	if maxDuration < minMaxDuration || maxDuration > maxMaxDuration {
		return nil, apperrors.NewValidationError("max_duration", "must be between 60s and 86400s")
	}

	now := time.Now().UTC()
	s := &Session{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		CreatedAt:       now,
		Type:            typ,
		Priority:        priority,
		Status:          StatusPending,
		StatusUpdatedAt: now,
		Title:           title,
		Description:     description,
		InitialPrompt:   initialPrompt,
		AgentConfig:     agentConfig,
		ModelID:         modelID,
		MaxDuration:     maxDuration,
		Metrics:         ExecutionMetrics{CreatedAt: now},
		Version:         1,
	}
	s.emit(events.KindSessionCreated, nil)
	return s, nil
}

func validateTitle(title string) error {
	if title == "" {
		return apperrors.NewValidationError("title", "must not be empty")
	}
	lower := lowerASCII(title)
	if _, denied := deniedTitles[lower]; denied {
		return apperrors.NewValidationError("title", "must not be a generic placeholder name")
	}
	return nil
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func (s *Session) emit(kind events.Kind, payload interface{}) {
	from := s.Status
	s.uncommitted = append(s.uncommitted, events.Event{
		Kind:    kind,
		Room:    s.ID,
		Payload: payload,
		IdempotencyKey: idempotencyKey(s.ID, string(from), string(s.Status), s.StatusUpdatedAt),
	})
}

func idempotencyKey(sessionID, from, to string, at time.Time) string {
	return sessionID + "|" + from + "|" + to + "|" + at.UTC().Format(time.RFC3339Nano)
}

// transitionTo moves the session to target, validating against the
// matrix and stamping StatusUpdatedAt, then buffers a status_changed
// event. Every exported lifecycle operation below goes through this
// except Requeue and Orphan, which transition directly.
func (s *Session) transitionTo(target Status) error {
	if !s.Status.CanTransition(target) {
		return apperrors.NewInvalidTransitionError("session", string(s.Status), string(target))
	}
	from := s.Status
	s.Status = target
	s.StatusUpdatedAt = time.Now().UTC()
	s.uncommitted = append(s.uncommitted, events.Event{
		Kind: events.KindSessionStatusChanged,
		Room: s.ID,
		Payload: map[string]string{
			"from": string(from),
			"to":   string(target),
		},
		IdempotencyKey: idempotencyKey(s.ID, string(from), string(target), s.StatusUpdatedAt),
	})
	return nil
}

// Start moves queued (or partially_completed) -> running, stamping
// started_at and queue_duration.
func (s *Session) Start() error {
	if err := s.transitionTo(StatusRunning); err != nil {
		return err
	}
	now := time.Now().UTC()
	s.Metrics.StartedAt = &now
	s.Metrics.QueueDuration = now.Sub(s.Metrics.CreatedAt)
	return nil
}

// Complete moves the session to completed, stamping completed_at and
// execution_duration and recording the result payload.
func (s *Session) Complete(result map[string]interface{}) error {
	if err := s.transitionTo(StatusCompleted); err != nil {
		return err
	}
	s.finishSuccess(result)
	s.uncommitted = append(s.uncommitted, events.Event{Kind: events.KindSessionCompleted, Room: s.ID, Payload: result})
	return nil
}

// PartiallyComplete moves the session to partially_completed.
func (s *Session) PartiallyComplete(result map[string]interface{}) error {
	if err := s.transitionTo(StatusPartiallyCompleted); err != nil {
		return err
	}
	s.finishSuccess(result)
	return nil
}

func (s *Session) finishSuccess(result map[string]interface{}) {
	now := time.Now().UTC()
	s.Metrics.CompletedAt = &now
	if s.Metrics.StartedAt != nil {
		s.Metrics.ExecutionDuration = now.Sub(*s.Metrics.StartedAt)
	}
	s.Metrics.TotalDuration = now.Sub(s.Metrics.CreatedAt)
	s.Result = result
}

// Fail moves the session to failed, capturing the error kind, message,
// and structured context.
func (s *Session) Fail(kind, message string, context map[string]string) error {
	if err := s.transitionTo(StatusFailed); err != nil {
		return err
	}
	s.finishFailure(kind, message, context)
	s.uncommitted = append(s.uncommitted, events.Event{Kind: events.KindSessionFailed, Room: s.ID, Payload: message})
	return nil
}

// Timeout moves the session to timeout, a deadline-breached terminal
// failure distinct from Fail only in status value.
func (s *Session) Timeout(context map[string]string) error {
	if err := s.transitionTo(StatusTimeout); err != nil {
		return err
	}
	s.finishFailure("timeout", "max_duration exceeded", context)
	return nil
}

// Stop moves the session to stopped (an operator- or cancellation-driven
// halt, distinct from failure).
func (s *Session) Stop() error {
	if err := s.transitionTo(StatusStopped); err != nil {
		return err
	}
	s.finishFailure("stopped", "session stopped", nil)
	return nil
}

// Cancel moves the session to cancelled.
func (s *Session) Cancel() error {
	if err := s.transitionTo(StatusCancelled); err != nil {
		return err
	}
	s.finishFailure("cancelled", "session cancelled", nil)
	return nil
}

// Pause moves running -> paused.
func (s *Session) Pause() error { return s.transitionTo(StatusPaused) }

// Resume moves paused -> running.
func (s *Session) Resume() error { return s.transitionTo(StatusRunning) }

// Degrade moves running -> degraded, used when the assigned agent's
// health declines mid-execution without yet failing the session.
func (s *Session) Degrade() error { return s.transitionTo(StatusDegraded) }

// Queue moves pending -> queued.
func (s *Session) Queue() error { return s.transitionTo(StatusQueued) }

// Requeue moves a recoverable terminal-by-matrix session (failed,
// timeout, stopped) back to queued for a retried supervision attempt.
// IsRecoverableStatus's statuses have no listed outgoing edge in the
// §4.7 matrix (they are matrix-terminal), yet §4.8's finalise step
// requires exactly this transition for a retryable failure; Requeue
// resolves that gap the same way Orphan resolves its own missing
// source row, by transitioning directly and bypassing CanTransition.
// Callers must have already checked IsRecoverable.
func (s *Session) Requeue() error {
	if !s.Status.IsRecoverableStatus() {
		return apperrors.NewInvalidTransitionError("session", string(s.Status), string(StatusQueued))
	}
	from := s.Status
	s.Status = StatusQueued
	s.StatusUpdatedAt = time.Now().UTC()
	s.uncommitted = append(s.uncommitted, events.Event{
		Kind:           events.KindSessionStatusChanged,
		Room:           s.ID,
		Payload:        map[string]string{"from": string(from), "to": string(StatusQueued)},
		IdempotencyKey: idempotencyKey(s.ID, string(from), string(StatusQueued), s.StatusUpdatedAt),
	})
	return nil
}

// Orphan marks the session orphaned — terminal, used when no supervisor
// can ever re-claim it (e.g. its tenant was deleted).
func (s *Session) Orphan(reason string) error {
	// orphaned has no listed source row in the matrix text beyond being
	// a terminal sink; permit it from any non-terminal status, since the
	// spec lists it only in the terminal set and never as a disallowed
	// target.
	if s.Status.IsTerminal() {
		return apperrors.NewInvalidTransitionError("session", string(s.Status), string(StatusOrphaned))
	}
	from := s.Status
	s.Status = StatusOrphaned
	s.StatusUpdatedAt = time.Now().UTC()
	s.ErrorKind = "orphaned"
	s.ErrorMessage = reason
	s.uncommitted = append(s.uncommitted, events.Event{
		Kind: events.KindSessionStatusChanged,
		Room: s.ID,
		Payload: map[string]string{"from": string(from), "to": string(StatusOrphaned)},
		IdempotencyKey: idempotencyKey(s.ID, string(from), string(StatusOrphaned), s.StatusUpdatedAt),
	})
	return nil
}

func (s *Session) finishFailure(kind, message string, context map[string]string) {
	now := time.Now().UTC()
	s.Metrics.FailedAt = &now
	if s.Metrics.StartedAt != nil {
		s.Metrics.ExecutionDuration = now.Sub(*s.Metrics.StartedAt)
	}
	s.Metrics.TotalDuration = now.Sub(s.Metrics.CreatedAt)
	s.ErrorKind = kind
	s.ErrorMessage = message
	s.ErrorContext = context
}

// IncrementRetry bumps retry_count; callers must check IsRecoverable
// first, since retry_count is capped at MaxRetries per spec §3.
func (s *Session) IncrementRetry() {
	s.Metrics.RetryCount++
}

// AddCheckpoint appends an in-entity checkpoint, incrementing
// checkpoint_count and evicting the oldest entry once the ring exceeds
// MaxCheckpoints.
func (s *Session) AddCheckpoint(data []byte, trigger string) Checkpoint {
	seq := len(s.Checkpoints) + 1
	if len(s.Checkpoints) > 0 {
		seq = s.Checkpoints[len(s.Checkpoints)-1].Sequence + 1
	}
	cp := Checkpoint{Sequence: seq, Timestamp: time.Now().UTC(), Trigger: trigger, Data: data}
	s.Checkpoints = append(s.Checkpoints, cp)
	if len(s.Checkpoints) > MaxCheckpoints {
		s.Checkpoints = s.Checkpoints[len(s.Checkpoints)-MaxCheckpoints:]
	}
	s.Metrics.CheckpointCount++
	s.uncommitted = append(s.uncommitted, events.Event{Kind: events.KindSessionCheckpointAdded, Room: s.ID, Payload: cp.Sequence})
	return cp
}

// LatestCheckpoint returns the most recent checkpoint, or false if none
// exist.
func (s *Session) LatestCheckpoint() (Checkpoint, bool) {
	if len(s.Checkpoints) == 0 {
		return Checkpoint{}, false
	}
	return s.Checkpoints[len(s.Checkpoints)-1], true
}

// HealthScore returns a [0,1] score per spec §4.7: 1.0 completed, 0.0
// failed or timeout, time-budget-based for running, 0.8 default otherwise.
func (s *Session) HealthScore() float64 {
	switch s.Status {
	case StatusCompleted:
		return 1.0
	case StatusFailed, StatusTimeout:
		return 0.0
	case StatusRunning:
		if s.Metrics.StartedAt == nil || s.MaxDuration <= 0 {
			return 0.8
		}
		elapsed := time.Since(*s.Metrics.StartedAt)
		frac := float64(elapsed) / float64(s.MaxDuration)
		switch {
		case frac < 0.7:
			return 0.9
		case frac < 0.9:
			return 0.7
		default:
			return 0.3
		}
	default:
		return 0.8
	}
}

// IsRecoverable reports whether the session is eligible for a retried
// supervision attempt: status is failed/timeout/stopped (or, per the
// SPEC_FULL.md resolution of spec §9's open question, partially_completed),
// at least one checkpoint exists, and retry_count is under MaxRetries.
// This is the sole retry-ceiling authority; the supervisor never applies
// an independent cap.
func (s *Session) IsRecoverable() bool {
	recoverableStatus := s.Status.IsRecoverableStatus() || s.Status == StatusPartiallyCompleted
	if !recoverableStatus {
		return false
	}
	if len(s.Checkpoints) == 0 {
		return false
	}
	return s.Metrics.RetryCount < MaxRetries
}

// DrainEvents returns and clears the buffered domain events, per
// spec §4.7's drain_events().
func (s *Session) DrainEvents() []events.Event {
	out := s.uncommitted
	s.uncommitted = nil
	return out
}

// AddWarning appends a bounded warning record; the list is capped the
// same way checkpoints are, at MaxCheckpoints, to keep the entity bounded.
func (s *Session) AddWarning(kind, message string, context map[string]string) {
	s.Metrics.Warnings = append(s.Metrics.Warnings, Warning{
		Type: kind, Message: message, Timestamp: time.Now().UTC(), Context: context,
	})
	if len(s.Metrics.Warnings) > MaxCheckpoints {
		s.Metrics.Warnings = s.Metrics.Warnings[len(s.Metrics.Warnings)-MaxCheckpoints:]
	}
}
