// Package supervisor implements the session supervisor (C8), the heart
// of the orchestrator: one re-entrant supervision attempt per call,
// generalising applications/system/manager.go's guarded-start /
// deterministic-teardown lifecycle discipline from whole-process
// management to a single session's fence -> dispatch -> observe ->
// finalise -> release sequence.
package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/dispatch"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/agent"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/session"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/events"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/lock"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/logging"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/metrics"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/registry"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/repository"
)

// capabilityForType maps a session's type to the agent capability the
// registry should resolve against, since the spec defines profile
// matching at the session-type granularity.
var capabilityForType = map[session.Type]agent.Capability{
	session.TypePlanning:    agent.CapabilityCodeGeneration,
	session.TypeExecution:   agent.CapabilityCodeGeneration,
	session.TypeReview:      agent.CapabilityCodeReview,
	session.TypeDebug:       agent.CapabilityDebugging,
	session.TypeIntegration: agent.CapabilityTesting,
}

const (
	defaultCheckpointInterval = 300 * time.Second
	defaultRetryBaseDelay     = 5 * time.Second
	defaultRetryMultiplier    = 2.0
	maxLockTTL                = 30 * time.Minute
)

// Config controls supervision-attempt behaviour.
type Config struct {
	InstanceID         string
	CheckpointInterval time.Duration
	RetryBaseDelay     time.Duration
	RetryMultiplier    float64
}

// RetryQueue re-enqueues a session for a future supervision attempt.
// It may be nil, as cmd/orchestrator passes it: a requeued session then
// stays queued until Supervise is next called for it.
type RetryQueue interface {
	Enqueue(ctx context.Context, sessionID string, after time.Duration)
}

// Supervisor drives one session through a single supervision attempt.
type Supervisor struct {
	cfg Config

	locks    *lock.Service
	sessions repository.SessionRepository
	uow      repository.UnitOfWork
	registry *registry.Registry
	bus      *events.Bus
	log      *logging.Logger
	retryQ   RetryQueue

	internalAdapter func(a *agent.Agent) dispatch.Adapter
	externalAdapter func(a *agent.Agent) dispatch.Adapter
}

// New builds a Supervisor. internalAdapter and externalAdapter build the
// right dispatch.Adapter for an agent, kept as two injected funcs so the supervisor never imports the concrete
// internaladapter/externaladapter packages (those, in turn, never import
// the supervisor), avoiding a dependency cycle and letting callers supply
// fakes in tests.
func New(
	cfg Config,
	locks *lock.Service,
	sessions repository.SessionRepository,
	uow repository.UnitOfWork,
	reg *registry.Registry,
	bus *events.Bus,
	log *logging.Logger,
	retryQ RetryQueue,
	internalAdapter func(a *agent.Agent) dispatch.Adapter,
	externalAdapter func(a *agent.Agent) dispatch.Adapter,
) *Supervisor {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = defaultCheckpointInterval
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryBaseDelay
	}
	if cfg.RetryMultiplier <= 0 {
		cfg.RetryMultiplier = defaultRetryMultiplier
	}
	return &Supervisor{
		cfg: cfg, locks: locks, sessions: sessions, uow: uow, registry: reg,
		bus: bus, log: log, retryQ: retryQ,
		internalAdapter: internalAdapter, externalAdapter: externalAdapter,
	}
}

// Cancellable lets an external cancel(id) call reach an in-flight
// supervision attempt; Supervise checks it between every poll step.
type Cancellable interface {
	Cancelled(sessionID string) bool
}

// Supervise runs exactly one supervision attempt for sessionID, per
// spec §4.8's numbered algorithm. It is safe to call concurrently from
// multiple orchestrator instances; only one attempt per session will
// ever hold the fence.
func (s *Supervisor) Supervise(ctx context.Context, sessionID string, cancel Cancellable) error {
	started := time.Now()
	outcome := "noop"
	defer func() { metrics.ObserveSupervisorAttempt(outcome, time.Since(started)) }()

	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		outcome = "error"
		return err
	}
	// Running is admitted alongside pending/queued/recoverable because a
	// running session left behind by a crashed instance is exactly the
	// re-entrant case spec §4.8/§5 require a later supervisor to re-drive;
	// the lock acquired below is what actually distinguishes that case
	// from a still-alive attempt (Acquire returns BUSY for the latter).
	eligible := sess.Status == session.StatusPending || sess.Status == session.StatusQueued ||
		sess.IsRecoverable() ||
		(sess.Status == session.StatusRunning && sess.Metrics.RetryCount < session.MaxRetries)
	if !eligible {
		// Re-entrancy: an already-terminal session is a safe no-op, per
		// spec §8's idempotence property. Queued is eligible alongside
		// pending because a retried session is requeued (see
		// Session.Requeue) rather than left pending.
		return nil
	}

	ttl := sess.MaxDuration
	if ttl <= 0 || ttl > maxLockTTL {
		ttl = maxLockTTL
	}
	holder := fmt.Sprintf("%s:%s:%d", s.cfg.InstanceID, sessionID, time.Now().UnixNano())

	token, err := s.locks.Acquire(ctx, "session:"+sessionID, holder, ttl)
	if err != nil {
		if apperrors.IsValidation(err) {
			outcome = "error"
			return err
		}
		// BUSY: another instance already supervises this session.
		outcome = "busy"
		metrics.RecordLockContention("session:" + sessionID)
		return nil
	}
	defer func() { _ = s.locks.Release(context.Background(), token) }()

	sess, err = s.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	expectedVersion := sess.Version

	if sess.Status == session.StatusRunning {
		// Acquire above only succeeded because the previous holder's
		// lease lapsed — a live attempt would still hold the lock and
		// Acquire would have returned BUSY instead. This is crash
		// recovery: hydrate the in-entity checkpoint ring from the
		// durable tier (SaveCheckpoint's counterpart) so IsRecoverable
		// and health-scoring see the attempt's history even though the
		// crashed process's in-memory Session object is gone, then
		// re-drive with a fresh dispatch.
		if cp, cpErr := s.sessions.LatestCheckpoint(ctx, sessionID); cpErr == nil && cp != nil {
			sess.Checkpoints = append(sess.Checkpoints, session.Checkpoint{
				Sequence: cp.Sequence, Timestamp: cp.Timestamp, Trigger: cp.Trigger, Data: cp.Data,
			})
		}
		sess.IncrementRetry()
	} else {
		// A pending session has no direct edge to running in the transition
		// matrix; a single supervision attempt queues it first so "start"
		// always lands on an allowed edge (pending -> queued -> running).
		if sess.Status == session.StatusPending {
			if err := sess.Queue(); err != nil {
				return s.commit(ctx, sess, expectedVersion)
			}
		}
		if err := sess.Start(); err != nil {
			return s.commit(ctx, sess, expectedVersion)
		}
	}
	if err := s.commit(ctx, sess, expectedVersion); err != nil {
		return err
	}
	expectedVersion = sess.Version

	requiredCap := capabilityForType[sess.Type]
	chosen, err := s.registry.Pick(ctx, sess.TenantID, requiredCap)
	if err != nil {
		_ = sess.Fail("no_agent", "no agent available for required capability", map[string]string{"capability": string(requiredCap)})
		outcome = "no_agent"
		return s.commit(ctx, sess, expectedVersion)
	}

	adapter := s.resolveAdapter(chosen)
	result, execErr := s.dispatch(ctx, token, sess, chosen, adapter, cancel)

	// finalise on sess itself rather than a reloaded copy: the
	// checkpoints and counters OnCheckpoint/OnProgress accumulated
	// during dispatch live only on this in-memory entity (only the
	// durable tier is written mid-attempt), and expectedVersion still
	// matches the row since the pre-dispatch commit above is the last
	// Update that touched it.
	finalErr := s.finalise(ctx, sess, expectedVersion, result, execErr)
	outcome = string(sess.Status)
	return finalErr
}

func (s *Supervisor) resolveAdapter(a *agent.Agent) dispatch.Adapter {
	if a.Kind == agent.KindExternal {
		return s.externalAdapter(a)
	}
	return s.internalAdapter(a)
}

func (s *Supervisor) dispatch(ctx context.Context, token *lock.Token, sess *session.Session, chosen *agent.Agent, adapter dispatch.Adapter, cancel Cancellable) (dispatch.Result, error) {
	task := dispatch.Task{
		SessionID:     sess.ID,
		AgentConfig:   sess.AgentConfig,
		InitialPrompt: sess.InitialPrompt,
		ModelID:       sess.ModelID,
		MaxDuration:   sess.MaxDuration,
		Requirements:  []string{string(capabilityForType[sess.Type])},
	}

	var lastCheckpoint time.Time
	cb := dispatch.Callbacks{
		OnProgress: func(message string) {
			_ = s.locks.Extend(ctx, token, token.TTL)
			s.log.WithField("session_id", sess.ID).Debug(message)
		},
		OnCheckpoint: func(data []byte, trigger string) {
			_ = s.locks.Extend(ctx, token, token.TTL)
			if time.Since(lastCheckpoint) < s.cfg.CheckpointInterval && trigger != "explicit" {
				return
			}
			lastCheckpoint = time.Now()
			cp := sess.AddCheckpoint(data, trigger)
			sum := sha256.Sum256(data)
			_ = s.sessions.SaveCheckpoint(ctx, session.DurableCheckpoint{
				SessionID: sess.ID, Sequence: cp.Sequence, Timestamp: cp.Timestamp,
				Trigger: cp.Trigger, Data: data, SHA256: hex.EncodeToString(sum[:]),
			})
		},
		OnLog: func(level, message string) {
			entry := s.log.WithField("session_id", sess.ID)
			switch level {
			case "warn":
				entry.Warn(message)
			case "error":
				entry.Error(message)
			default:
				entry.Debug(message)
			}
		},
	}

	attemptCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()
	if cancel != nil {
		go func() {
			ticker := time.NewTicker(500 * time.Millisecond)
			defer ticker.Stop()
			for {
				select {
				case <-attemptCtx.Done():
					return
				case <-ticker.C:
					if cancel.Cancelled(sess.ID) {
						_ = adapter.Abort(context.Background(), sess.ID)
						stopPoll()
						return
					}
				}
			}
		}()
	}

	return adapter.Execute(attemptCtx, task, cb)
}

func (s *Supervisor) finalise(ctx context.Context, sess *session.Session, expectedVersion int, result dispatch.Result, execErr error) error {
	var timeoutErr *dispatch.TimeoutError
	switch {
	case isTimeoutErr(execErr, &timeoutErr):
		_ = sess.Timeout(map[string]string{"reason": "max_duration elapsed"})
		return s.commit(ctx, sess, expectedVersion)

	case execErr != nil:
		return s.handleFailure(ctx, sess, expectedVersion, "execution_error", execErr.Error())

	case result.Status == "failed":
		return s.handleFailure(ctx, sess, expectedVersion, "agent_failure", result.ErrorMsg)

	default:
		payload := result.Output
		if payload == nil {
			payload = map[string]interface{}{}
		}
		if result.Diff != "" {
			payload["diff"] = result.Diff
		}
		_ = sess.Complete(payload)
		return s.commit(ctx, sess, expectedVersion)
	}
}

func (s *Supervisor) handleFailure(ctx context.Context, sess *session.Session, expectedVersion int, kind, message string) error {
	_ = sess.Fail(kind, message, nil)

	if sess.IsRecoverable() {
		sess.IncrementRetry()
		delay := time.Duration(float64(s.cfg.RetryBaseDelay) * math.Pow(s.cfg.RetryMultiplier, float64(sess.Metrics.RetryCount)))
		if err := sess.Requeue(); err != nil {
			return s.commit(ctx, sess, expectedVersion)
		}
		if err := s.commit(ctx, sess, expectedVersion); err != nil {
			return err
		}
		if s.retryQ != nil {
			s.retryQ.Enqueue(ctx, sess.ID, delay)
		}
		return nil
	}

	return s.commit(ctx, sess, expectedVersion)
}

func isTimeoutErr(err error, target **dispatch.TimeoutError) bool {
	te, ok := err.(*dispatch.TimeoutError)
	if ok {
		*target = te
	}
	return ok
}

// commit persists sess under the unit-of-work and drains+publishes its
// buffered events synchronously afterward, per spec §7's
// commit-then-publish ordering.
func (s *Supervisor) commit(ctx context.Context, sess *session.Session, expectedVersion int) error {
	err := s.uow.Do(ctx, func(ctx context.Context) error {
		return s.sessions.Update(ctx, sess, expectedVersion)
	})
	if err != nil {
		return err
	}
	for _, e := range sess.DrainEvents() {
		s.bus.PublishSync(e)
	}

	metrics.ObserveHealthScore(string(sess.Type), string(sess.Priority), sess.HealthScore())
	if active, countErr := s.sessions.CountActive(ctx, sess.TenantID); countErr == nil {
		metrics.SetQueueDepth(sess.TenantID, active)
	}
	return nil
}
