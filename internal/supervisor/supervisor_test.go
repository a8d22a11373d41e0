package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/dispatch"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/agent"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/domain/session"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/events"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/lock"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/logging"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/registry"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/repository/memory"
)

// fakeLockClient is an in-memory stand-in for lock.Client good enough to
// exercise acquire/release/extend semantics without a real Redis server.
type fakeLockClient struct {
	mu     sync.Mutex
	locks  map[string]string
	fences map[string]int64
}

func newFakeLockClient() *fakeLockClient {
	return &fakeLockClient{locks: map[string]string{}, fences: map[string]int64{}}
}

func (f *fakeLockClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case len(keys) == 2: // acquire
		lockKey, fenceKey := keys[0], keys[1]
		holder := args[0].(string)
		if _, busy := f.locks[lockKey]; busy {
			cmd.SetVal([]interface{}{int64(0), int64(0)})
			return cmd
		}
		f.fences[fenceKey]++
		f.locks[lockKey] = holder
		cmd.SetVal([]interface{}{int64(1), f.fences[fenceKey]})
	default: // release or extend, both keyed by a single lock key
		lockKey := keys[0]
		holder := args[0].(string)
		if f.locks[lockKey] != holder {
			cmd.SetVal(int64(0))
			return cmd
		}
		if len(args) == 1 { // release
			delete(f.locks, lockKey)
		}
		cmd.SetVal(int64(1))
	}
	return cmd
}

// fakeAdapter lets each test script a fixed Execute result.
type fakeAdapter struct {
	result dispatch.Result
	err    error
}

func (a *fakeAdapter) Execute(ctx context.Context, task dispatch.Task, cb dispatch.Callbacks) (dispatch.Result, error) {
	if cb.OnProgress != nil {
		cb.OnProgress("working")
	}
	if cb.OnCheckpoint != nil {
		cb.OnCheckpoint([]byte(`{"step":1}`), "interval")
	}
	return a.result, a.err
}

func (a *fakeAdapter) Abort(ctx context.Context, remoteID string) error { return nil }

type recordingRetryQueue struct {
	mu    sync.Mutex
	calls []time.Duration
}

func (q *recordingRetryQueue) Enqueue(ctx context.Context, sessionID string, after time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, after)
}

func newHarness(t *testing.T, adapter dispatch.Adapter) (*Supervisor, *memory.SessionStore, *registry.Registry, *recordingRetryQueue) {
	sup, sessions, reg, retryQ, _ := newHarnessWithLocks(t, adapter)
	return sup, sessions, reg, retryQ
}

func newHarnessWithLocks(t *testing.T, adapter dispatch.Adapter) (*Supervisor, *memory.SessionStore, *registry.Registry, *recordingRetryQueue, *lock.Service) {
	t.Helper()
	sessions := memory.NewSessionStore()
	agents := memory.NewAgentStore()
	reg := registry.New(agents, logging.NewDefault("test"))
	_, err := reg.Register(context.Background(), "agent-1", registry.Descriptor{
		TenantID:     "tenant-1",
		Name:         "implementer",
		Capabilities: []agent.Capability{agent.CapabilityCodeGeneration},
	}, agent.KindInternal, "")
	require.NoError(t, err)

	locks := lock.NewService(newFakeLockClient())
	bus := events.New(events.Config{})
	t.Cleanup(bus.Stop)
	uow := memory.NewUnitOfWork()
	retryQ := &recordingRetryQueue{}

	sup := New(
		Config{InstanceID: "test-instance"},
		locks, sessions, uow, reg, bus, logging.NewDefault("supervisor-test"), retryQ,
		func(a *agent.Agent) dispatch.Adapter { return adapter },
		func(a *agent.Agent) dispatch.Adapter { return adapter },
	)
	return sup, sessions, reg, retryQ, locks
}

func newPendingSession(t *testing.T, sessions *memory.SessionStore) *session.Session {
	t.Helper()
	s, err := session.New("tenant-1", session.TypeExecution, session.PriorityMedium, "implement x", "", "do it", nil, "", time.Hour)
	require.NoError(t, err)
	require.NoError(t, sessions.Create(context.Background(), s))
	return s
}

func TestSupervise_HappyPathCompletes(t *testing.T) {
	adapter := &fakeAdapter{result: dispatch.Result{Status: "completed", Output: map[string]interface{}{"ok": true}}}
	sup, sessions, _, _ := newHarness(t, adapter)
	s := newPendingSession(t, sessions)

	err := sup.Supervise(context.Background(), s.ID, nil)
	require.NoError(t, err)

	got, err := sessions.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status)
}

func TestSupervise_NoAgentAvailableFailsWithReason(t *testing.T) {
	adapter := &fakeAdapter{result: dispatch.Result{Status: "completed"}}
	sup, sessions, reg, _ := newHarness(t, adapter)
	s := newPendingSession(t, sessions)
	require.NoError(t, reg.Deregister(context.Background(), "agent-1"))

	err := sup.Supervise(context.Background(), s.ID, nil)
	require.NoError(t, err)

	got, err := sessions.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, got.Status)
	assert.Equal(t, "no_agent", got.ErrorKind)
}

func TestSupervise_RecoverableFailureRequeuesWithBackoff(t *testing.T) {
	adapter := &fakeAdapter{err: errors.New("transient upstream blip")}
	sup, sessions, _, retryQ := newHarness(t, adapter)
	s := newPendingSession(t, sessions)

	err := sup.Supervise(context.Background(), s.ID, nil)
	require.NoError(t, err)

	got, err := sessions.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusQueued, got.Status, "recoverable failure requeues rather than staying failed")
	assert.Equal(t, 1, got.Metrics.RetryCount)
	assert.Len(t, retryQ.calls, 1)
}

func TestSupervise_TimeoutMarksSessionTimedOut(t *testing.T) {
	adapter := &fakeAdapter{err: &dispatch.TimeoutError{SessionID: "whatever"}}
	sup, sessions, _, _ := newHarness(t, adapter)
	s := newPendingSession(t, sessions)

	err := sup.Supervise(context.Background(), s.ID, nil)
	require.NoError(t, err)

	got, err := sessions.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTimeout, got.Status)
}

func TestSupervise_CrashedRunningSessionIsRecoveredAndRedriven(t *testing.T) {
	adapter := &fakeAdapter{result: dispatch.Result{Status: "completed", Output: map[string]interface{}{"ok": true}}}
	sup, sessions, _, _ := newHarness(t, adapter)
	s := newPendingSession(t, sessions)
	require.NoError(t, s.Queue())
	require.NoError(t, s.Start())
	require.NoError(t, sessions.Update(context.Background(), s, 1))
	require.NoError(t, sessions.SaveCheckpoint(context.Background(), session.DurableCheckpoint{
		SessionID: s.ID, Sequence: 1, Timestamp: time.Now(), Trigger: "interval", Data: []byte(`{"step":0}`),
	}))

	// No lock was ever acquired for this attempt, simulating a
	// supervisor instance that crashed mid-dispatch and left the
	// session stuck in "running" with a lapsed (never-acquired) lock.
	err := sup.Supervise(context.Background(), s.ID, nil)
	require.NoError(t, err)

	got, err := sessions.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status, "a re-entrant supervisor re-drives and completes the orphaned session")
	assert.Equal(t, 1, got.Metrics.RetryCount, "crash recovery counts as a retry")
}

func TestSupervise_StillRunningSessionIsBusyNoOp(t *testing.T) {
	adapter := &fakeAdapter{result: dispatch.Result{Status: "completed"}}
	sup, sessions, _, _, locks := newHarnessWithLocks(t, adapter)
	s := newPendingSession(t, sessions)
	require.NoError(t, s.Queue())
	require.NoError(t, s.Start())
	require.NoError(t, sessions.Update(context.Background(), s, 1))

	// A live attempt still holds the session's lock; a second instance's
	// Supervise call must back off rather than treat it as crashed.
	token, err := locks.Acquire(context.Background(), "session:"+s.ID, "other-instance:holding", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = locks.Release(context.Background(), token) })

	err = sup.Supervise(context.Background(), s.ID, nil)
	require.NoError(t, err)

	got, err := sessions.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusRunning, got.Status, "a session with a live lock holder is left untouched")
	assert.Equal(t, 0, got.Metrics.RetryCount)
}

func TestSupervise_AlreadyTerminalIsNoOp(t *testing.T) {
	adapter := &fakeAdapter{result: dispatch.Result{Status: "completed"}}
	sup, sessions, _, _ := newHarness(t, adapter)
	s := newPendingSession(t, sessions)
	require.NoError(t, s.Queue())
	require.NoError(t, s.Start())
	require.NoError(t, s.Complete(nil))
	require.NoError(t, sessions.Update(context.Background(), s, 1))

	err := sup.Supervise(context.Background(), s.ID, nil)
	require.NoError(t, err)

	got, err := sessions.Get(context.Background(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status)
}
