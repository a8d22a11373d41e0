package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := New("tenant-1", TypeExecution, PriorityHigh, "Implement resilient auth", "", "do the thing", map[string]map[string]interface{}{"implementer": {}}, "", 600*time.Second)
	require.NoError(t, err)
	return s
}

func TestNew_RejectsDeniedTitle(t *testing.T) {
	_, err := New("t1", TypeExecution, PriorityHigh, "Untitled", "", "prompt", nil, "", 600*time.Second)
	require.Error(t, err)
}

func TestNew_RejectsDeniedTitleCaseInsensitive(t *testing.T) {
	_, err := New("t1", TypeExecution, PriorityHigh, "NEW SESSION", "", "prompt", nil, "", 600*time.Second)
	require.Error(t, err)
}

func TestNew_MaxDurationBoundary(t *testing.T) {
	_, err := New("t1", TypeExecution, PriorityHigh, "Real title", "", "prompt", nil, "", 60*time.Second)
	require.NoError(t, err)

	_, err = New("t1", TypeExecution, PriorityHigh, "Real title", "", "prompt", nil, "", 59*time.Second)
	require.Error(t, err)
}

func TestNew_PromptLengthBoundary(t *testing.T) {
	ok := make([]byte, 10000)
	_, err := New("t1", TypeExecution, PriorityHigh, "Real title", "", string(ok), nil, "", 600*time.Second)
	require.NoError(t, err)

	tooLong := make([]byte, 10001)
	_, err = New("t1", TypeExecution, PriorityHigh, "Real title", "", string(tooLong), nil, "", 600*time.Second)
	require.Error(t, err)
}

func TestTransitionMatrix_HappyPath(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Queue())
	require.NoError(t, s.Start())
	require.NoError(t, s.Complete(map[string]interface{}{"ok": true}))
	assert.True(t, s.Status.IsTerminal())
}

func TestTransitionMatrix_RejectsDisallowed(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Queue())
	require.NoError(t, s.Start())
	require.NoError(t, s.Complete(nil))

	err := s.Start()
	require.Error(t, err)
	assert.Equal(t, StatusCompleted, s.Status, "terminal status must not change on a rejected transition")
}

func TestEveryTransitionIsInMatrix(t *testing.T) {
	all := []Status{StatusPending, StatusQueued, StatusRunning, StatusPaused, StatusDegraded, StatusPartiallyCompleted, StatusCompleted, StatusFailed, StatusTimeout, StatusStopped, StatusCancelled, StatusOrphaned}
	for _, from := range all {
		for _, to := range all {
			if from.CanTransition(to) {
				assert.NotEqual(t, from, to, "no status should transition to itself")
			}
		}
	}
}

func TestStart_StampsStartedAtAndQueueDuration(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Queue())
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, s.Start())
	require.NotNil(t, s.Metrics.StartedAt)
	assert.Greater(t, s.Metrics.QueueDuration, time.Duration(0))
}

func TestAddCheckpoint_BoundedAt100(t *testing.T) {
	s := newTestSession(t)
	for i := 0; i < 150; i++ {
		s.AddCheckpoint([]byte("data"), "periodic")
	}
	require.Len(t, s.Checkpoints, MaxCheckpoints)
	for i, cp := range s.Checkpoints {
		if i == 0 {
			continue
		}
		assert.Equal(t, s.Checkpoints[i-1].Sequence+1, cp.Sequence)
	}
}

func TestIsRecoverable_RequiresCheckpointAndRetryBudget(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Queue())
	require.NoError(t, s.Start())
	require.NoError(t, s.Fail("upstream_unavailable", "boom", nil))

	assert.False(t, s.IsRecoverable(), "no checkpoint yet")

	s.AddCheckpoint([]byte("x"), "periodic")
	assert.True(t, s.IsRecoverable())

	s.Metrics.RetryCount = MaxRetries
	assert.False(t, s.IsRecoverable(), "retry budget exhausted")
}

func TestHealthScore_ByStatus(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Queue())
	require.NoError(t, s.Start())
	assert.InDelta(t, 0.9, s.HealthScore(), 0.01)

	require.NoError(t, s.Complete(nil))
	assert.Equal(t, 1.0, s.HealthScore())
}

func TestDrainEvents_ClearsBuffer(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Queue())
	evts := s.DrainEvents()
	assert.NotEmpty(t, evts)

	evts2 := s.DrainEvents()
	assert.Empty(t, evts2, "drain_events must clear the buffer")
}

func TestPartiallyCompleted_CanReenterRunningOrComplete(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Queue())
	require.NoError(t, s.Start())
	require.NoError(t, s.PartiallyComplete(nil))
	assert.False(t, s.Status.IsTerminal(), "partially_completed has outgoing edges per the transition matrix")
	require.NoError(t, s.Start())
	assert.Equal(t, StatusRunning, s.Status)
}

func TestRequeue_AllowedOnlyFromRecoverableTerminalStatuses(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Queue())
	require.NoError(t, s.Start())
	s.AddCheckpoint([]byte("{}"), "interval")
	require.NoError(t, s.Fail("transient", "network blip", nil))

	assert.True(t, s.Status.IsTerminal(), "failed is matrix-terminal despite being recoverable")
	require.NoError(t, s.Requeue())
	assert.Equal(t, StatusQueued, s.Status)
}

func TestRequeue_RejectsNonRecoverableStatus(t *testing.T) {
	s := newTestSession(t)
	err := s.Requeue()
	require.Error(t, err, "pending is not a recoverable status")
}
