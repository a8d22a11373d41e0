package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
)

// memClient is an in-process stand-in for a Redis client good enough to
// exercise the lock scripts' semantics without a real Redis server.
type memClient struct {
	mu     sync.Mutex
	locks  map[string]string
	fences map[string]int64
	fail   bool
}

func newMemClient() *memClient {
	return &memClient{locks: map[string]string{}, fences: map[string]int64{}}
}

func (m *memClient) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	cmd := redis.NewCmd(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail {
		cmd.SetErr(errors.New("cache unavailable"))
		return cmd
	}

	switch script {
	case acquireScript:
		lockKey, fenceKeyName := keys[0], keys[1]
		holder := args[0].(string)
		if _, busy := m.locks[lockKey]; busy {
			cmd.SetVal([]interface{}{int64(0), int64(0)})
			return cmd
		}
		m.fences[fenceKeyName]++
		m.locks[lockKey] = holder
		cmd.SetVal([]interface{}{int64(1), m.fences[fenceKeyName]})
	case releaseScript:
		lockKey := keys[0]
		holder := args[0].(string)
		if m.locks[lockKey] == holder {
			delete(m.locks, lockKey)
			cmd.SetVal(int64(1))
		} else {
			cmd.SetVal(int64(0))
		}
	case extendScript:
		lockKey := keys[0]
		holder := args[0].(string)
		if m.locks[lockKey] == holder {
			cmd.SetVal(int64(1))
		} else {
			cmd.SetVal(int64(0))
		}
	}
	return cmd
}

func TestAcquireRelease(t *testing.T) {
	svc := NewService(newMemClient())

	token, err := svc.Acquire(context.Background(), "session:1", "holder-a", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), token.Fence)

	_, err = svc.Acquire(context.Background(), "session:1", "holder-b", time.Second)
	require.ErrorIs(t, err, apperrors.ErrLockBusy)

	require.NoError(t, svc.Release(context.Background(), token))

	token2, err := svc.Acquire(context.Background(), "session:1", "holder-b", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), token2.Fence, "fencing counter strictly increases across holders")
}

func TestFenceStrictlyIncreasesAcrossHolders(t *testing.T) {
	client := newMemClient()
	svc := NewService(client)

	var fences []int64
	for i := 0; i < 3; i++ {
		holder := string(rune('a' + i))
		token, err := svc.Acquire(context.Background(), "session:1", holder, time.Second)
		require.NoError(t, err)
		fences = append(fences, token.Fence)
		require.NoError(t, svc.Release(context.Background(), token))
	}
	for i := 1; i < len(fences); i++ {
		assert.Greater(t, fences[i], fences[i-1])
	}
}

func TestAcquire_ZeroTTLRejected(t *testing.T) {
	svc := NewService(newMemClient())
	_, err := svc.Acquire(context.Background(), "session:1", "holder", 0)
	require.Error(t, err)
}

func TestAcquire_FailsClosedOnCacheOutage(t *testing.T) {
	client := newMemClient()
	client.fail = true
	svc := NewService(client)

	_, err := svc.Acquire(context.Background(), "session:1", "holder", time.Second)
	require.ErrorIs(t, err, apperrors.ErrLockBusy)
}

func TestAcquire_NilClientFailsClosed(t *testing.T) {
	svc := NewService(nil)
	_, err := svc.Acquire(context.Background(), "session:1", "holder", time.Second)
	require.ErrorIs(t, err, apperrors.ErrLockBusy)
}

func TestExtend_FailsAfterLostOwnership(t *testing.T) {
	client := newMemClient()
	svc := NewService(client)

	token, err := svc.Acquire(context.Background(), "session:1", "holder-a", time.Second)
	require.NoError(t, err)
	require.NoError(t, svc.Release(context.Background(), token))

	_, err2 := svc.Acquire(context.Background(), "session:1", "holder-b", time.Second)
	require.NoError(t, err2)

	err = svc.Extend(context.Background(), token, time.Second)
	require.ErrorIs(t, err, apperrors.ErrLockBusy)
}

func TestWithLock_ReleasesOnPanic(t *testing.T) {
	svc := NewService(newMemClient())

	func() {
		defer func() { _ = recover() }()
		_ = svc.WithLock(context.Background(), "session:1", "holder-a", time.Second, func(ctx context.Context, token *Token) error {
			panic("boom")
		})
	}()

	token, err := svc.Acquire(context.Background(), "session:1", "holder-b", time.Second)
	require.NoError(t, err, "lock must be released even when fn panics")
	_ = svc.Release(context.Background(), token)
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	svc := NewService(newMemClient())
	boom := errors.New("boom")

	err := svc.WithLock(context.Background(), "session:1", "holder-a", time.Second, func(ctx context.Context, token *Token) error {
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = svc.Acquire(context.Background(), "session:1", "holder-b", time.Second)
	require.NoError(t, err)
}

func TestAcquireWithDeadline_TimesOutWhileBusy(t *testing.T) {
	client := newMemClient()
	svc := NewService(client)

	held, err := svc.Acquire(context.Background(), "session:1", "holder-a", time.Minute)
	require.NoError(t, err)
	defer svc.Release(context.Background(), held)

	_, err = svc.AcquireWithDeadline(context.Background(), "session:1", "holder-b", time.Minute, 120*time.Millisecond)
	require.ErrorIs(t, err, apperrors.ErrLockBusy)
}
