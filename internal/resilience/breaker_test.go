package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:                    "agent-api",
		FailureThreshold:        3,
		RecoveryTimeout:         50 * time.Millisecond,
		HalfOpenRequiredSuccess: 1,
	})

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), func(ctx context.Context) error { return boom })
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(context.Background(), func(ctx context.Context) error {
		t.Fatal("fn must not be invoked while breaker is open")
		return nil
	})
	assert.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
}

func TestBreaker_HalfOpenRecoversToClosed(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:                    "agent-api",
		FailureThreshold:        1,
		RecoveryTimeout:         10 * time.Millisecond,
		HalfOpenRequiredSuccess: 2,
	})

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	assert.Equal(t, StateOpen, b.State())

	time.Sleep(15 * time.Millisecond)

	for i := 0; i < 2; i++ {
		err := b.Execute(context.Background(), func(ctx context.Context) error { return nil })
		require.NoError(t, err)
	}

	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:                    "agent-api",
		FailureThreshold:        1,
		RecoveryTimeout:         10 * time.Millisecond,
		HalfOpenRequiredSuccess: 2,
	})

	_ = b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("fail") })
	time.Sleep(15 * time.Millisecond)

	err := b.Execute(context.Background(), func(ctx context.Context) error { return errors.New("fail again") })
	require.Error(t, err)
	assert.Equal(t, StateOpen, b.State())
}
