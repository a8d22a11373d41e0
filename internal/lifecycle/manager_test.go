package lifecycle

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingService struct {
	name        string
	startErr    error
	startCalled *[]string
	stopCalled  *[]string
}

func (s *recordingService) Name() string { return s.name }
func (s *recordingService) Start(ctx context.Context) error {
	*s.startCalled = append(*s.startCalled, s.name)
	return s.startErr
}
func (s *recordingService) Stop(ctx context.Context) error {
	*s.stopCalled = append(*s.stopCalled, s.name)
	return nil
}

func TestManager_StartsInOrderStopsInReverse(t *testing.T) {
	var started, stopped []string
	m := NewManager()
	require.NoError(t, m.Register(&recordingService{name: "a", startCalled: &started, stopCalled: &stopped}))
	require.NoError(t, m.Register(&recordingService{name: "b", startCalled: &started, stopCalled: &stopped}))

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []string{"a", "b"}, started)

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, []string{"b", "a"}, stopped)
}

func TestManager_FailedStartRollsBackAlreadyStarted(t *testing.T) {
	var started, stopped []string
	m := NewManager()
	require.NoError(t, m.Register(&recordingService{name: "a", startCalled: &started, stopCalled: &stopped}))
	require.NoError(t, m.Register(&recordingService{name: "b", startCalled: &started, stopCalled: &stopped, startErr: errors.New("boom")}))

	err := m.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"a"}, stopped, "the failed service itself is never Stop()'d, only predecessors")
}

func TestManager_RegisterAfterStartIsRejected(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Start(context.Background()))

	var started, stopped []string
	err := m.Register(&recordingService{name: "late", startCalled: &started, stopCalled: &stopped})
	require.Error(t, err)
}

func TestManager_StopIsIdempotent(t *testing.T) {
	var started, stopped []string
	m := NewManager()
	require.NoError(t, m.Register(&recordingService{name: "a", startCalled: &started, stopCalled: &stopped}))
	require.NoError(t, m.Start(context.Background()))

	require.NoError(t, m.Stop(context.Background()))
	require.NoError(t, m.Stop(context.Background()))
	assert.Len(t, stopped, 1)
}
