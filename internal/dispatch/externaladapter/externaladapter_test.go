package externaladapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/dispatch"
)

func TestExecute_WaitsForCallbackResult(t *testing.T) {
	var assigned TaskAssignment
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&assigned))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	adapter := New(srv.URL, "secret", srv.Client(), nil)

	done := make(chan dispatch.Result, 1)
	go func() {
		result, err := adapter.Execute(context.Background(), dispatch.Task{SessionID: "s1", InitialPrompt: "hi", MaxDuration: 5 * time.Second}, dispatch.Callbacks{})
		require.NoError(t, err)
		done <- result
	}()

	require.Eventually(t, func() bool { return assigned.TaskID != "" }, time.Second, 10*time.Millisecond)

	err := adapter.Deliver(TaskResult{TaskID: assigned.TaskID, Status: "completed", Diff: "+x", Output: map[string]interface{}{"k": "v"}})
	require.NoError(t, err)

	select {
	case result := <-done:
		assert.Equal(t, "completed", result.Status)
		assert.Equal(t, "+x", result.Diff)
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after Deliver")
	}
}

func TestExecute_TimesOutWithoutCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	adapter := New(srv.URL, "secret", srv.Client(), nil)
	_, err := adapter.Execute(context.Background(), dispatch.Task{SessionID: "s1", MaxDuration: 10 * time.Millisecond}, dispatch.Callbacks{})
	require.Error(t, err)
	var timeoutErr *dispatch.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestDeliver_UnknownTaskIDIsNotFound(t *testing.T) {
	adapter := New("http://example.invalid", "", nil, nil)
	err := adapter.Deliver(TaskResult{TaskID: "unknown"})
	require.Error(t, err)
}
