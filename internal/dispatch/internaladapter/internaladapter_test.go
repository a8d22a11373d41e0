package internaladapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/dispatch"
)

func TestExecute_HappyPath(t *testing.T) {
	var polls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/sessions":
			json.NewEncoder(w).Encode(remoteSession{ID: "remote-1", Status: "running"})
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/sessions/remote-1/messages":
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/sessions/remote-1":
			n := atomic.AddInt32(&polls, 1)
			status := "running"
			if n >= 2 {
				status = "completed"
			}
			json.NewEncoder(w).Encode(remoteSession{ID: "remote-1", Status: status})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/sessions/remote-1/diff":
			json.NewEncoder(w).Encode(map[string]interface{}{"diff": "+hello", "output": map[string]interface{}{"ok": true}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	adapter := New(srv.URL, "token", srv.Client(), nil)
	task := dispatch.Task{SessionID: "s1", InitialPrompt: "do it", MaxDuration: 10 * time.Second}

	result, err := adapter.Execute(context.Background(), task, dispatch.Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, "completed", result.Status)
	assert.Equal(t, "+hello", result.Diff)
}

func TestExecute_RemoteFailureSurfacesAsFailedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/sessions":
			json.NewEncoder(w).Encode(remoteSession{ID: "remote-1", Status: "running"})
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/sessions/remote-1":
			json.NewEncoder(w).Encode(remoteSession{ID: "remote-1", Status: "failed"})
		}
	}))
	defer srv.Close()

	adapter := New(srv.URL, "", srv.Client(), nil)
	result, err := adapter.Execute(context.Background(), dispatch.Task{SessionID: "s1", MaxDuration: 5 * time.Second}, dispatch.Callbacks{})
	require.NoError(t, err)
	assert.Equal(t, "failed", result.Status)
}

func TestExecute_MaxDurationElapsedReturnsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/sessions":
			json.NewEncoder(w).Encode(remoteSession{ID: "remote-1", Status: "running"})
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(remoteSession{ID: "remote-1", Status: "running"})
		}
	}))
	defer srv.Close()

	adapter := New(srv.URL, "", srv.Client(), nil)
	_, err := adapter.Execute(context.Background(), dispatch.Task{SessionID: "s1", MaxDuration: 1 * time.Millisecond}, dispatch.Callbacks{})
	require.Error(t, err)
	var timeoutErr *dispatch.TimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}
