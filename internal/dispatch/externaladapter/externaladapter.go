// Package externaladapter dispatches sessions to external agents behind
// a webhook per spec §4.6/§6 (EAP v1.0): the adapter posts a single
// TaskAssignment and then waits for a callback-delivered TaskResult
// keyed by task id; it never polls the external process directly.
package externaladapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/apperrors"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/dispatch"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/resilience"
)

// TaskAssignment is the payload POSTed to the external agent's endpoint.
type TaskAssignment struct {
	TaskID       string                 `json:"task_id"`
	Context      map[string]interface{} `json:"context"`
	Input        string                 `json:"input"`
	Requirements []string               `json:"requirements"`
}

// TaskResult is the payload the external agent delivers to the public
// ingestion endpoint, which routes it here via Deliver.
type TaskResult struct {
	TaskID string                 `json:"task_id"`
	Status string                 `json:"status"` // "completed" or "failed"
	Output map[string]interface{} `json:"output"`
	Diff   string                 `json:"diff"`
	Error  string                 `json:"error"`
}

// Adapter dispatches a single TaskAssignment and waits for its matching
// TaskResult callback.
type Adapter struct {
	endpointURL string
	authToken   string
	httpClient  *http.Client
	pipeline    *resilience.Pipeline

	mu      sync.Mutex
	waiters map[string]chan TaskResult
}

// New builds an external adapter posting assignments to endpointURL.
func New(endpointURL, authToken string, httpClient *http.Client, pipeline *resilience.Pipeline) *Adapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Adapter{
		endpointURL: endpointURL,
		authToken:   authToken,
		httpClient:  httpClient,
		pipeline:    pipeline,
		waiters:     make(map[string]chan TaskResult),
	}
}

// Execute posts the TaskAssignment and blocks until a matching TaskResult
// is delivered via Deliver, max_duration elapses, or ctx is cancelled.
func (a *Adapter) Execute(ctx context.Context, task dispatch.Task, cb dispatch.Callbacks) (dispatch.Result, error) {
	taskID := uuid.NewString()
	resultCh := make(chan TaskResult, 1)

	a.mu.Lock()
	a.waiters[taskID] = resultCh
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.waiters, taskID)
		a.mu.Unlock()
	}()

	assignment := TaskAssignment{
		TaskID:       taskID,
		Input:        task.InitialPrompt,
		Requirements: task.Requirements,
		Context:      map[string]interface{}{"session_id": task.SessionID, "model_id": task.ModelID},
	}
	if err := a.postAssignment(ctx, assignment); err != nil {
		return dispatch.Result{}, err
	}
	cb.progress("task assigned: " + taskID)

	timeout := task.MaxDuration
	if timeout <= 0 {
		timeout = time.Hour
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		if result.Status == "failed" {
			return dispatch.Result{RemoteID: taskID, Status: "failed", ErrorMsg: result.Error}, nil
		}
		return dispatch.Result{RemoteID: taskID, Status: "completed", Output: result.Output, Diff: result.Diff}, nil
	case <-timer.C:
		return dispatch.Result{RemoteID: taskID}, &dispatch.TimeoutError{SessionID: task.SessionID}
	case <-ctx.Done():
		return dispatch.Result{RemoteID: taskID}, ctx.Err()
	}
}

// Deliver routes a TaskResult callback received on the public ingestion
// endpoint to the waiting Execute call, if any.
func (a *Adapter) Deliver(result TaskResult) error {
	a.mu.Lock()
	ch, ok := a.waiters[result.TaskID]
	a.mu.Unlock()
	if !ok {
		return apperrors.NewNotFoundError("task", result.TaskID)
	}
	select {
	case ch <- result:
	default:
	}
	return nil
}

// Abort is a no-op for external agents: the protocol has no cancel verb,
// so cancellation only stops the orchestrator from waiting further.
func (a *Adapter) Abort(ctx context.Context, remoteID string) error {
	return nil
}

func (a *Adapter) postAssignment(ctx context.Context, assignment TaskAssignment) error {
	body, err := json.Marshal(assignment)
	if err != nil {
		return err
	}
	run := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpointURL, bytes.NewReader(body))
		if err != nil {
			return resilience.Retryable(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Agent-Token", a.authToken)

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return resilience.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == 429 {
			return resilience.Retryable(fmt.Errorf("agent webhook status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("agent webhook status %d", resp.StatusCode)
		}
		return nil
	}
	if a.pipeline != nil {
		return a.pipeline.Do(ctx, run)
	}
	return run(ctx)
}
