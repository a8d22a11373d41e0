// Package internaladapter dispatches sessions to agents reached through
// an HTTP API the orchestrator controls, per spec §4.6's internal
// adapter: create remote session, send the initial prompt, poll status
// with exponential backoff, fetch the diff, return the result.
package internaladapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nordeim/opencode-industrial-orchestrator/internal/dispatch"
	"github.com/nordeim/opencode-industrial-orchestrator/internal/resilience"
)

const (
	pollInitial    = 2 * time.Second
	pollMultiplier = 1.5
	pollCap        = 30 * time.Second
)

var terminalRemoteStatuses = map[string]bool{
	"idle":      true,
	"completed": true,
	"failed":    true,
}

// Adapter dispatches to an internal agent's HTTP API at BaseURL.
type Adapter struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	pipeline   *resilience.Pipeline
}

// New builds an internal adapter against baseURL, wrapping every outbound
// call with pipeline per spec §4.1.
func New(baseURL, authToken string, httpClient *http.Client, pipeline *resilience.Pipeline) *Adapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Adapter{baseURL: baseURL, authToken: authToken, httpClient: httpClient, pipeline: pipeline}
}

type remoteSession struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Execute creates a remote session, drives it to completion, and returns
// its result.
func (a *Adapter) Execute(ctx context.Context, task dispatch.Task, cb dispatch.Callbacks) (dispatch.Result, error) {
	remote, err := a.createRemoteSession(ctx, task)
	if err != nil {
		return dispatch.Result{}, err
	}
	cb.progress("remote session created: " + remote.ID)

	if err := a.sendPrompt(ctx, remote.ID, task.InitialPrompt); err != nil {
		return dispatch.Result{}, err
	}

	deadline := time.Now().Add(task.MaxDuration)
	delay := pollInitial
	for {
		if time.Now().After(deadline) {
			return dispatch.Result{RemoteID: remote.ID}, &dispatch.TimeoutError{SessionID: task.SessionID}
		}

		status, err := a.getStatus(ctx, remote.ID)
		if err != nil {
			return dispatch.Result{RemoteID: remote.ID}, err
		}
		cb.log("debug", "remote status: "+status)

		if terminalRemoteStatuses[status] {
			return a.finish(ctx, remote.ID, status)
		}

		select {
		case <-ctx.Done():
			_ = a.Abort(context.Background(), remote.ID)
			return dispatch.Result{RemoteID: remote.ID}, ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * pollMultiplier)
		if delay > pollCap {
			delay = pollCap
		}
	}
}

func (a *Adapter) finish(ctx context.Context, remoteID, status string) (dispatch.Result, error) {
	if status == "failed" {
		return dispatch.Result{RemoteID: remoteID, Status: "failed", ErrorMsg: "remote agent reported failure"}, nil
	}
	diff, output, err := a.fetchDiff(ctx, remoteID)
	if err != nil {
		return dispatch.Result{RemoteID: remoteID}, err
	}
	return dispatch.Result{RemoteID: remoteID, Status: "completed", Output: output, Diff: diff}, nil
}

func (a *Adapter) createRemoteSession(ctx context.Context, task dispatch.Task) (*remoteSession, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model_id":     task.ModelID,
		"agent_config": task.AgentConfig,
	})
	if err != nil {
		return nil, err
	}
	var remote remoteSession
	err = a.do(ctx, http.MethodPost, "/api/v1/sessions", body, &remote)
	return &remote, err
}

func (a *Adapter) sendPrompt(ctx context.Context, remoteID, prompt string) error {
	body, err := json.Marshal(map[string]string{"message": prompt})
	if err != nil {
		return err
	}
	return a.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s/messages", remoteID), body, nil)
}

func (a *Adapter) getStatus(ctx context.Context, remoteID string) (string, error) {
	var remote remoteSession
	if err := a.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s", remoteID), nil, &remote); err != nil {
		return "", err
	}
	return remote.Status, nil
}

func (a *Adapter) fetchDiff(ctx context.Context, remoteID string) (string, map[string]interface{}, error) {
	var payload struct {
		Diff   string                 `json:"diff"`
		Output map[string]interface{} `json:"output"`
	}
	if err := a.do(ctx, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%s/diff", remoteID), nil, &payload); err != nil {
		return "", nil, err
	}
	return payload.Diff, payload.Output, nil
}

// Abort stops the remote session, on local cancellation.
func (a *Adapter) Abort(ctx context.Context, remoteID string) error {
	return a.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/sessions/%s/abort", remoteID), nil, nil)
}

func (a *Adapter) do(ctx context.Context, method, path string, body []byte, out interface{}) error {
	run := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return resilience.Retryable(err)
		}
		if a.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+a.authToken)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.httpClient.Do(req)
		if err != nil {
			return resilience.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 || resp.StatusCode == 429 {
			return resilience.Retryable(fmt.Errorf("agent API status %d", resp.StatusCode))
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("agent API status %d", resp.StatusCode)
		}
		if out == nil {
			return nil
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, out)
	}

	if a.pipeline != nil {
		return a.pipeline.Do(ctx, run)
	}
	return run(ctx)
}
