package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteGateway talks to a sandbox provider over its HTTP API.
type RemoteGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRemoteGateway creates a gateway against the provider at baseURL.
func NewRemoteGateway(baseURL, apiKey string) *RemoteGateway {
	return &RemoteGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// SpawnForTask creates a sandbox executing the given task.
func (g *RemoteGateway) SpawnForTask(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	body := map[string]any{
		"task_id":         req.TaskID,
		"ticket_id":       req.TicketID,
		"template":        req.Template,
		"prompt":          req.Prompt,
		"env":             req.Env,
		"repo_url":        req.RepoURL,
		"branch":          req.Branch,
		"timeout_seconds": req.TimeoutSecs,
	}
	var result SpawnResult
	if err := g.do(ctx, http.MethodPost, "/v1/sandboxes", body, &result); err != nil {
		return nil, fmt.Errorf("failed to spawn sandbox for task %s: %w", req.TaskID, err)
	}
	if result.SandboxID == "" {
		return nil, fmt.Errorf("provider returned no sandbox id for task %s", req.TaskID)
	}
	return &result, nil
}

// TerminateSandbox stops a sandbox. 404 and 410 responses are treated as
// already terminated.
func (g *RemoteGateway) TerminateSandbox(ctx context.Context, sandboxID, reason string) error {
	path := "/v1/sandboxes/" + url.PathEscape(sandboxID) + "/terminate"
	err := g.do(ctx, http.MethodPost, path, map[string]any{"reason": reason}, nil)
	var httpErr *providerError
	if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusNotFound || httpErr.StatusCode == http.StatusGone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to terminate sandbox %s: %w", sandboxID, err)
	}
	return nil
}

// ExtractSessionTranscript pulls the session transcript out of a sandbox.
func (g *RemoteGateway) ExtractSessionTranscript(ctx context.Context, sandboxID string) (*Transcript, error) {
	path := "/v1/sandboxes/" + url.PathEscape(sandboxID) + "/transcript"
	var t Transcript
	if err := g.do(ctx, http.MethodGet, path, nil, &t); err != nil {
		return nil, fmt.Errorf("failed to extract transcript for sandbox %s: %w", sandboxID, err)
	}
	t.SandboxID = sandboxID
	return &t, nil
}

// GetPreviewLink returns the live preview link for a port the sandbox
// exposes.
func (g *RemoteGateway) GetPreviewLink(ctx context.Context, sandboxID string, port int) (*PreviewLink, error) {
	path := fmt.Sprintf("/v1/sandboxes/%s/preview?port=%d", url.PathEscape(sandboxID), port)
	var result struct {
		URL   string `json:"url"`
		Token string `json:"token"`
	}
	if err := g.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to get preview link for sandbox %s: %w", sandboxID, err)
	}
	return &PreviewLink{URL: result.URL, Token: result.Token}, nil
}

// SendMessage delivers a steering message into a running sandbox session.
func (g *RemoteGateway) SendMessage(ctx context.Context, sandboxID, content, messageType string) error {
	path := "/v1/sandboxes/" + url.PathEscape(sandboxID) + "/messages"
	body := map[string]any{"content": content, "message_type": messageType}
	if err := g.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("failed to send message to sandbox %s: %w", sandboxID, err)
	}
	return nil
}

// providerError is a non-2xx provider response.
type providerError struct {
	StatusCode int
	Body       string
}

func (e *providerError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.StatusCode, e.Body)
}

func (g *RemoteGateway) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &providerError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
