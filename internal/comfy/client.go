package comfy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Client talks to a single ComfyUI backend over HTTP. Construct one with
// NewClient and pass it to every collaborator; there is no process-wide
// shared instance.
type Client struct {
	baseURL  string
	clientID string
	httpc    *http.Client
}

// NewClient creates a client for the given base URL (e.g. http://127.0.0.1:8199).
func NewClient(baseURL string) *Client {
	for len(baseURL) > 0 && baseURL[len(baseURL)-1] == '/' {
		baseURL = baseURL[:len(baseURL)-1]
	}
	return &Client{
		baseURL:  baseURL,
		clientID: "comfyq-" + uuid.NewString(),
		httpc: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// BaseURL returns the backend address this client is bound to.
func (c *Client) BaseURL() string { return c.baseURL }

// SubmitError reports a rejected or malformed /prompt response.
type SubmitError struct {
	Status int
	Reason string
}

func (e *SubmitError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("submit prompt: http %d: %s", e.Status, e.Reason)
	}
	return "submit prompt: " + e.Reason
}

// SubmitPrompt enqueues a workflow and returns the backend's prompt id.
// The workflow is passed through unchanged.
func (c *Client) SubmitPrompt(ctx context.Context, workflow map[string]any) (string, error) {
	payload := map[string]any{"prompt": workflow, "client_id": c.clientID}
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal prompt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(buf))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", &SubmitError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	var body struct {
		PromptID string          `json:"prompt_id"`
		ID       string          `json:"id"`
		Error    json.RawMessage `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", &SubmitError{Status: resp.StatusCode, Reason: "non-JSON response"}
	}
	if resp.StatusCode != http.StatusOK {
		return "", &SubmitError{Status: resp.StatusCode, Reason: compact(body.Error)}
	}
	if body.PromptID != "" {
		return body.PromptID, nil
	}
	if body.ID != "" {
		return body.ID, nil
	}
	if len(body.Error) > 0 {
		return "", &SubmitError{Reason: compact(body.Error)}
	}
	return "", &SubmitError{Reason: "response missing prompt_id"}
}

// QueueSnapshot holds the raw live-queue buckets. Entry shapes vary across
// backend versions (bare id, [id, ...] pair, or keyed record), so entries
// are kept opaque; interpretation belongs to the status package.
type QueueSnapshot struct {
	Running []json.RawMessage
	Pending []json.RawMessage
}

// Queue fetches the live-queue listing.
func (c *Client) Queue(ctx context.Context) (*QueueSnapshot, error) {
	var body struct {
		QueueRunning []json.RawMessage `json:"queue_running"`
		QueuePending []json.RawMessage `json:"queue_pending"`
		Running      []json.RawMessage `json:"running"`
		Pending      []json.RawMessage `json:"pending"`
	}
	if err := c.getJSON(ctx, "/queue", &body); err != nil {
		return nil, err
	}
	snap := &QueueSnapshot{Running: body.QueueRunning, Pending: body.QueuePending}
	if snap.Running == nil {
		snap.Running = body.Running
	}
	if snap.Pending == nil {
		snap.Pending = body.Pending
	}
	return snap, nil
}

// HistoryRecord is a loosely-typed per-handle outcome record. Field presence
// matters (an empty-but-present outputs map means the run completed), so the
// record keeps the raw top-level fields.
type HistoryRecord map[string]json.RawMessage

// History looks up the historical record for one prompt id. It returns nil
// when the backend has no record for the handle. Both the flat and the
// "history"-enveloped response shapes are accepted.
func (c *Client) History(ctx context.Context, promptID string) (HistoryRecord, error) {
	var body map[string]json.RawMessage
	if err := c.getJSON(ctx, "/history/"+promptID, &body); err != nil {
		return nil, err
	}
	raw, ok := body[promptID]
	if !ok {
		if env, envOK := body["history"]; envOK {
			var inner map[string]json.RawMessage
			if err := json.Unmarshal(env, &inner); err != nil {
				return nil, fmt.Errorf("decode history envelope: %w", err)
			}
			raw, ok = inner[promptID]
		}
	}
	if !ok {
		return nil, nil
	}
	var rec HistoryRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode history record: %w", err)
	}
	return rec, nil
}

// Alive reports whether the backend answers its node-catalog endpoint.
func (c *Client) Alive(ctx context.Context) bool {
	var body map[string]json.RawMessage
	return c.getJSON(ctx, "/object_info", &body) == nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("get %s: http %d: %s", path, resp.StatusCode, string(b))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func compact(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
