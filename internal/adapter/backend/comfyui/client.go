// Package comfyui wraps the remote generation backend: workflow composition,
// prompt submission, completion polling, artifact download, and health probing.
package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/fairyhunter13/comfy-queue/internal/adapter/observability"
	"github.com/fairyhunter13/comfy-queue/internal/domain"
)

// Per-call deadlines. The whole-job wall clock is the caller's concern.
const (
	submitTimeout   = 30 * time.Second
	pollTimeout     = 10 * time.Second
	downloadTimeout = 60 * time.Second

	healthAttempts = 5
	healthBackoff  = 600 * time.Millisecond
)

// Poll pacing: exponential from ~0.3 s capped at ~2 s.
const (
	pollBase = 300 * time.Millisecond
	pollCap  = 2 * time.Second
)

// PollInterval returns the wait before poll attempt n (0-based).
func PollInterval(attempt int) time.Duration {
	d := pollBase
	for i := 0; i < attempt && d < pollCap; i++ {
		d *= 2
	}
	if d > pollCap {
		d = pollCap
	}
	return d
}

// Client talks to a single ComfyUI instance over HTTP with keep-alive.
// Submissions run behind a circuit breaker so a dead backend fails fast
// instead of eating the submit timeout on every job.
type Client struct {
	baseURL string
	hc      *http.Client
	cb      *observability.CircuitBreaker
}

// New constructs a Client. Per-call deadlines are applied via context, so the
// shared http.Client carries no global timeout.
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		hc:      &http.Client{},
		cb:      observability.NewCircuitBreaker("comfyui_submit", 5, 30*time.Second),
	}
}

type submitResponse struct {
	PromptID string `json:"prompt_id"`
}

// Submit composes the workflow for req and posts it. 4xx responses surface
// the backend's error as ErrBackendRejected; transport errors and 5xx as
// ErrBackendUnavailable. Only availability failures trip the breaker.
func (c *Client) Submit(ctx domain.Context, req domain.GenerationRequest) (string, error) {
	var (
		promptID  string
		submitErr error
	)
	cbErr := c.cb.Call(func() error {
		promptID, submitErr = c.submitOnce(ctx, req)
		if errors.Is(submitErr, domain.ErrBackendUnavailable) {
			return submitErr
		}
		return nil
	})
	if submitErr != nil {
		return "", submitErr
	}
	if cbErr != nil {
		return "", fmt.Errorf("op=comfyui.Submit: %w: %v", domain.ErrBackendUnavailable, cbErr)
	}
	return promptID, nil
}

func (c *Client) submitOnce(ctx domain.Context, req domain.GenerationRequest) (string, error) {
	workflow := ComposeWorkflow(req)
	body, err := json.Marshal(map[string]any{"prompt": workflow})
	if err != nil {
		return "", fmt.Errorf("op=comfyui.Submit: %w: %v", domain.ErrInternal, err)
	}

	ctx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("op=comfyui.Submit: %w: %v", domain.ErrInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(httpReq)
	observability.BackendRequestsTotal.WithLabelValues("submit").Inc()
	observability.BackendRequestDuration.WithLabelValues("submit").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", fmt.Errorf("op=comfyui.Submit: %w: %v", domain.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("op=comfyui.Submit: %w: status %d: %s", domain.ErrBackendRejected, resp.StatusCode, snippet)
	}
	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("op=comfyui.Submit: %w: status %d", domain.ErrBackendUnavailable, resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("op=comfyui.Submit: %w: decode: %v", domain.ErrBackendUnavailable, err)
	}
	if out.PromptID == "" {
		return "", fmt.Errorf("op=comfyui.Submit: %w: empty prompt_id", domain.ErrBackendUnavailable)
	}
	return out.PromptID, nil
}

// historyEntry mirrors the subset of the backend's history record we read.
type historyEntry struct {
	Status struct {
		Completed bool   `json:"completed"`
		StatusStr string `json:"status_str"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []imageRef `json:"images"`
	} `json:"outputs"`
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

func (c *Client) history(ctx domain.Context, promptID string) (*historyEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, fmt.Errorf("op=comfyui.history: %w: %v", domain.ErrInternal, err)
	}
	start := time.Now()
	resp, err := c.hc.Do(httpReq)
	observability.BackendRequestsTotal.WithLabelValues("history").Inc()
	observability.BackendRequestDuration.WithLabelValues("history").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("op=comfyui.history: %w: %v", domain.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=comfyui.history: %w: status %d", domain.ErrBackendUnavailable, resp.StatusCode)
	}

	// History is keyed by prompt id; absent key means not terminal yet.
	var all map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, fmt.Errorf("op=comfyui.history: %w: decode: %v", domain.ErrBackendUnavailable, err)
	}
	entry, ok := all[promptID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// Completed reports whether the prompt has a terminal history record.
func (c *Client) Completed(ctx domain.Context, promptID string) (bool, error) {
	entry, err := c.history(ctx, promptID)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	if entry.Status.StatusStr == "error" {
		return false, fmt.Errorf("op=comfyui.Completed: %w: prompt failed on backend", domain.ErrBackendRejected)
	}
	return entry.Status.Completed, nil
}

// Artifacts downloads each output image of a completed prompt. Dimensions are
// carried from the originating request; the backend does not declare them.
func (c *Client) Artifacts(ctx domain.Context, promptID string, req domain.GenerationRequest) ([]domain.BackendImage, error) {
	entry, err := c.history(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("op=comfyui.Artifacts: %w: no history for prompt", domain.ErrBackendUnavailable)
	}
	var refs []imageRef
	for _, out := range entry.Outputs {
		refs = append(refs, out.Images...)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("op=comfyui.Artifacts: %w: history lists no images", domain.ErrBackendRejected)
	}
	images := make([]domain.BackendImage, 0, len(refs))
	for _, ref := range refs {
		data, err := c.fetchImage(ctx, ref)
		if err != nil {
			return nil, err
		}
		images = append(images, domain.BackendImage{Data: data, Width: req.Width, Height: req.Height})
	}
	return images, nil
}

func (c *Client) fetchImage(ctx domain.Context, ref imageRef) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", ref.Type)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("op=comfyui.fetchImage: %w: %v", domain.ErrInternal, err)
	}
	start := time.Now()
	resp, err := c.hc.Do(httpReq)
	observability.BackendRequestsTotal.WithLabelValues("view").Inc()
	observability.BackendRequestDuration.WithLabelValues("view").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("op=comfyui.fetchImage: %w: %v", domain.ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=comfyui.fetchImage: %w: status %d", domain.ErrBackendUnavailable, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=comfyui.fetchImage: %w: read: %v", domain.ErrBackendUnavailable, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("op=comfyui.fetchImage: %w: empty image %s", domain.ErrBackendUnavailable, ref.Filename)
	}
	return data, nil
}

// Health tries a short list of light endpoints with up to five attempts and
// linear backoff; true on the first success.
func (c *Client) Health(ctx domain.Context) bool {
	probes := []string{"/queue", "/system_stats", "/"}
	for attempt := 1; attempt <= healthAttempts; attempt++ {
		for _, p := range probes {
			if c.probe(ctx, p) {
				return true
			}
		}
		if attempt < healthAttempts {
			select {
			case <-ctx.Done():
				return false
			case <-time.After(healthBackoff * time.Duration(attempt)):
			}
		}
	}
	slog.Warn("backend health probe exhausted", slog.String("base_url", c.baseURL))
	return false
}

func (c *Client) probe(ctx domain.Context, path string) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

var _ domain.GenerationBackend = (*Client)(nil)
