// Package client is the HTTP client for remote NoxRunner-compatible
// sandbox backends. It forwards the same operations the local jail
// implements (create, touch, exec, upload, download, delete) 1:1 onto
// the backend's /v1/sandboxes API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noxrunner/noxrunner/internal/archive"
)

const defaultRequestTimeout = 30 * time.Second

// HTTPError reports a non-2xx backend response.
type HTTPError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a NoxRunner-compatible backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	codec      *archive.Codec
	logger     *slog.Logger
}

// New creates a client against baseURL (e.g. "http://127.0.0.1:8080").
// timeout == 0 uses the 30 second default.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		codec:      archive.NewCodec(logger),
		logger:     logger,
	}
}

// CreateOptions are the optional sandbox provisioning parameters. The
// local backend ignores the resource fields; remote backends map them to
// container limits.
type CreateOptions struct {
	TTLSeconds            int
	Image                 string
	CPULimit              string
	MemoryLimit           string
	EphemeralStorageLimit string
}

// CreateResponse is the backend's answer to a create call.
type CreateResponse struct {
	PodName   string `json:"podName"`
	ExpiresAt string `json:"expiresAt"`
	SessionID string `json:"-"`
}

// ExecResponse mirrors the jail's execution result.
type ExecResponse struct {
	ExitCode   int    `json:"exitCode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"durationMs"`
}

// HealthCheck reports whether the backend answers its health endpoint.
func (c *Client) HealthCheck(ctx context.Context) bool {
	status, body, err := c.request(ctx, http.MethodGet, "/healthz", nil, "")
	return err == nil && status == http.StatusOK && bytes.Contains(body, []byte("OK"))
}

// CreateSandbox creates or refreshes the sandbox for sessionID. An empty
// sessionID is replaced with a generated one; the identifier used is
// returned in the response.
func (c *Client) CreateSandbox(ctx context.Context, sessionID string, opts CreateOptions) (*CreateResponse, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	ttl := opts.TTLSeconds
	if ttl == 0 {
		ttl = 900
	}

	payload := map[string]any{"ttlSeconds": ttl}
	if opts.Image != "" {
		payload["image"] = opts.Image
	}
	if opts.CPULimit != "" {
		payload["cpuLimit"] = opts.CPULimit
	}
	if opts.MemoryLimit != "" {
		payload["memoryLimit"] = opts.MemoryLimit
	}
	if opts.EphemeralStorageLimit != "" {
		payload["ephemeralStorageLimit"] = opts.EphemeralStorageLimit
	}

	var resp CreateResponse
	if err := c.jsonRequest(ctx, http.MethodPut, "/v1/sandboxes/"+url.PathEscape(sessionID), payload, &resp); err != nil {
		return nil, err
	}
	resp.SessionID = sessionID
	return &resp, nil
}

// Touch extends the sandbox TTL.
func (c *Client) Touch(ctx context.Context, sessionID string) error {
	status, body, err := c.request(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(sessionID)+"/touch", nil, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &HTTPError{StatusCode: status, Message: "touch failed", Body: string(body)}
	}
	return nil
}

// Exec runs a command in the remote sandbox.
func (c *Client) Exec(ctx context.Context, sessionID string, cmd []string, workdir string, env map[string]string, timeoutSeconds int) (*ExecResponse, error) {
	if workdir == "" {
		workdir = "/workspace"
	}
	if timeoutSeconds == 0 {
		timeoutSeconds = 30
	}
	payload := map[string]any{
		"cmd":            cmd,
		"workdir":        workdir,
		"timeoutSeconds": timeoutSeconds,
	}
	if len(env) > 0 {
		payload["env"] = env
	}

	var resp ExecResponse
	if err := c.jsonRequest(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(sessionID)+"/exec", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadFiles packs the given named buffers into an archive and uploads
// them to dest in the remote sandbox.
func (c *Client) UploadFiles(ctx context.Context, sessionID string, files map[string][]byte, dest string) error {
	blob, err := c.codec.Pack(files)
	if err != nil {
		return fmt.Errorf("packing files: %w", err)
	}
	return c.UploadArchive(ctx, sessionID, blob, dest)
}

// UploadArchive uploads a pre-built archive blob to dest.
func (c *Client) UploadArchive(ctx context.Context, sessionID string, blob []byte, dest string) error {
	if dest == "" {
		dest = "/workspace"
	}
	path := "/v1/sandboxes/" + url.PathEscape(sessionID) + "/files/upload?" + url.Values{"dest": {dest}}.Encode()
	status, body, err := c.request(ctx, http.MethodPost, path, blob, "application/x-tar")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &HTTPError{StatusCode: status, Message: "upload failed", Body: string(body)}
	}
	return nil
}

// DownloadFiles fetches src from the remote sandbox as an archive blob.
func (c *Client) DownloadFiles(ctx context.Context, sessionID string, src string) ([]byte, error) {
	if src == "" {
		src = "/workspace"
	}
	path := "/v1/sandboxes/" + url.PathEscape(sessionID) + "/files/download?" + url.Values{"src": {src}}.Encode()
	status, body, err := c.request(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, &HTTPError{StatusCode: status, Message: "download failed", Body: string(body)}
	}
	return body, nil
}

// DeleteSandbox deletes the remote sandbox.
func (c *Client) DeleteSandbox(ctx context.Context, sessionID string) error {
	status, body, err := c.request(ctx, http.MethodDelete, "/v1/sandboxes/"+url.PathEscape(sessionID), nil, "")
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return &HTTPError{StatusCode: status, Message: "delete failed", Body: string(body)}
	}
	return nil
}

// WaitForReady polls the sandbox with ["echo", "ready"] at the given
// interval until its trimmed stdout equals "ready" or the deadline
// elapses. Reports failure without error.
func (c *Client) WaitForReady(ctx context.Context, sessionID string, timeout, interval time.Duration) bool {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(timeout)

	for {
		resp, err := c.Exec(ctx, sessionID, []string{"echo", "ready"}, "", nil, 5)
		if err == nil && strings.TrimSpace(resp.Stdout) == "ready" {
			return true
		}
		if time.Now().Add(interval).After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
}

// --- Internal helpers ---

// jsonRequest sends payload as JSON and decodes a 2xx response into out.
func (c *Client) jsonRequest(ctx context.Context, method, path string, payload any, out any) error {
	var body []byte
	contentType := ""
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		contentType = "application/json"
	}

	status, respBody, err := c.request(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return &HTTPError{StatusCode: status, Message: "request failed", Body: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// request performs one HTTP round trip and returns the status and body.
func (c *Client) request(ctx context.Context, method, path string, body []byte, contentType string) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	} else if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("network error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
