// Package sdk is the embeddable client for the chat reliability gateway's
// HTTP surface.
//
// It covers the four endpoints a caller outside the service needs: the
// streaming chat endpoint, the health/readiness view, the operator
// reliability snapshot, and the internal worker kick. The drill and release
// gate harnesses are built on it; product backends can embed it the same
// way.
//
//	client := sdk.New(sdk.Config{
//	    BaseURL: "https://gw.example.com",
//	    Token:   os.Getenv("GATEWAY_TOKEN"),
//	    Origin:  "https://app.example.com",
//	})
//	stream, err := client.ChatStream(ctx, sdk.ChatRequest{
//	    ThreadID: "t-1",
//	    Content:  "hello",
//	})
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorCodeHeader mirrors the gateway's machine-readable error header.
const ErrorCodeHeader = "x-sendcat-error-code"

const defaultTimeout = 30 * time.Second

// Config holds the client configuration.
type Config struct {
	// BaseURL is the gateway origin, e.g. "https://gw.example.com".
	BaseURL string

	// Token is the bearer token sent on chat and snapshot calls.
	Token string

	// Origin is sent as the Origin header; the gateway enforces an
	// allow-list, so this must be one of its configured origins.
	Origin string

	// Timeout bounds non-streaming calls (default 30s). Streaming calls
	// ignore it; cancel their context instead.
	Timeout time.Duration

	// HTTPClient overrides the transport when set. Streaming uses it as-is,
	// so it must not carry a client-level timeout.
	HTTPClient *http.Client
}

// Client talks to one gateway deployment. Safe for concurrent use.
type Client struct {
	cfg    Config
	httpc  *http.Client
	stream *http.Client
}

// New builds a client. A zero Timeout gets the 30s default.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")

	streaming := cfg.HTTPClient
	if streaming == nil {
		streaming = &http.Client{}
	}
	return &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.Timeout, Transport: streaming.Transport},
		stream: streaming,
	}
}

// APIError is a non-2xx gateway answer.
type APIError struct {
	Status       int
	Code         string
	Message      string
	RetryAfterMs int64
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway: %s (%s, http %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("gateway: %s (http %d)", e.Code, e.Status)
}

// IsRateLimited reports whether err is a 429 from the gateway.
func IsRateLimited(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusTooManyRequests
}

// Health fetches the readiness view with the redacted config.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.getJSON(ctx, "/api/chat/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Snapshot fetches the operator reliability snapshot. Zero query fields
// fall back to the gateway's defaults.
func (c *Client) Snapshot(ctx context.Context, q SnapshotQuery) (*Snapshot, error) {
	params := make([]string, 0, 2)
	if q.WindowMinutes > 0 {
		params = append(params, "minutes="+strconv.Itoa(q.WindowMinutes))
	}
	if q.Limit > 0 {
		params = append(params, "limit="+strconv.Itoa(q.Limit))
	}
	path := "/api/ops/reliability"
	if len(params) > 0 {
		path += "?" + strings.Join(params, "&")
	}
	var out Snapshot
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// KickWorkers triggers one queue processing pass. workerToken is the shared
// worker secret, not the bearer token.
func (c *Client) KickWorkers(ctx context.Context, workerToken string) (*RunSummary, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/internal/tool-jobs/process", nil)
	if err != nil {
		return nil, fmt.Errorf("sdk: build kick request: %w", err)
	}
	req.Header.Set("X-Worker-Token", workerToken)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sdk: kick request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}
	var out RunSummary
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("sdk: decode kick response: %w", err)
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("sdk: build request: %w", err)
	}
	c.decorate(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("sdk: request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("sdk: decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) decorate(req *http.Request) {
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if c.cfg.Origin != "" {
		req.Header.Set("Origin", c.cfg.Origin)
	}
}

// readAPIError drains a non-2xx response into an APIError. The header code
// wins when the body is unreadable.
func readAPIError(resp *http.Response) error {
	apiErr := &APIError{
		Status: resp.StatusCode,
		Code:   resp.Header.Get(ErrorCodeHeader),
	}
	var body struct {
		Code         string `json:"code"`
		Message      string `json:"message"`
		RetryAfterMs int64  `json:"retryAfterMs"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8_192))
	if err == nil && json.Unmarshal(raw, &body) == nil {
		if body.Code != "" {
			apiErr.Code = body.Code
		}
		apiErr.Message = body.Message
		apiErr.RetryAfterMs = body.RetryAfterMs
	}
	if apiErr.Code == "" {
		apiErr.Code = "unknown_error"
	}
	return apiErr
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("sdk: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("sdk: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)
	return c.stream.Do(req)
}
