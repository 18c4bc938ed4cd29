// Package client talks to a permit relay from the agent side.
package client

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
	"strings"
	"time"

	"github.com/MEKXH/permit/internal/approval"
	"github.com/MEKXH/permit/internal/gateway"
)

const (
	defaultHTTPTimeout  = 15 * time.Second
	defaultPollInterval = 2 * time.Second
)

// APIError is a non-2xx response from the relay.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	// Data is the envelope's data, which some failures still carry.
	Data json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("relay returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("relay returned HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether retrying the call may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// CreateRequest is the body of POST /api/requests.
type CreateRequest struct {
	Tool             string         `json:"tool"`
	WorkingDirectory string         `json:"workingDirectory"`
	Command          string         `json:"command,omitempty"`
	Description      string         `json:"description,omitempty"`
	Args             map[string]any `json:"args,omitempty"`
	Project          string         `json:"project,omitempty"`
	RiskLevel        string         `json:"riskLevel,omitempty"`
	TimeoutMs        int64          `json:"timeoutMs,omitempty"`
}

// Created is the relay's answer to a create call.
type Created struct {
	RequestID string `json:"requestId"`
	ExpiresAt int64  `json:"expiresAt"`
}

// Client is a small HTTP client for the relay API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// New creates a client for the relay at baseURL.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Create asks for permission and returns the new request id. When the relay
// stored the request but could not notify approvers, both the created id and
// the error are returned.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	var out Created
	if _, err := c.do(ctx, http.MethodPost, "/api/requests", req, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && len(apiErr.Data) > 0 {
			if json.Unmarshal(apiErr.Data, &out) == nil && out.RequestID != "" {
				return &out, err
			}
		}
		return nil, err
	}
	if out.RequestID == "" {
		return nil, errors.New("relay returned no request id")
	}
	return &out, nil
}

// Status polls a request once. Unknown ids report approval.StatusNotFound.
func (c *Client) Status(ctx context.Context, id string) (*gateway.PollResponse, error) {
	var out gateway.PollResponse
	_, err := c.do(ctx, http.MethodGet, "/api/requests/"+url.PathEscape(id), nil, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return &gateway.PollResponse{Status: approval.StatusNotFound}, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Remove deletes a request on the relay.
func (c *Client) Remove(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/requests/"+url.PathEscape(id), nil, nil)
	return err
}

// SendNotice relays a message to the approver chat and returns its id.
func (c *Client) SendNotice(ctx context.Context, notice approval.Notice) (string, error) {
	var out struct {
		MessageID string `json:"messageId"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/messages", notice, &out); err != nil {
		return "", err
	}
	return out.MessageID, nil
}

// Wait polls until the request leaves pending or ctx ends. Transient
// failures are retried on the next tick.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*gateway.PollResponse, error) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		resp, err := c.Status(ctx, id)
		switch {
		case err == nil && resp.Status != approval.StatusPending:
			return resp, nil
		case err != nil && !retryable(err):
			return nil, err
		case err != nil:
			lastErr = err
			slog.Debug("poll failed, retrying", "request_id", id, "error", err)
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Data = env.Data
		}
		return resp.StatusCode, apiErr
	}
	if decodeErr != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", decodeErr)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response data: %w", err)
		}
	}
	return resp.StatusCode, nil
}
