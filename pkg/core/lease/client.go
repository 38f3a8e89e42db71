package lease

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

// API is the lease protocol consumed by the Manager. Implemented by Client
// over HTTP and by fakes in tests.
type API interface {
	Start(ctx context.Context, ownerID string) (StartResponse, error)
	Heartbeat(ctx context.Context, sessionID string) (HeartbeatResponse, error)
	End(ctx context.Context, sessionID string, reason EndReason) (EndResponse, error)
}

// Client talks to a lease service over HTTP JSON.
//
// Start and End retry transient failures (network errors and 5xx) with
// capped exponential backoff. Heartbeat deliberately does not retry: a
// failed heartbeat is logged and skipped by the Manager, and the next tick
// tries again.
type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	maxRetries uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithAuthToken sets a bearer token attached to every request.
func WithAuthToken(token string) ClientOption {
	return func(c *Client) { c.authToken = token }
}

// WithMaxRetries bounds the transient-retry budget for Start and End.
func WithMaxRetries(n uint64) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// NewClient creates a lease client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("lease base URL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse lease base URL: %w", err)
	}

	c := &Client{
		baseURL:    baseURL,
		httpClient: newDefaultHTTPClient(),
		maxRetries: 3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// newDefaultHTTPClient configures transport-level timeouts while keeping the
// overall request lifetime controlled by context deadlines.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Start rents a new time budget for ownerID.
func (c *Client) Start(ctx context.Context, ownerID string) (StartResponse, error) {
	var out StartResponse
	err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.post(ctx, "/v1/leases", StartRequest{OwnerID: ownerID}, &out)
	})
	if err != nil {
		return StartResponse{}, fmt.Errorf("lease start: %w", err)
	}
	return out, nil
}

// Heartbeat refreshes the lease identified by sessionID. No retry.
func (c *Client) Heartbeat(ctx context.Context, sessionID string) (HeartbeatResponse, error) {
	var out HeartbeatResponse
	if err := c.post(ctx, "/v1/leases/"+url.PathEscape(sessionID)+"/heartbeat", struct{}{}, &out); err != nil {
		return HeartbeatResponse{}, fmt.Errorf("lease heartbeat: %w", err)
	}
	return out, nil
}

// End destroys the lease identified by sessionID.
func (c *Client) End(ctx context.Context, sessionID string, reason EndReason) (EndResponse, error) {
	var out EndResponse
	err := c.withRetry(ctx, func(ctx context.Context) error {
		return c.post(ctx, "/v1/leases/"+url.PathEscape(sessionID)+"/end", EndRequest{Reason: reason}, &out)
	})
	if err != nil {
		return EndResponse{}, fmt.Errorf("lease end: %w", err)
	}
	return out, nil
}

func (c *Client) withRetry(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithCappedDuration(2*time.Second,
		retry.WithMaxRetries(c.maxRetries, retry.NewExponential(200*time.Millisecond)))
	return retry.Do(ctx, backoff, fn)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network-level failures are worth another attempt.
		return retry.RetryableError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		err := fmt.Errorf("lease service returned %s", resp.Status)
		return retry.RetryableError(err)
	}
	if resp.StatusCode != http.StatusOK {
		var ae apiError
		if decodeErr := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&ae); decodeErr == nil && ae.Error.Message != "" {
			return fmt.Errorf("lease service %s: %s (%s)", resp.Status, ae.Error.Message, ae.Error.Code)
		}
		return fmt.Errorf("lease service returned %s", resp.Status)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
