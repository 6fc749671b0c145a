// Package api is the REST client for the messaging backend: thread
// listing, message history, message submission and read persistence.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/wedlink/msgsync/internal/backoff"
	"github.com/wedlink/msgsync/internal/model"
	"github.com/wedlink/msgsync/pkg/logger"
)

const (
	DefaultTimeout    = 15 * time.Second
	DefaultGetRetries = 3

	maxResponseBytes = 8 << 20
)

// Error is a non-2xx response. Message is the server's "message" field, or
// the raw body when the body is not JSON.
type Error struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// Transient reports whether the request may succeed if repeated.
func (e *Error) Transient() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// IsTransient reports whether err is worth retrying: transient HTTP
// statuses and network failures. Context cancellation is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Config holds client settings.
type Config struct {
	BaseURL string
	// Token is sent as a bearer credential on every request.
	Token string
	// HTTPClient is used for all requests. If nil, a client with an
	// otelhttp transport and DefaultTimeout is used.
	HTTPClient *http.Client
	// GetRetries bounds retries of idempotent reads. Zero means
	// DefaultGetRetries; negative disables retries.
	GetRetries int
	Backoff    backoff.Policy
	Logger     *logger.Logger
}

// Client is safe for concurrent use.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	getRetries int
	backoff    backoff.Policy
	logger     *logger.Logger
}

// NewClient validates cfg and creates a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL %q: %w", cfg.BaseURL, err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	retries := cfg.GetRetries
	if retries == 0 {
		retries = DefaultGetRetries
	}
	if retries < 0 {
		retries = 0
	}
	policy := cfg.Backoff
	if policy.Base <= 0 || policy.Max <= 0 {
		policy = backoff.Default
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		httpClient: httpClient,
		getRetries: retries,
		backoff:    policy,
		logger:     logger.OrNop(cfg.Logger).Named("api"),
	}, nil
}

// WithToken returns a copy of c authenticating with token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.token = token
	return &cp
}

// ListThreads fetches the viewer's threads with server-side unread counts.
func (c *Client) ListThreads(ctx context.Context) ([]model.Thread, error) {
	var resp model.ListThreadsResponse
	if err := c.get(ctx, "/threads", &resp); err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	return resp.Threads, nil
}

// ListMessages fetches a thread's message history.
func (c *Client) ListMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	var resp model.ListMessagesResponse
	if err := c.get(ctx, "/threads/"+url.PathEscape(threadID)+"/messages", &resp); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return resp.Messages, nil
}

// SendMessage submits a message and returns the server's version of it.
// It is never retried here; the delivery pipeline owns retries.
func (c *Client) SendMessage(ctx context.Context, threadID string, req model.SendMessageRequest) (model.Message, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/threads/"+url.PathEscape(threadID)+"/messages", req)
	if err != nil {
		return model.Message{}, fmt.Errorf("send message: %w", err)
	}

	var msg model.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return model.Message{}, fmt.Errorf("send message: failed to parse response: %w", err)
	}
	if msg.ThreadID == "" {
		msg.ThreadID = threadID
	}
	return msg, nil
}

// MarkRead persists read state for messages of a thread.
func (c *Client) MarkRead(ctx context.Context, threadID string, messageIDs []string) error {
	_, err := c.doRequest(ctx, http.MethodPut, "/threads/"+url.PathEscape(threadID)+"/read",
		model.MarkReadRequest{MessageIDs: messageIDs})
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	var body []byte
	operation := func() error {
		var err error
		body, err = c.doRequest(ctx, http.MethodGet, path, nil)
		if err != nil && !IsTransient(err) {
			return cbackoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying request",
			zap.String("path", path),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	policy := cbackoff.WithContext(c.backoff.BackOff(c.getRetries), ctx)
	if c.getRetries == 0 {
		policy = cbackoff.WithContext(&cbackoff.StopBackOff{}, ctx)
	}
	if err := cbackoff.RetryNotify(operation, policy, notify); err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	apiErr := &Error{StatusCode: response.StatusCode}
	if jsonErr := json.Unmarshal(responseBody, apiErr); jsonErr != nil {
		apiErr.Message = strings.TrimSpace(string(responseBody))
	}
	apiErr.StatusCode = response.StatusCode
	return nil, apiErr
}
