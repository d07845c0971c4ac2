// Package api is a client for the GPU marketplace REST API.
//
// Usage:
//
//	client := api.NewClient(api.WithAPIKey(key))
//	offers, err := client.SearchOffers(ctx, query.Params{Expression: "num_gpus>=2"})
//	inst, err := client.WaitUntilRunning(ctx, id, poll.Config{})
package api

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
	"sync"
	"time"

	"github.com/szaher/vastctl/internal/poll"
	"github.com/szaher/vastctl/internal/telemetry"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://console.vast.ai/api/v0"

const (
	defaultTimeout       = 120 * time.Second
	defaultRetryAttempts = 3
	defaultRetryDelay    = 5 * time.Second
	maxResponseSize      = 10 * 1024 * 1024
)

// Option configures the Client.
type Option func(*Client)

// WithAPIKey sets the API key sent with every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger for request tracing.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records request and wait metrics into m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithRetry sets how many times a retryable request is attempted in total
// and the pause between attempts.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		if attempts < 1 {
			attempts = 1
		}
		c.retryAttempts = attempts
		c.retryDelay = delay
	}
}

// WithClock replaces the clock used for retry pauses and waits.
func WithClock(clock poll.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// Client is the marketplace API client. It is safe for concurrent use.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	timeout       time.Duration
	logger        *slog.Logger
	metrics       *telemetry.Metrics
	retryAttempts int
	retryDelay    time.Duration
	clock         poll.Clock
	cache         *InstanceCache

	mu     sync.RWMutex
	apiKey string
}

// NewClient creates a client for DefaultBaseURL unless overridden.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:       DefaultBaseURL,
		timeout:       defaultTimeout,
		retryAttempts: defaultRetryAttempts,
		retryDelay:    defaultRetryDelay,
		clock:         poll.RealClock,
		cache:         NewInstanceCache(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// APIKey returns the key currently in use.
func (c *Client) APIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey
}

// SetAPIKey replaces the key used by later requests.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	c.apiKey = strings.TrimSpace(key)
	c.mu.Unlock()
}

// Cache returns the client's instance cache.
func (c *Client) Cache() *InstanceCache {
	return c.cache
}

// request describes one API call.
type request struct {
	method string
	path   string
	// route is the path with ids replaced, used as a metrics label.
	route string
	// params are added to the query string. Strings are sent as-is, other
	// values JSON-encoded.
	params map[string]any
	body   any
	// retry marks idempotent calls that may be repeated on transient
	// failures.
	retry bool
	// anonymous skips the API key requirement.
	anonymous bool
}

func (r request) label() string {
	if r.route != "" {
		return r.route
	}
	return r.path
}

func (c *Client) buildURL(r request, key string) (string, error) {
	q := url.Values{}
	for k, v := range r.params {
		if s, ok := v.(string); ok {
			q.Set(k, s)
			continue
		}
		data, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode param %s: %w", k, err)
		}
		q.Set(k, string(data))
	}
	if key != "" {
		q.Set("api_key", key)
	}
	u := c.baseURL + r.path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u, nil
}

// doJSON performs r, retrying transient failures when r.retry is set, and
// decodes the response into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, r request, out any) error {
	key := c.APIKey()
	if key == "" && !r.anonymous {
		return ErrNoAPIKey
	}

	attempts := 1
	if r.retry {
		attempts = c.retryAttempts
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var body []byte
		body, err = c.doOnce(ctx, r, key)
		if err == nil {
			if out == nil || len(bytes.TrimSpace(body)) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decode %s %s response: %w", r.method, r.label(), err)
			}
			return nil
		}
		if attempt == attempts || !retryable(ctx, err) {
			break
		}

		c.metrics.RecordRetry(r.label())
		c.logger.DebugContext(ctx, "retrying request",
			"method", r.method, "path", r.label(), "attempt", attempt, "error", err)
		if serr := c.clock.Sleep(ctx, c.retryDelay); serr != nil {
			return serr
		}
	}
	return err
}

func (c *Client) doOnce(ctx context.Context, r request, key string) ([]byte, error) {
	u, err := c.buildURL(r, key)
	if err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if id := telemetry.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordRequest(r.method, r.label(), 0, time.Since(start))
		// The URL carries the API key; report the path only.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return nil, fmt.Errorf("request %s %s: %w", r.method, r.path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := readBody(resp.Body, maxResponseSize)
	c.metrics.RecordRequest(r.method, r.label(), resp.StatusCode, time.Since(start))
	c.logger.DebugContext(ctx, "api request",
		"method", r.method,
		"path", r.path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
		"correlation_id", telemetry.CorrelationID(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("read %s %s response: %w", r.method, r.path, err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Method:     r.method,
			Path:       r.path,
			Message:    errorMessage(data),
		}
	}
	return data, nil
}

// retryable reports whether err is a transient failure worth repeating.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// readBody reads at most limit bytes; larger bodies are an error.
func readBody(body io.Reader, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("response body exceeds %d bytes", limit)
	}
	return data, nil
}
