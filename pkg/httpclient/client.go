// Package httpclient is the outbound HTTP client shared by the provider connectors.
package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the largest body read from a provider (10MB).
	MaxResponseSize = 10 * 1024 * 1024
)

type Config struct {
	Timeout            time.Duration `env:"HTTP_CLIENT_TIMEOUT" env-default:"30s"`
	MaxIdleConns       int           `env:"HTTP_CLIENT_MAX_IDLE_CONNS" env-default:"100"`
	IdleConnTimeout    time.Duration `env:"HTTP_CLIENT_IDLE_CONN_TIMEOUT" env-default:"90s"`
	DisableCompression bool          `env:"HTTP_CLIENT_DISABLE_COMPRESSION" env-default:"false"`
}

func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
	}
}

// Client wraps http.Client with logging, tracing and a response size limit.
type Client struct {
	client *http.Client
	logger ectologger.Logger
}

func NewClient(cfg Config, logger ectologger.Logger) *Client {
	transport := &http.Transport{
		Proxy:              http.ProxyFromEnvironment,
		MaxIdleConns:       cfg.MaxIdleConns,
		IdleConnTimeout:    cfg.IdleConnTimeout,
		DisableCompression: cfg.DisableCompression,
	}
	return NewClientFrom(&http.Client{Transport: transport, Timeout: cfg.Timeout}, logger)
}

// NewClientFrom wraps an existing http.Client, e.g. an httptest server's.
func NewClientFrom(client *http.Client, logger ectologger.Logger) *Client {
	return &Client{
		client: client,
		logger: logger,
	}
}

// HTTP exposes the underlying client for libraries that take one (oauth2).
func (c *Client) HTTP() *http.Client {
	return c.client
}

type Response struct {
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	Duration    time.Duration
}

// IsSuccess reports a 2xx status.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("empty response body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}
	return nil
}

// Snippet is the start of the body for error messages.
func (r *Response) Snippet() string {
	s := strings.TrimSpace(string(r.Body))
	if len(s) > 256 {
		return s[:256] + "..."
	}
	return s
}

// Do executes req and reads the whole body.
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "HTTPClient.Do")
	defer span.End()

	if tp := tracing.GetTraceParent(ctx); tp != "" && req.Header.Get("traceparent") == "" {
		req.Header.Set("traceparent", tp)
	}

	start := time.Now()
	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		metrics.RecordHTTPRequest(req.Method, "error", time.Since(start).Seconds())
		c.logger.WithContext(ctx).WithError(err).Errorf("HTTP request failed: %s %s", req.Method, req.URL.Redacted())
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	metrics.RecordHTTPRequest(req.Method, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response too large: %d bytes (max %d)", resp.ContentLength, MaxResponseSize)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response body too large: %d bytes (max %d)", len(body), MaxResponseSize)
	}

	response := &Response{
		StatusCode:  resp.StatusCode,
		Headers:     resp.Header,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Duration:    time.Since(start),
	}

	c.logger.WithContext(ctx).Debugf("HTTP %s %s -> %d (%s)", req.Method, req.URL.Redacted(), resp.StatusCode, response.Duration)
	return response, nil
}

// Get performs a GET with the given headers.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return c.Do(ctx, req)
}

// IsRateLimitStatus reports a 429.
func IsRateLimitStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests
}

// IsRetryableStatus reports statuses worth retrying later.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
