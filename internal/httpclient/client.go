// Package httpclient provides an HTTP client with retry logic shared by the
// Graph and chat-completion clients
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/curtbushko/teams-cdr/internal/config"
	"github.com/curtbushko/teams-cdr/internal/logging"
)

// DefaultRetryableStatus lists the status codes retried by default
var DefaultRetryableStatus = []int{429, 500, 502, 503, 504}

// ErrorParser converts a non-2xx response body into a service-specific
// error. It returns nil when the body is not recognized.
type ErrorParser func(statusCode int, body []byte) error

// Config holds configuration for the retry HTTP client
type Config struct {
	Timeout         time.Duration // Request timeout
	MaxRetries      int           // Maximum number of retries
	RetryWaitMin    time.Duration // Minimum wait time between retries
	RetryWaitMax    time.Duration // Maximum wait time between retries
	RetryableStatus []int         // HTTP status codes that should trigger retries
	ErrorParser     ErrorParser   // Optional service error decoding
}

// ConfigFromHTTPConfig creates a Config from the application HTTP settings
func ConfigFromHTTPConfig(cfg config.HTTPConfig) Config {
	return Config{
		Timeout:         cfg.TimeoutDuration(),
		MaxRetries:      cfg.RetryAttempts,
		RetryWaitMin:    500 * time.Millisecond,
		RetryWaitMax:    5 * time.Second,
		RetryableStatus: DefaultRetryableStatus,
	}
}

// RetryClient is an HTTP client with retry logic and exponential backoff
type RetryClient struct {
	client *http.Client
	config Config
}

// New creates a new HTTP client with retry logic
func New(cfg Config) *RetryClient {
	if cfg.RetryWaitMin == 0 {
		cfg.RetryWaitMin = 500 * time.Millisecond
	}
	if cfg.RetryWaitMax == 0 {
		cfg.RetryWaitMax = 5 * time.Second
	}
	if len(cfg.RetryableStatus) == 0 {
		cfg.RetryableStatus = DefaultRetryableStatus
	}

	return &RetryClient{
		client: &http.Client{Timeout: cfg.Timeout},
		config: cfg,
	}
}

// HTTPError represents a non-2xx response that no ErrorParser recognized
type HTTPError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Status)
}

// StatusCoder is implemented by errors that carry an HTTP status
type StatusCoder interface {
	HTTPStatus() int
}

// HTTPStatus returns the response status code
func (e *HTTPError) HTTPStatus() int {
	return e.StatusCode
}

// Do executes an HTTP request with retry logic. Non-2xx responses are
// returned as errors with the body consumed.
func (c *RetryClient) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	requestID, ok := logging.GetRequestID(ctx)
	if !ok {
		requestID = logging.GenerateRequestID()
	}

	logging.LogAPIRequest(logging.APIRequest{
		Method:    req.Method,
		URL:       req.URL.String(),
		Headers:   flattenHeaders(req.Header),
		RequestID: requestID,
		Timestamp: time.Now(),
	})

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		reqClone, err := c.cloneRequest(req)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		resp, err := c.client.Do(reqClone)
		if err != nil {
			c.logResponse(requestID, attempt, 0, time.Since(start), err)
			// network errors are retried unless the caller gave up
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt < c.config.MaxRetries {
				if werr := c.waitForRetry(ctx, attempt, 0); werr != nil {
					return nil, werr
				}
				continue
			}
			return nil, fmt.Errorf("request failed after %d attempts: %w", attempt+1, err)
		}

		if resp.StatusCode < 400 {
			c.logResponse(requestID, attempt, resp.StatusCode, time.Since(start), nil)
			return resp, nil
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		lastErr = c.responseError(resp, body)
		c.logResponse(requestID, attempt, resp.StatusCode, time.Since(start), lastErr)

		if c.shouldRetry(resp.StatusCode) && attempt < c.config.MaxRetries {
			if werr := c.waitForRetry(ctx, attempt, parseRetryAfter(resp)); werr != nil {
				return nil, werr
			}
			continue
		}
		return nil, lastErr
	}

	return nil, lastErr
}

func (c *RetryClient) logResponse(requestID string, attempt, status int, elapsed time.Duration, err error) {
	response := logging.APIResponse{
		StatusCode: status,
		RequestID:  requestID,
		Duration:   elapsed,
		Timestamp:  time.Now(),
		Success:    err == nil,
		Attempt:    attempt + 1,
	}
	if err != nil {
		response.Error = err.Error()
	}
	logging.LogAPIResponse(response)
}

func (c *RetryClient) responseError(resp *http.Response, body []byte) error {
	if c.config.ErrorParser != nil {
		if err := c.config.ErrorParser(resp.StatusCode, body); err != nil {
			return err
		}
	}
	return &HTTPError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
}

// cloneRequest copies req for an attempt, rewinding the body when present
func (c *RetryClient) cloneRequest(req *http.Request) (*http.Request, error) {
	reqClone := req.Clone(req.Context())
	if req.Body != nil && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}
		reqClone.Body = body
	}
	return reqClone, nil
}

func (c *RetryClient) shouldRetry(statusCode int) bool {
	for _, retryableStatus := range c.config.RetryableStatus {
		if statusCode == retryableStatus {
			return true
		}
	}
	return false
}

// parseRetryAfter parses the Retry-After header and returns the wait duration
func parseRetryAfter(resp *http.Response) time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if duration := time.Until(t); duration > 0 {
			return duration
		}
	}

	return 0
}

// backoff returns the wait before the next attempt: Retry-After when given,
// otherwise exponential backoff with jitter, clamped to the configured range
func (c *RetryClient) backoff(attempt int, retryAfter time.Duration) time.Duration {
	var waitTime time.Duration
	if retryAfter > 0 {
		waitTime = retryAfter
	} else {
		base := float64(c.config.RetryWaitMin)
		exponential := base * math.Pow(2, float64(attempt))
		// +/-25%
		jitter := exponential * 0.25 * (rand.Float64()*2 - 1)
		waitTime = time.Duration(exponential + jitter)
		if waitTime < c.config.RetryWaitMin {
			waitTime = c.config.RetryWaitMin
		}
	}

	if waitTime > c.config.RetryWaitMax {
		waitTime = c.config.RetryWaitMax
	}
	return waitTime
}

func (c *RetryClient) waitForRetry(ctx context.Context, attempt int, retryAfter time.Duration) error {
	timer := time.NewTimer(c.backoff(attempt, retryAfter))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Doer executes HTTP requests
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource supplies the Authorization header value for a request
type TokenSource interface {
	AuthorizationHeader(ctx context.Context) (string, error)
}

// AuthenticatedClient adds an Authorization header to every request
type AuthenticatedClient struct {
	doer   Doer
	tokens TokenSource
}

// NewAuthenticatedClient wraps doer with authentication from tokens
func NewAuthenticatedClient(doer Doer, tokens TokenSource) *AuthenticatedClient {
	return &AuthenticatedClient{
		doer:   doer,
		tokens: tokens,
	}
}

// Do executes an HTTP request with automatic authentication
func (c *AuthenticatedClient) Do(req *http.Request) (*http.Response, error) {
	header, err := c.tokens.AuthorizationHeader(req.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to get access token for request: %w", err)
	}
	req.Header.Set("Authorization", header)
	return c.doer.Do(req)
}

// IsRetryableError checks if an error is retryable
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var coder StatusCoder
	if errors.As(err, &coder) {
		for _, code := range DefaultRetryableStatus {
			if coder.HTTPStatus() == code {
				return true
			}
		}
		return false
	}

	errStr := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"network is unreachable",
		"temporary failure",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}

func flattenHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for key, values := range h {
		headers[key] = strings.Join(values, ", ")
	}
	return logging.SanitizeHeaders(headers)
}
