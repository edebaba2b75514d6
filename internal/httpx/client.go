// Package httpx wraps outbound vendor HTTP calls with bounded retries on
// transport failures and a typed status discipline: statuses a caller declares
// as expected are domain signals and returned without retry, anything else
// outside 2xx is a validation failure.
package httpx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
)

// StatusError reports an HTTP status outside both the success and expected sets.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("httpx: unexpected status %d from %s", e.StatusCode, e.URL)
}

// Request describes a single outbound call. Body is held as bytes so retries
// can replay it.
type Request struct {
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	Expected []int
}

// Client issues vendor HTTP requests with retry and circuit-breaker discipline.
type Client struct {
	hc         *http.Client
	maxRetries int
	backoff    time.Duration
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	logger     *log.Logger
	sleep      func(time.Duration)
}

// Option configures the client.
type Option func(*Client)

// WithTimeout sets the per-call timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.hc.Timeout = timeout
		}
	}
}

// WithMaxRetries sets the maximum number of retries after the first attempt.
func WithMaxRetries(retries int) Option {
	return func(c *Client) {
		if retries >= 0 {
			c.maxRetries = retries
		}
	}
}

// WithBackoff sets the base delay between attempts; the delay doubles per retry.
func WithBackoff(delay time.Duration) Option {
	return func(c *Client) {
		if delay >= 0 {
			c.backoff = delay
		}
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithBreaker guards all calls with a named circuit breaker. The breaker trips
// after a sustained transport failure rate and fails fast while open.
func WithBreaker(name string) Option {
	return func(c *Client) {
		c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
			Name:        name,
			MaxRequests: 3,
			Interval:    time.Minute,
			Timeout:     2 * time.Minute,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 10 &&
					float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
			},
		})
	}
}

// NewClient constructs a client with teacher defaults: 30s timeout, 3 retries.
func NewClient(opts ...Option) *Client {
	c := &Client{
		hc:         &http.Client{Timeout: 30 * time.Second},
		maxRetries: 3,
		backoff:    time.Second,
		logger:     log.Default(),
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do performs the request. Transport errors are retried up to the configured
// maximum; responses carrying an expected status are returned immediately for
// the caller to interpret. The caller owns resp.Body on a nil error.
func (c *Client) Do(ctx context.Context, req Request) (*http.Response, error) {
	if req.Method == "" || req.URL == "" {
		return nil, errors.New("httpx: empty method or url")
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Printf("httpx: retry attempt=%d url=%s err=%v", attempt, req.URL, lastErr)
			c.sleep(c.backoff * time.Duration(1<<(attempt-1)))
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		resp, err := c.attempt(ctx, req)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return nil, fmt.Errorf("httpx: circuit open for %s: %w", req.URL, err)
			}
			lastErr = err
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}
		for _, status := range req.Expected {
			if resp.StatusCode == status {
				return resp, nil
			}
		}
		drain(resp)
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: req.URL}
	}
	return nil, fmt.Errorf("httpx: retries exhausted for %s: %w", req.URL, lastErr)
}

func (c *Client) attempt(ctx context.Context, req Request) (*http.Response, error) {
	call := func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return nil, err
		}
		for key, values := range req.Header {
			for _, value := range values {
				httpReq.Header.Add(key, value)
			}
		}
		return c.hc.Do(httpReq)
	}
	if c.breaker != nil {
		return c.breaker.Execute(call)
	}
	return call()
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
}
