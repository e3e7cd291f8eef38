package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultTimeout  = 20 * time.Second
	defaultRetryMax = 2
	defaultUA       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

// Client wraps an http.Client with bounded retries for idempotent GETs.
// Retries happen on transport errors and 5xx responses; 4xx responses are
// returned to the caller untouched so that not-found handling stays with the
// metadata sources.
type Client struct {
	hc       *http.Client
	retryMax int
	headers  map[string]string
}

// Option mutates a Client during construction.
type Option func(*Client)

// WithRetryMax sets the maximum number of retries, not counting the first
// attempt.
func WithRetryMax(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.retryMax = n
		}
	}
}

// WithTimeout sets the per-request total timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.hc.Timeout = d
	}
}

// WithHeader adds a header applied to every request, e.g. a locale cookie.
func WithHeader(key, value string) Option {
	return func(c *Client) {
		c.headers[key] = value
	}
}

// New builds a retrying client with sane defaults.
func New(opts ...Option) *Client {
	c := &Client{
		hc:       &http.Client{Timeout: defaultTimeout},
		retryMax: defaultRetryMax,
		headers:  map[string]string{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches the url and returns the response. Responses with status 5xx or
// transport failures are retried up to the configured bound; the last error
// is returned once attempts are exhausted.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	return c.get(ctx, url, nil)
}

func (c *Client) get(ctx context.Context, url string, extra map[string]string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", defaultUA)
		for k, v := range c.headers {
			req.Header.Set(k, v)
		}
		for k, v := range extra {
			req.Header.Set(k, v)
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, lastErr
			}
			continue
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			resp.Body.Close()
			lastErr = fmt.Errorf("request %s: status %d", url, resp.StatusCode)
			continue
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no attempt made")
	}
	return nil, lastErr
}

// GetBody is Get plus body draining, for callers that want the whole payload.
// Non-2xx statuses are returned as errors carrying the status code.
func (c *Client) GetBody(ctx context.Context, url string) ([]byte, error) {
	return c.GetBodyWithHeaders(ctx, url, nil)
}

// GetBodyWithHeaders is GetBody with per-request headers layered on top of
// the client defaults.
func (c *Client) GetBodyWithHeaders(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	resp, err := c.get(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{URL: url, StatusCode: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body %s: %w", url, err)
	}
	return data, nil
}

// StatusError reports a non-2xx terminal response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request %s: status %d", e.URL, e.StatusCode)
}

// IsNotFound reports whether the error is a terminal 404 response.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
