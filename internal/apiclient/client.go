// Package apiclient fetches JSON from vendor APIs with bounded retries and
// returns a normalised envelope instead of Go errors for HTTP failures.
package apiclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"person_location/internal/logging"
)

const (
	DefaultAttempts = 2
	DefaultTimeout  = 10 * time.Second
	maxBodyBytes    = 4 << 20
)

// Response is the envelope every call returns.
type Response struct {
	OK      bool
	Status  int
	URL     string
	Headers http.Header
	// Body holds the raw payload; Data is nil when it is not valid JSON.
	Body  []byte
	Data  any
	Error string
}

// Decode unmarshals the raw payload into v.
func (r Response) Decode(v any) error {
	if len(r.Body) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(r.Body, v)
}

// AuthFailed reports a 401 or 403.
func (r Response) AuthFailed() bool {
	return r.Status == http.StatusUnauthorized || r.Status == http.StatusForbidden
}

// Client wraps an http.Client with retry and backoff.
type Client struct {
	http     *http.Client
	attempts int
	timeout  time.Duration
	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying transport.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithAttempts sets the total number of attempts.
func WithAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithTimeout sets the per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithSleep replaces the backoff wait.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// New builds a Client.
func New(opts ...Option) *Client {
	c := &Client{
		http:     &http.Client{},
		attempts: DefaultAttempts,
		timeout:  DefaultTimeout,
		sleep:    sleepCtx,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeout is the per-attempt timeout.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Get is Do with GET and no body.
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) Response {
	return c.Do(ctx, http.MethodGet, url, nil, headers)
}

// Do performs the request. Status codes 400, 401, 403, 404 and 422 are not
// retried; other failures back off 2^(attempt-1) seconds, or honour
// Retry-After on 429.
func (c *Client) Do(ctx context.Context, method, url string, body any, headers map[string]string) Response {
	short := stripQuery(url)
	var (
		payload []byte
		last    Response
		lastErr string
	)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return Response{URL: url, Error: fmt.Sprintf("encode request body: %v", err)}
		}
		payload = b
	}

	for attempt := 1; attempt <= c.attempts; attempt++ {
		resp, err := c.once(ctx, method, url, payload, headers)
		if err != nil {
			lastErr = fmt.Sprintf("HTTP error fetching %s - %v", short, err)
			logging.Debug().Int("attempt", attempt).Int("attempts", c.attempts).Str("url", short).Msg(lastErr)
			if ctx.Err() != nil {
				break
			}
		} else if resp.Status < 400 {
			return resp
		} else {
			last = resp
			lastErr = fmt.Sprintf("HTTP error fetching %s - status: %d", short, resp.Status)
			noRetry := isTerminal(resp.Status)
			logging.Debug().Int("attempt", attempt).Int("status", resp.Status).Bool("no_retry", noRetry).Str("url", short).Msg("request failed")
			if noRetry {
				break
			}
		}

		if attempt < c.attempts {
			delay := time.Duration(1<<uint(attempt-1)) * time.Second
			if last.Status == http.StatusTooManyRequests {
				delay = RetryDelay(last.Headers, time.Second, c.now())
			}
			if err := c.sleep(ctx, delay); err != nil {
				lastErr = fmt.Sprintf("HTTP error fetching %s - %v", short, err)
				break
			}
		}
	}

	logging.Debug().Str("url", short).Msg("all attempts failed")
	if lastErr == "" {
		lastErr = "unknown error"
	}
	return Response{
		OK:      false,
		Status:  last.Status,
		URL:     url,
		Headers: last.Headers,
		Error:   lastErr,
	}
}

func (c *Client) once(ctx context.Context, method, url string, payload []byte, headers map[string]string) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader = http.NoBody
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("Content-Type", "application/json; charset=UTF-8")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Response{}, fmt.Errorf("read body: %w", err)
	}
	out := Response{
		OK:      resp.StatusCode < 400,
		Status:  resp.StatusCode,
		URL:     resp.Request.URL.String(),
		Headers: resp.Header,
		Body:    raw,
	}
	var data any
	if len(raw) > 0 && json.Unmarshal(raw, &data) == nil {
		out.Data = data
	}
	return out, nil
}

// RetryDelay reads Retry-After as seconds or an HTTP date. The result is
// never below def, and unparseable values fall back to def.
func RetryDelay(h http.Header, def time.Duration, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return def
	}
	if isDigits(v) {
		n, err := strconv.Atoi(v)
		if err != nil {
			return def
		}
		if d := time.Duration(n) * time.Second; d > def {
			return d
		}
		return def
	}
	at, err := http.ParseTime(v)
	if err != nil {
		return def
	}
	if d := at.Sub(now); d > def {
		return d
	}
	return def
}

func isTerminal(status int) bool {
	switch status {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func stripQuery(url string) string {
	if i := strings.IndexByte(url, '?'); i >= 0 {
		return url[:i]
	}
	return url
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
