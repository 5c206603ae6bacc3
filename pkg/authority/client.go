package authority

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout        = 30 * time.Second
	responseBodyReadLimit = 1 << 20
)

var errTokenRequired = errors.New("authority api token is required")

// Client posts invoices to the authority and normalizes every response into an Outcome.
type Client struct {
	httpClient *http.Client
	env        Environment
	token      string
	limiter    *rate.Limiter
	now        func() time.Time
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

// WithRateLimit throttles outbound submissions. A non-positive rate disables throttling.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *Client) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithClock overrides the clock used when the authority omits a timestamp.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// NewClient builds an authority client bound to one environment.
func NewClient(env Environment, token string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, errTokenRequired
	}
	if env.BaseURL == "" || env.SubmitPath == "" {
		return nil, errors.New("authority environment is required")
	}

	client := &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		env:        env,
		token:      trimmed,
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// Environment reports the environment the client submits to.
func (c *Client) Environment() Environment {
	return c.env
}

// Submit posts one invoice. It never returns an error: every failure mode is an Outcome.
func (c *Client) Submit(ctx context.Context, sub Submission) Outcome {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return TransportFailure(0, fmt.Errorf("wait for rate limiter: %w", err))
		}
	}

	payload, err := json.Marshal(sub)
	if err != nil {
		return TransportFailure(0, fmt.Errorf("marshal submission: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.env.SubmitURL(), bytes.NewReader(payload))
	if err != nil {
		return TransportFailure(0, fmt.Errorf("build submission request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TransportFailure(0, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyReadLimit))
	if err != nil {
		return TransportFailure(resp.StatusCode, fmt.Errorf("read submission response: %w", err))
	}

	return normalize(resp.StatusCode, body, c.now())
}
