// Package bootstrap resolves call session tokens and call history over the
// events HTTP API.
package bootstrap

import (
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

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/vango-go/callstream/pkg/metrics"
	"github.com/vango-go/callstream/pkg/protocol"
)

const maxResponseBytes = 8 << 20

// Client talks to the events API. It is safe for concurrent use.
type Client struct {
	baseURL      string
	token        string
	httpClient   *http.Client
	logger       *zap.Logger
	maxRetries   int
	retryBackoff time.Duration
}

type Option func(*Client)

// WithHTTPClient replaces the default tuned client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithRetries retries transport failures and 429/5xx answers up to n extra
// times with exponential backoff starting at backoff. The default is a single
// attempt.
func WithRetries(n int, backoff time.Duration) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
		if backoff > 0 {
			c.retryBackoff = backoff
		}
	}
}

// New returns a client for baseURL ("http(s)://host[:port][/prefix]").
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("server url is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("server url must use http or https, got %q", u.Scheme)
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		httpClient:   newDefaultHTTPClient(),
		logger:       zap.NewNop(),
		retryBackoff: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the normalised server URL.
func (c *Client) BaseURL() string { return c.baseURL }

// FetchSession resolves a fresh session token. A well-formed answer without
// an id yields ErrNoSession.
func (c *Client) FetchSession(ctx context.Context) (string, error) {
	var resp protocol.SessionResponse
	if err := c.getJSON(ctx, "session", protocol.PathSession, &resp); err != nil {
		return "", err
	}
	if resp.Session == nil || strings.TrimSpace(resp.Session.ID) == "" {
		return "", ErrNoSession
	}
	return resp.Session.ID, nil
}

// FetchCallHistory returns the recorded events of callSid in server order.
func (c *Client) FetchCallHistory(ctx context.Context, callSid string) ([]json.RawMessage, error) {
	if strings.TrimSpace(callSid) == "" {
		return nil, errors.New("callSid is required")
	}
	var resp protocol.HistoryResponse
	if err := c.getJSON(ctx, "history", protocol.HistoryPath(callSid), &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// History is FetchCallHistory with every failure collapsed to an empty slice.
func (c *Client) History(ctx context.Context, callSid string) []json.RawMessage {
	evs, err := c.FetchCallHistory(ctx, callSid)
	if err != nil {
		c.logger.Warn("fetch call history failed", zap.String("call_sid", callSid), zap.Error(err))
		return []json.RawMessage{}
	}
	if evs == nil {
		return []json.RawMessage{}
	}
	return evs
}

func (c *Client) getJSON(ctx context.Context, endpoint, path string, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	target := c.baseURL + path
	backoff := retry.WithMaxRetries(uint64(c.maxRetries), retry.NewExponential(c.retryBackoff))

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := c.doGET(ctx, target, out)
		if err == nil {
			return nil
		}
		var statusErr *StatusError
		var transportErr *TransportError
		switch {
		case ctx.Err() != nil:
			return err
		case errors.As(err, &statusErr) && statusErr.Temporary(),
			errors.As(err, &transportErr):
			c.logger.Debug("events api request failed",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			return retry.RetryableError(err)
		default:
			return err
		}
	})
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.BootstrapRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	return err
}

func (c *Client) doGET(ctx context.Context, target string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: http.MethodGet, URL: target, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: "read response", URL: target, Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{StatusCode: resp.StatusCode, URL: target, Body: string(body)}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// newDefaultHTTPClient configures transport-level timeouts while leaving the
// overall request lifetime to context deadlines.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}
	return &http.Client{Transport: transport}
}
