// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultAPIPrefix is used when the app config does not name one.
	DefaultAPIPrefix = "/gradio_api"

	// MaxResponseSize caps non-streaming response bodies.
	MaxResponseSize = 4 * 1024 * 1024

	// DefaultConnectAttempts matches one retry after a failed handshake.
	DefaultConnectAttempts = 2

	// DefaultRetryDelay is the wait before the first connect retry.
	DefaultRetryDelay = 2 * time.Second

	retryMaxDelay = 30 * time.Second

	userAgent = "polaris"
)

var spaceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][\w.-]*/[A-Za-z0-9][\w.-]*$`)

// =============================================================================
// TARGET RESOLUTION
// =============================================================================

// ResolveTarget maps a target to the base URL of the app. A target is either
// a hosted space id ("owner/space") or an http(s) URL.
func ResolveTarget(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTarget)
	}

	if strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://") {
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
		}
		return strings.TrimRight(u.String(), "/"), nil
	}

	if !spaceIDPattern.MatchString(target) {
		return "", fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	sub := strings.ToLower(strings.NewReplacer("/", "-", "_", "-", ".", "-").Replace(target))
	return "https://" + sub + ".hf.space", nil
}

// =============================================================================
// CLIENT
// =============================================================================

// GradioClient connects to Gradio apps. It is safe for concurrent use.
type GradioClient struct {
	httpClient *http.Client
	token      string
	limiter    *rate.Limiter
	attempts   int
	retryDelay time.Duration
	logger     *zap.Logger
}

// Option configures a GradioClient.
type Option func(*GradioClient)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *GradioClient) { c.token = strings.TrimSpace(token) }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *GradioClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithRateLimit paces requests to perMinute. Zero or less disables pacing.
func WithRateLimit(perMinute int) Option {
	return func(c *GradioClient) {
		if perMinute <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60), 1)
	}
}

// WithRetry sets how many times Connect tries and the first backoff delay.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(c *GradioClient) {
		if attempts < 1 {
			attempts = 1
		}
		c.attempts = attempts
		c.retryDelay = delay
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *GradioClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewGradioClient creates a client. The HTTP client has no overall timeout
// because event streams are long-lived; callers bound waits with contexts.
func NewGradioClient(opts ...Option) *GradioClient {
	c := &GradioClient{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		attempts:   DefaultConnectAttempts,
		retryDelay: DefaultRetryDelay,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// appConfig is the subset of the app's /config document we use.
type appConfig struct {
	APIPrefix *string `json:"api_prefix"`
	Version   string  `json:"version"`
}

// Connect resolves target and performs the config handshake, retrying
// transient failures with exponential backoff.
func (c *GradioClient) Connect(ctx context.Context, target string) (Connection, error) {
	base, err := ResolveTarget(target)
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			delay := c.calculateBackoff(attempt)
			c.logger.Info("retrying connect",
				zap.String("target", target),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		cfg, err := c.fetchConfig(ctx, base)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isRetryable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		prefix := DefaultAPIPrefix
		if cfg.APIPrefix != nil {
			prefix = strings.TrimRight(*cfg.APIPrefix, "/")
		}
		c.logger.Debug("connected",
			zap.String("target", target),
			zap.String("base", base),
			zap.String("api_prefix", prefix),
			zap.String("version", cfg.Version))

		return &gradioConn{
			client:  c,
			target:  target,
			base:    base,
			prefix:  prefix,
			version: cfg.Version,
			jobs:    make(map[*sseJob]struct{}),
		}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
	}
	return nil, fmt.Errorf("connect %s: no attempts made", target)
}

func (c *GradioClient) fetchConfig(ctx context.Context, base string) (*appConfig, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/config", nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: truncateBody(body)}
	}

	var cfg appConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("parse app config: %w", err)
	}
	return &cfg, nil
}

// calculateBackoff returns the delay before retry number attempt.
func (c *GradioClient) calculateBackoff(attempt int) time.Duration {
	delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

func (c *GradioClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *GradioClient) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// =============================================================================
// CONNECTION
// =============================================================================

type gradioConn struct {
	client  *GradioClient
	target  string
	base    string
	prefix  string
	version string

	mu     sync.Mutex
	closed bool
	jobs   map[*sseJob]struct{}
}

func (g *gradioConn) Target() string { return g.target }

// callURL builds the call URL for endpoint, accepting "/chat" or "chat".
func (g *gradioConn) callURL(endpoint string, parts ...string) string {
	u := g.base + g.prefix + "/call/" + strings.TrimLeft(endpoint, "/")
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

type callRequest struct {
	Data []any `json:"data"`
}

type callResponse struct {
	EventID string `json:"event_id"`
}

func (g *gradioConn) Submit(ctx context.Context, endpoint string, args []any) (Job, error) {
	if g.isClosed() {
		return nil, ErrClosed
	}
	if args == nil {
		args = []any{}
	}

	eventID, err := g.queue(ctx, endpoint, args)
	if err != nil {
		return nil, err
	}

	// The stream outlives the submit context; Close ends it.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, g.callURL(endpoint, eventID), nil)
	if err != nil {
		cancel()
		return nil, err
	}
	g.client.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := g.client.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := readResponse(resp)
		resp.Body.Close()
		cancel()
		return nil, &APIError{Status: resp.StatusCode, Body: truncateBody(body)}
	}

	job := newSSEJob(resp.Body, cancel, g.client.logger.With(
		zap.String("endpoint", endpoint),
		zap.String("event_id", eventID)))
	job.onClose = func() { g.forget(job) }

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		job.Close()
		return nil, ErrClosed
	}
	g.jobs[job] = struct{}{}
	g.mu.Unlock()

	return job, nil
}

func (g *gradioConn) queue(ctx context.Context, endpoint string, args []any) (string, error) {
	if err := g.client.wait(ctx); err != nil {
		return "", err
	}

	payload, err := json.Marshal(callRequest{Data: args})
	if err != nil {
		return "", fmt.Errorf("marshal call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.callURL(endpoint), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	g.client.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := readResponse(resp)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{Status: resp.StatusCode, Body: truncateBody(body)}
	}

	var out callResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("parse call response: %w", err)
	}
	if out.EventID == "" {
		return "", fmt.Errorf("call response has no event_id")
	}
	return out.EventID, nil
}

// Predict runs a call to completion and returns its final unit.
func (g *gradioConn) Predict(ctx context.Context, endpoint string, args []any) (Unit, error) {
	job, err := g.Submit(ctx, endpoint, args)
	if err != nil {
		return Unit{}, err
	}
	defer job.Close()

	var last Unit
	seen := false
	for {
		unit, err := job.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return Unit{}, err
		}
		last, seen = unit, true
	}
	if !seen {
		return Unit{}, ErrNoData
	}
	return last, nil
}

// Close ends every open job. Further calls fail with ErrClosed.
func (g *gradioConn) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	jobs := make([]*sseJob, 0, len(g.jobs))
	for j := range g.jobs {
		jobs = append(jobs, j)
	}
	g.jobs = nil
	g.mu.Unlock()

	for _, j := range jobs {
		j.Close()
	}
	return nil
}

func (g *gradioConn) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *gradioConn) forget(j *sseJob) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.jobs, j)
}

// =============================================================================
// HELPERS
// =============================================================================

// readResponse reads the body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

func truncateBody(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return s
}
