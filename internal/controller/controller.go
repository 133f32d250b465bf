// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/okemovail/polaris/internal/model"
	"github.com/okemovail/polaris/internal/remote"
)

// archiveTimeout bounds a single archive write.
const archiveTimeout = 5 * time.Second

// pending tracks the one in-flight request.
type pending struct {
	gen    uint64
	index  int
	prev   []model.Turn // session turns before the request, for rollback
	cancel context.CancelFunc
}

// Controller owns one session. It is safe for concurrent use; all session
// mutation happens under mu, and network waits happen outside it.
type Controller struct {
	client remote.Client
	cfg    Config

	logger     *zap.Logger
	renderer   Renderer
	statusSink StatusSink
	archiver   Archiver

	mu        sync.Mutex
	session   *model.Session
	gen       uint64
	inflight  *pending
	conn      remote.Connection
	target    string
	settings  model.Settings
	webSearch bool
}

// New creates a controller with an empty session. The client is not
// contacted until the first request.
func New(client remote.Client, cfg Config, opts ...Option) *Controller {
	cfg.fillDefaults()
	c := &Controller{
		client:   client,
		cfg:      cfg,
		logger:   zap.NewNop(),
		target:   cfg.Target,
		settings: model.DefaultSettings(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.session = model.NewSession(c.target)
	return c
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Snapshot returns a deep copy of the session.
func (c *Controller) Snapshot() model.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Clone()
}

// Target returns the current backend target.
func (c *Controller) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// Busy reports whether a request is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

// Config returns the controller configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// Settings returns the sampling settings.
func (c *Controller) Settings() model.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// SetSettings validates and replaces the sampling settings.
func (c *Controller) SetSettings(s model.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.settings = s
	c.mu.Unlock()
	return nil
}

// WebSearch reports whether outgoing messages request web search.
func (c *Controller) WebSearch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.webSearch
}

// SetWebSearch toggles the web-search marker on outgoing messages.
func (c *Controller) SetWebSearch(on bool) {
	c.mu.Lock()
	c.webSearch = on
	c.mu.Unlock()
}

// =============================================================================
// SESSION RESETS
// =============================================================================

// Stop abandons the in-flight request and settles its turn with whatever
// reply had arrived. It reports whether there was anything to stop.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	return c.stopLocked(c.inflight)
}

// stopGen stops the request tagged gen. A request that has already been
// replaced is left alone.
func (c *Controller) stopGen(gen uint64) bool {
	c.mu.Lock()
	p := c.inflight
	if p != nil && p.gen != gen {
		p = nil
	}
	return c.stopLocked(p)
}

// stopLocked stops p. Caller holds mu; stopLocked releases it.
func (c *Controller) stopLocked(p *pending) bool {
	if p == nil {
		c.mu.Unlock()
		return false
	}
	c.gen++
	c.inflight = nil
	p.cancel()

	turn := &c.session.Turns[p.index]
	if turn.Reply() != "" {
		turn.Settle(turn.Reply(), false)
	} else {
		turn.Settle(c.cfg.InterruptedText, true)
	}
	c.session.Touch()
	snap := c.session.Clone()
	c.mu.Unlock()

	c.logger.Debug("request stopped", zap.Uint64("generation", p.gen), zap.Int("turn", p.index))
	c.render(snap)
	c.archive(snap)
	return true
}

// NewChat abandons any in-flight request and starts an empty session with a
// fresh id. It returns the new session id.
func (c *Controller) NewChat() string {
	c.mu.Lock()
	c.abandonLocked()
	c.session = model.NewSession(c.target)
	snap := c.session.Clone()
	c.mu.Unlock()

	c.render(snap)
	return snap.ID
}

// Restore replaces the session with a copy of s. Turns that were archived
// mid-request are settled so nothing is left pending.
func (c *Controller) Restore(s *model.Session) error {
	if s == nil {
		return invalid(ErrEmptySession, "nothing to restore")
	}

	c.mu.Lock()
	if c.inflight != nil {
		c.mu.Unlock()
		return &ValidationError{Reason: ErrBusy}
	}
	c.abandonLocked()

	restored := s.Clone()
	for i := range restored.Turns {
		t := &restored.Turns[i]
		if t.IsSettled() {
			continue
		}
		if t.Reply() != "" {
			t.Settle(t.Reply(), false)
		} else {
			t.Settle(c.cfg.InterruptedText, true)
		}
	}
	if restored.Turns == nil {
		restored.Turns = make([]model.Turn, 0)
	}
	restored.Target = c.target
	c.session = &restored
	snap := c.session.Clone()
	c.mu.Unlock()

	c.logger.Debug("session restored", zap.String("session", snap.ID), zap.Int("turns", snap.Len()))
	c.render(snap)
	return nil
}

// SwitchBackend points the controller at a new target. The in-flight request
// is abandoned, the session is cleared and the next request performs a fresh
// handshake.
func (c *Controller) SwitchBackend(target string) {
	target = strings.TrimSpace(target)

	c.mu.Lock()
	c.abandonLocked()
	old := c.conn
	c.conn = nil
	prev := c.target
	c.target = target
	c.session = model.NewSession(target)
	snap := c.session.Clone()
	c.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			c.logger.Debug("closing previous connection", zap.Error(err))
		}
	}
	c.logger.Info("backend switched", zap.String("from", prev), zap.String("to", target))
	c.render(snap)
}

// abandonLocked invalidates the current generation and cancels the
// in-flight request without touching its turn. Caller holds mu.
func (c *Controller) abandonLocked() {
	c.gen++
	if c.inflight != nil {
		c.inflight.cancel()
		c.inflight = nil
	}
}

// =============================================================================
// CONNECTION
// =============================================================================

// connection returns the cached connection or performs a handshake. A
// handshake that completes after the target changed is discarded.
func (c *Controller) connection(ctx context.Context) (remote.Connection, string, error) {
	c.mu.Lock()
	conn, target := c.conn, c.target
	c.mu.Unlock()
	if conn != nil {
		return conn, target, nil
	}

	cctx, cancel := withTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	c.logger.Debug("connecting", zap.String("target", target))
	conn, err := c.client.Connect(cctx, target)
	if err != nil {
		return nil, target, err
	}

	c.mu.Lock()
	if c.target != target {
		c.mu.Unlock()
		conn.Close()
		return nil, target, ErrSuperseded
	}
	if c.conn != nil {
		existing := c.conn
		c.mu.Unlock()
		conn.Close()
		return existing, target, nil
	}
	c.conn = conn
	c.mu.Unlock()
	return conn, target, nil
}

// dropConnection forgets conn so the next request reconnects.
func (c *Controller) dropConnection(conn remote.Connection) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	conn.Close()
}

// Close releases the connection and abandons any in-flight request.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.abandonLocked()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// =============================================================================
// COLLABORATOR HELPERS
// =============================================================================

func (c *Controller) render(snap model.Session) {
	if c.renderer != nil {
		c.renderer.Render(snap)
	}
}

func (c *Controller) status(msg string, isError bool) {
	if c.statusSink != nil && msg != "" {
		c.statusSink.Status(msg, isError)
	}
}

func (c *Controller) archive(snap model.Session) {
	if c.archiver == nil || snap.IsEmpty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := c.archiver.SaveSession(ctx, &snap); err != nil {
		c.logger.Warn("archiving session failed", zap.String("session", snap.ID), zap.Error(err))
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
