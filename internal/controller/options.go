// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/okemovail/polaris/internal/history"
	"github.com/okemovail/polaris/internal/markers"
	"github.com/okemovail/polaris/internal/model"
)

// =============================================================================
// POLICIES
// =============================================================================

// FailurePolicy decides what happens to a turn whose request fails before
// any reply arrived.
type FailurePolicy string

const (
	// FailureSettle settles the turn with the error placeholder.
	FailureSettle FailurePolicy = "settle"
	// FailureRollback restores the session to its state before the request.
	FailureRollback FailurePolicy = "rollback"
)

// ParseFailurePolicy parses a policy name. Empty means FailureSettle.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", FailureSettle:
		return FailureSettle, nil
	case FailureRollback:
		return FailureRollback, nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}

// RegeneratePolicy decides what happens to the turns after a regenerated one.
type RegeneratePolicy string

const (
	// RegenerateTruncate discards every turn after the regenerated one.
	RegenerateTruncate RegeneratePolicy = "truncate"
	// RegenerateInPlace replaces only the regenerated turn's reply.
	RegenerateInPlace RegeneratePolicy = "in_place"
)

// ParseRegeneratePolicy parses a policy name. Empty means RegenerateTruncate.
func ParseRegeneratePolicy(s string) (RegeneratePolicy, error) {
	switch RegeneratePolicy(s) {
	case "", RegenerateTruncate:
		return RegenerateTruncate, nil
	case RegenerateInPlace:
		return RegenerateInPlace, nil
	}
	return "", fmt.Errorf("unknown regenerate policy %q", s)
}

// =============================================================================
// CONFIG
// =============================================================================

const (
	DefaultTarget           = "ar12c/okemo2"
	DefaultChatEndpoint     = "/chat"
	DefaultFeedbackEndpoint = "/feedback"
	DefaultMaxChars         = 4000
	DefaultErrorPlaceholder = "[Error: the response could not be completed. Please try again.]"
	DefaultInterrupted      = "[Stopped]"
	DefaultConnectTimeout   = 30 * time.Second
	DefaultStreamTimeout    = 120 * time.Second
	DefaultFeedbackTimeout  = 30 * time.Second
)

// Config holds the controller's behaviour settings.
type Config struct {
	Target           string
	ChatEndpoint     string
	FeedbackEndpoint string
	HistoryFormat    history.Format

	// MaxChars bounds a message's length in characters after NFC
	// normalization.
	MaxChars int

	UseThought bool

	// SendSampling appends temperature and max tokens to chat arguments.
	SendSampling bool

	Markers          markers.Set
	ErrorPlaceholder string

	// InterruptedText settles a stopped turn that had no reply yet.
	InterruptedText string

	FailurePolicy    FailurePolicy
	RegeneratePolicy RegeneratePolicy

	// Zero disables the corresponding timeout.
	ConnectTimeout  time.Duration
	StreamTimeout   time.Duration
	FeedbackTimeout time.Duration
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		Target:           DefaultTarget,
		ChatEndpoint:     DefaultChatEndpoint,
		FeedbackEndpoint: DefaultFeedbackEndpoint,
		HistoryFormat:    history.FormatPairs,
		MaxChars:         DefaultMaxChars,
		UseThought:       true,
		Markers:          markers.Default(),
		ErrorPlaceholder: DefaultErrorPlaceholder,
		InterruptedText:  DefaultInterrupted,
		FailurePolicy:    FailureSettle,
		RegeneratePolicy: RegenerateTruncate,
		ConnectTimeout:   DefaultConnectTimeout,
		StreamTimeout:    DefaultStreamTimeout,
		FeedbackTimeout:  DefaultFeedbackTimeout,
	}
}

// fillDefaults sets zero-valued required fields. Timeouts are left alone.
func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Target == "" {
		c.Target = d.Target
	}
	if c.ChatEndpoint == "" {
		c.ChatEndpoint = d.ChatEndpoint
	}
	if c.FeedbackEndpoint == "" {
		c.FeedbackEndpoint = d.FeedbackEndpoint
	}
	if c.HistoryFormat == "" {
		c.HistoryFormat = d.HistoryFormat
	}
	if c.MaxChars <= 0 {
		c.MaxChars = d.MaxChars
	}
	if c.ErrorPlaceholder == "" {
		c.ErrorPlaceholder = d.ErrorPlaceholder
	}
	if c.InterruptedText == "" {
		c.InterruptedText = d.InterruptedText
	}
	if c.FailurePolicy == "" {
		c.FailurePolicy = d.FailurePolicy
	}
	if c.RegeneratePolicy == "" {
		c.RegeneratePolicy = d.RegeneratePolicy
	}
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// Renderer consumes read-only session snapshots.
type Renderer interface {
	Render(snapshot model.Session)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(snapshot model.Session)

// Render calls f.
func (f RendererFunc) Render(snapshot model.Session) { f(snapshot) }

// StatusSink receives transient status text.
type StatusSink interface {
	Status(msg string, isError bool)
}

// StatusFunc adapts a function to StatusSink.
type StatusFunc func(msg string, isError bool)

// Status calls f.
func (f StatusFunc) Status(msg string, isError bool) { f(msg, isError) }

// Archiver persists sessions.
type Archiver interface {
	SaveSession(ctx context.Context, s *model.Session) error
}

// =============================================================================
// OPTIONS
// =============================================================================

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRenderer sets the render collaborator.
func WithRenderer(r Renderer) Option {
	return func(c *Controller) { c.renderer = r }
}

// WithStatusSink sets the status sink.
func WithStatusSink(s StatusSink) Option {
	return func(c *Controller) { c.statusSink = s }
}

// WithArchiver persists the session whenever a request settles.
func WithArchiver(a Archiver) Option {
	return func(c *Controller) { c.archiver = a }
}

// WithSettings sets the initial sampling settings. Invalid settings are
// ignored.
func WithSettings(s model.Settings) Option {
	return func(c *Controller) {
		if s.Validate() == nil {
			c.settings = s
		}
	}
}
