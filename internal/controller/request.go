// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/okemovail/polaris/internal/history"
	"github.com/okemovail/polaris/internal/markers"
	"github.com/okemovail/polaris/internal/model"
	"github.com/okemovail/polaris/internal/remote"
	"github.com/okemovail/polaris/internal/util"
)

// =============================================================================
// SEND
// =============================================================================

// SendOption modifies a single Send.
type SendOption func(*sendOptions)

type sendOptions struct {
	attachment string
}

// WithAttachment records an attachment name on the message. A message with
// an attachment may have empty text.
func WithAttachment(name string) SendOption {
	return func(o *sendOptions) { o.attachment = strings.TrimSpace(name) }
}

// Send appends a turn for text and streams the reply into it. It blocks until
// the turn settles, the request is superseded or ctx ends.
func (c *Controller) Send(ctx context.Context, text string, opts ...SendOption) error {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}

	human := strings.TrimSpace(util.NormalizeText(c.cfg.Markers.StripUserText(text)))
	if human == "" && o.attachment == "" {
		return invalid(ErrEmptyMessage, "")
	}
	if n := util.CharCount(human); n > c.cfg.MaxChars {
		return invalid(ErrMessageTooLong, "%d characters, limit %d", n, c.cfg.MaxChars)
	}

	display := human
	if o.attachment != "" {
		display = markers.WithAttachment(human, o.attachment)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.inflight != nil {
		c.mu.Unlock()
		return &ValidationError{Reason: ErrBusy}
	}

	outgoing := human
	if outgoing == "" {
		// Attachment-only message: the descriptor is all there is to say.
		outgoing = display
	}
	if c.webSearch {
		outgoing = c.cfg.Markers.WithWebSearch(outgoing)
	}

	hist := cloneTurns(c.session.Turns)
	prev := cloneTurns(c.session.Turns)
	c.session.Turns = append(c.session.Turns, model.NewTurn(display))
	p := c.beginLocked(len(c.session.Turns)-1, prev, cancel)
	c.session.Touch()
	snap := c.session.Clone()
	c.mu.Unlock()

	c.render(snap)
	return c.run(ctx, p, outgoing, hist)
}

// =============================================================================
// REGENERATE
// =============================================================================

// Regenerate discards the reply at index and requests a new one for the
// turn's original text. Side-channel markers are stripped from the text
// before it is resubmitted. Later turns are discarded under
// RegenerateTruncate and kept under RegenerateInPlace.
func (c *Controller) Regenerate(ctx context.Context, index int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.inflight != nil {
		c.mu.Unlock()
		return &ValidationError{Reason: ErrBusy}
	}
	if !c.session.ValidIndex(index) {
		n := c.session.Len()
		c.mu.Unlock()
		return invalid(ErrInvalidTurn, "index %d, session has %d turns", index, n)
	}
	original := strings.TrimSpace(c.cfg.Markers.StripUserText(c.session.Turns[index].UserText))
	if original == "" {
		c.mu.Unlock()
		return invalid(ErrEmptyMessage, "turn %d has no text to regenerate", index)
	}

	prev := cloneTurns(c.session.Turns)
	hist := cloneTurns(c.session.Turns[:index])
	if c.cfg.RegeneratePolicy == RegenerateTruncate {
		c.session.Turns = c.session.Turns[:index+1]
	}
	c.session.Turns[index].Reset()
	p := c.beginLocked(index, prev, cancel)
	c.session.Touch()
	snap := c.session.Clone()
	c.mu.Unlock()

	c.render(snap)
	return c.run(ctx, p, original, hist)
}

// beginLocked registers a new in-flight request for the turn at index.
// Caller holds mu.
func (c *Controller) beginLocked(index int, prev []model.Turn, cancel context.CancelFunc) *pending {
	c.gen++
	p := &pending{gen: c.gen, index: index, prev: prev, cancel: cancel}
	c.inflight = p
	return p
}

// =============================================================================
// REQUEST LIFECYCLE
// =============================================================================

func (c *Controller) run(ctx context.Context, p *pending, message string, hist []model.Turn) error {
	log := c.logger.With(zap.Uint64("generation", p.gen), zap.Int("turn", p.index))

	conn, target, err := c.connection(ctx)
	if err != nil {
		if errors.Is(err, ErrSuperseded) || !c.isCurrent(p.gen) {
			return ErrSuperseded
		}
		if ctx.Err() != nil {
			return c.interrupted(ctx, p)
		}
		cerr := &ConnectionError{Target: target, Err: err}
		log.Warn("connect failed", zap.String("target", target), zap.Error(err))
		return c.fail(p, cerr)
	}
	if !c.isCurrent(p.gen) {
		return ErrSuperseded
	}

	job, err := conn.Submit(ctx, c.cfg.ChatEndpoint, c.chatArgs(message, hist))
	if err != nil {
		return c.streamFailed(ctx, p, conn, err, log)
	}
	defer job.Close()

	for {
		unitCtx, cancel := withTimeout(ctx, c.cfg.StreamTimeout)
		unit, err := job.Next(unitCtx)
		cancel()

		if errors.Is(err, io.EOF) {
			return c.complete(p)
		}
		if err != nil {
			return c.streamFailed(ctx, p, conn, err, log)
		}

		done, err := c.apply(p, unit, log)
		if err != nil || done {
			return err
		}
	}
}

// chatArgs builds the chat endpoint arguments: message, encoded history and
// the thought flag, plus sampling values when enabled.
func (c *Controller) chatArgs(message string, hist []model.Turn) []any {
	outgoing := make([]model.Turn, 0, len(hist))
	for _, t := range hist {
		// Error placeholders are not conversation.
		if t.Failed {
			continue
		}
		t.UserText = c.cfg.Markers.StripUserText(t.UserText)
		outgoing = append(outgoing, t)
	}

	args := []any{message, history.Encode(outgoing, c.cfg.HistoryFormat), c.cfg.UseThought}
	if c.cfg.SendSampling {
		s := c.Settings()
		args = append(args, s.Temperature, s.MaxOutputTokens)
	}
	return args
}

// apply reconciles one unit into the request's turn. It reports done when
// the reply carried the completion sentinel and the turn was settled.
func (c *Controller) apply(p *pending, unit remote.Unit, log *zap.Logger) (bool, error) {
	if !c.isCurrent(p.gen) {
		log.Debug("dropping stale unit")
		return false, ErrSuperseded
	}

	if status, ok := unit.Status(); ok {
		c.status(status, false)
	}

	raw, ok := unit.Transcript()
	if !ok {
		log.Debug("unit has no transcript")
		return false, nil
	}
	turns, shape, err := history.Decode(raw)
	if err != nil || len(turns) == 0 {
		log.Debug("normalization miss", zap.Int("bytes", len(raw)), zap.Error(err))
		return false, nil
	}

	tail := turns[len(turns)-1]
	if !tail.HasReply() {
		return false, nil
	}
	reply, done := markers.CleanReply(tail.Reply())
	if reply == "" && !done {
		return false, nil
	}

	c.mu.Lock()
	if c.gen != p.gen {
		c.mu.Unlock()
		log.Debug("dropping stale unit")
		return false, ErrSuperseded
	}
	turn := &c.session.Turns[p.index]
	if done {
		turn.Settle(reply, false)
		c.inflight = nil
	} else {
		turn.Stream(reply)
	}
	c.session.Touch()
	snap := c.session.Clone()
	c.mu.Unlock()

	log.Debug("unit applied", zap.Stringer("shape", shape), zap.Int("chars", len(reply)), zap.Bool("done", done))
	c.render(snap)
	if done {
		c.archive(snap)
	}
	return done, nil
}

// complete settles the turn when the stream ends.
func (c *Controller) complete(p *pending) error {
	c.mu.Lock()
	if c.gen != p.gen {
		c.mu.Unlock()
		return ErrSuperseded
	}
	turn := &c.session.Turns[p.index]
	turn.Settle(turn.Reply(), false)
	c.inflight = nil
	c.session.Touch()
	snap := c.session.Clone()
	c.mu.Unlock()

	c.render(snap)
	c.archive(snap)
	return nil
}

// streamFailed handles an error from Submit or Next.
func (c *Controller) streamFailed(ctx context.Context, p *pending, conn remote.Connection, err error, log *zap.Logger) error {
	if !c.isCurrent(p.gen) {
		return ErrSuperseded
	}

	if ctx.Err() != nil {
		return c.interrupted(ctx, p)
	}

	var serverErr *remote.ServerError
	if !errors.As(err, &serverErr) && !errors.Is(err, context.DeadlineExceeded) {
		c.dropConnection(conn)
	}

	log.Warn("stream failed", zap.Error(err))
	return c.fail(p, &StreamError{Err: err})
}

// interrupted handles a request whose caller context ended. The turn is
// settled the way Stop settles it.
func (c *Controller) interrupted(ctx context.Context, p *pending) error {
	if c.stopGen(p.gen) {
		return ctx.Err()
	}
	return ErrSuperseded
}

// fail settles or rolls back the request's turn after err. A turn that
// already holds partial content is always settled, keeping the partial.
func (c *Controller) fail(p *pending, err error) error {
	c.mu.Lock()
	if c.gen != p.gen {
		c.mu.Unlock()
		return ErrSuperseded
	}

	turn := &c.session.Turns[p.index]
	partial := turn.Reply()
	switch {
	case partial != "":
		turn.Settle(partial+"\n\n"+c.cfg.ErrorPlaceholder, true)
	case c.cfg.FailurePolicy == FailureRollback:
		c.session.Turns = p.prev
	default:
		turn.Settle(c.cfg.ErrorPlaceholder, true)
	}
	c.inflight = nil
	c.session.Touch()
	snap := c.session.Clone()
	c.mu.Unlock()

	var serr *StreamError
	if errors.As(err, &serr) {
		serr.Partial = partial
	}

	c.status(userMessage(err), true)
	c.render(snap)
	c.archive(snap)
	return err
}

func (c *Controller) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// userMessage is the status text shown for a failed request.
func userMessage(err error) string {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return "Could not connect to " + cerr.Target + ". Please try again."
	}
	var serverErr *remote.ServerError
	if errors.As(err, &serverErr) && serverErr.Message != "" {
		return "The model reported an error: " + serverErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "The model took too long to respond."
	}
	return "The response was interrupted."
}

func cloneTurns(turns []model.Turn) []model.Turn {
	out := make([]model.Turn, len(turns))
	for i, t := range turns {
		out[i] = t.Clone()
	}
	return out
}
