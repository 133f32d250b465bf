// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/okemovail/polaris/internal/history"
	"github.com/okemovail/polaris/internal/model"
	"github.com/okemovail/polaris/internal/remote"
)

// SubmitFeedback sends a verdict on the reply at index. The request carries
// the session with thought spans removed, the index, the verdict and, for
// negative verdicts, detail. The session is never mutated and a failed
// submission is not retried.
func (c *Controller) SubmitFeedback(ctx context.Context, index int, verdict model.Verdict, detail string) error {
	if !verdict.Valid() {
		return invalid(ErrInvalidVerdict, "%q", string(verdict))
	}

	c.mu.Lock()
	if c.session.IsEmpty() {
		c.mu.Unlock()
		return &ValidationError{Reason: ErrEmptySession}
	}
	if !c.session.ValidIndex(index) {
		n := c.session.Len()
		c.mu.Unlock()
		return invalid(ErrInvalidTurn, "index %d, session has %d turns", index, n)
	}
	rated := feedbackTurns(c.session.Turns, c.cfg)
	c.mu.Unlock()

	if !verdict.IsNegative() {
		detail = ""
	}
	detail = strings.TrimSpace(detail)

	ctx, cancel := withTimeout(ctx, c.cfg.FeedbackTimeout)
	defer cancel()

	log := c.logger.With(zap.Int("turn", index), zap.String("verdict", string(verdict)))

	conn, target, err := c.connection(ctx)
	if err != nil {
		cerr := &ConnectionError{Target: target, Err: err}
		log.Warn("feedback connect failed", zap.Error(err))
		c.status("Feedback could not be sent.", true)
		return cerr
	}

	args := []any{history.Encode(rated, c.cfg.HistoryFormat), index, string(verdict), detail}
	unit, err := conn.Predict(ctx, c.cfg.FeedbackEndpoint, args)
	if err != nil {
		log.Warn("feedback failed", zap.Error(err))
		c.status("Feedback could not be sent.", true)
		return err
	}

	log.Debug("feedback sent")
	if msg := confirmation(unit); msg != "" {
		c.status(msg, false)
	} else {
		c.status("Thanks for the feedback.", false)
	}
	return nil
}

// confirmation returns the message a feedback call replied with. It may be
// the second output or, when the call returns only a message, the first.
func confirmation(unit remote.Unit) string {
	if msg, ok := unit.Status(); ok {
		return msg
	}
	if raw, ok := unit.Transcript(); ok {
		var msg string
		if json.Unmarshal(raw, &msg) == nil {
			return strings.TrimSpace(msg)
		}
	}
	return ""
}

// feedbackTurns copies turns with markers stripped from user text and
// thought spans stripped from replies.
func feedbackTurns(turns []model.Turn, cfg Config) []model.Turn {
	out := make([]model.Turn, len(turns))
	for i, t := range turns {
		c := t.Clone()
		c.UserText = cfg.Markers.StripUserText(c.UserText)
		if c.HasReply() {
			c.AssistantText = model.Text(c.Answer())
		}
		out[i] = c
	}
	return out
}
