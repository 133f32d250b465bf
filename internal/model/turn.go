// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"

	"github.com/okemovail/polaris/internal/markers"
)

// =============================================================================
// TURN STATE
// =============================================================================

// TurnState is the life cycle position of a turn's assistant reply.
type TurnState int

const (
	// TurnPending means a request is in flight and no content has arrived.
	TurnPending TurnState = iota
	// TurnStreaming means a partial reply is present and more may follow.
	TurnStreaming
	// TurnSettled means the reply is final (or an error placeholder).
	TurnSettled
)

// String returns the lower-case name of the state.
func (s TurnState) String() string {
	switch s {
	case TurnPending:
		return "pending"
	case TurnStreaming:
		return "streaming"
	case TurnSettled:
		return "settled"
	default:
		return fmt.Sprintf("TurnState(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s TurnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *TurnState) UnmarshalText(text []byte) error {
	switch string(text) {
	case "pending":
		*s = TurnPending
	case "streaming":
		*s = TurnStreaming
	case "settled":
		*s = TurnSettled
	default:
		return fmt.Errorf("unknown turn state %q", text)
	}
	return nil
}

// =============================================================================
// TURN TYPE
// =============================================================================

// Turn is one user message paired with its assistant reply.
//
// AssistantText is nil while the turn is pending. Once content arrives it is
// replaced wholesale by each newer partial; it never goes back to nil except
// through a regenerate.
type Turn struct {
	UserText      string    `json:"user_text"`
	AssistantText *string   `json:"assistant_text"`
	State         TurnState `json:"state"`

	// Failed marks a turn settled with an error placeholder.
	Failed bool `json:"failed,omitempty"`
}

// NewTurn returns a pending turn for userText.
func NewTurn(userText string) Turn {
	return Turn{UserText: userText, State: TurnPending}
}

// Text returns a pointer to a copy of s. It is a convenience for building
// AssistantText values.
func Text(s string) *string {
	return &s
}

// Reply returns the assistant text, or "" when none has arrived.
func (t Turn) Reply() string {
	if t.AssistantText == nil {
		return ""
	}
	return *t.AssistantText
}

// HasReply reports whether any assistant text is present.
func (t Turn) HasReply() bool {
	return t.AssistantText != nil
}

// IsSettled reports whether the turn reached its terminal state.
func (t Turn) IsSettled() bool {
	return t.State == TurnSettled
}

// Answer returns the reply with any thought span removed. Copy and feedback
// operate on this text.
func (t Turn) Answer() string {
	_, answer := markers.SplitThought(t.Reply())
	return answer
}

// Thought returns the reasoning span of the reply, if any.
func (t Turn) Thought() string {
	thought, _ := markers.SplitThought(t.Reply())
	return thought
}

// Stream replaces the reply with a newer partial and moves a pending turn to
// streaming. Settled turns are left alone.
func (t *Turn) Stream(partial string) {
	if t.State == TurnSettled {
		return
	}
	t.AssistantText = Text(partial)
	t.State = TurnStreaming
}

// Settle sets the final reply and marks the turn settled.
func (t *Turn) Settle(final string, failed bool) {
	t.AssistantText = Text(final)
	t.State = TurnSettled
	t.Failed = failed
}

// Reset clears the reply and re-enters the pending state.
func (t *Turn) Reset() {
	t.AssistantText = nil
	t.State = TurnPending
	t.Failed = false
}

// Clone returns a copy that shares no memory with t.
func (t Turn) Clone() Turn {
	c := t
	if t.AssistantText != nil {
		c.AssistantText = Text(*t.AssistantText)
	}
	return c
}
