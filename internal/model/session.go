// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/okemovail/polaris/internal/markers"
	"github.com/okemovail/polaris/internal/util"
)

// titleWidth is the display width of generated session titles.
const titleWidth = 50

// =============================================================================
// SESSION TYPE
// =============================================================================

// Session is the ordered list of turns for one conversation. Insertion order
// is conversation order.
type Session struct {
	ID        string    `json:"id"`
	Target    string    `json:"target"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates an empty session bound to target.
func NewSession(target string) *Session {
	now := time.Now()
	return &Session{
		ID:        NewSessionID(),
		Target:    target,
		Turns:     make([]Turn, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// Len returns the number of turns.
func (s Session) Len() int {
	return len(s.Turns)
}

// IsEmpty reports whether the session has no turns.
func (s Session) IsEmpty() bool {
	return len(s.Turns) == 0
}

// ValidIndex reports whether i addresses an existing turn.
func (s Session) ValidIndex(i int) bool {
	return i >= 0 && i < len(s.Turns)
}

// Last returns the final turn.
func (s Session) Last() (Turn, bool) {
	if len(s.Turns) == 0 {
		return Turn{}, false
	}
	return s.Turns[len(s.Turns)-1], true
}

// Touch updates the modification time.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now()
}

// Title derives a display title from the first user message, with
// side-channel markers removed.
func (s Session) Title() string {
	for _, t := range s.Turns {
		if text := markers.StripUserText(t.UserText); text != "" {
			return util.Preview(text, titleWidth)
		}
	}
	return "New chat"
}

// Clone returns a deep copy of the session. Renderers only ever see clones.
func (s *Session) Clone() Session {
	c := *s
	c.Turns = make([]Turn, len(s.Turns))
	for i, t := range s.Turns {
		c.Turns[i] = t.Clone()
	}
	return c
}
