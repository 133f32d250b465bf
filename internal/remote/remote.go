// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"context"
	"encoding/json"
	"strings"
)

// =============================================================================
// CONTRACT
// =============================================================================

// Client establishes connections to an inference target.
type Client interface {
	Connect(ctx context.Context, target string) (Connection, error)
}

// Connection is a handshaken link to one target.
type Connection interface {
	// Target returns the target the connection was made for.
	Target() string

	// Submit starts a streaming call. The returned job yields units until
	// io.EOF.
	Submit(ctx context.Context, endpoint string, args []any) (Job, error)

	// Predict performs a call and returns its final unit.
	Predict(ctx context.Context, endpoint string, args []any) (Unit, error)

	Close() error
}

// Job is an in-flight streaming call.
type Job interface {
	// Next blocks until the next unit arrives. It returns io.EOF after the
	// final unit and ctx.Err() if ctx ends first; the job stays usable
	// after a context error.
	Next(ctx context.Context) (Unit, error)

	// Close releases the underlying stream. Safe to call more than once.
	Close() error
}

// =============================================================================
// UNIT
// =============================================================================

// Unit is one response from the service: the endpoint's output values.
type Unit struct {
	Data []json.RawMessage
}

// Transcript returns the first output value, the chat history.
func (u Unit) Transcript() (json.RawMessage, bool) {
	if len(u.Data) == 0 {
		return nil, false
	}
	return u.Data[0], true
}

// Status returns the second output value when it is a non-empty string.
func (u Unit) Status() (string, bool) {
	if len(u.Data) < 2 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(u.Data[1], &s); err != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

// NewUnit builds a unit from arbitrary values. Values that fail to marshal
// become null.
func NewUnit(values ...any) Unit {
	u := Unit{Data: make([]json.RawMessage, len(values))}
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			raw = []byte("null")
		}
		u.Data[i] = raw
	}
	return u
}
