// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
	ErrInvalidTurn    = errors.New("invalid turn index")
	ErrInvalidVerdict = errors.New("invalid feedback verdict")
	ErrEmptySession   = errors.New("session has no turns")

	// ErrBusy is returned when a request is already in flight.
	ErrBusy = errors.New("a request is already in flight")

	// ErrSuperseded is returned by a request that was abandoned by Stop,
	// NewChat, Restore or SwitchBackend.
	ErrSuperseded = errors.New("request superseded")
)

// ValidationError rejects an operation before any state change or network
// call. Reason is one of the sentinel errors above.
type ValidationError struct {
	Reason error
	Detail string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("validation: %v: %s", e.Reason, e.Detail)
	}
	return fmt.Sprintf("validation: %v", e.Reason)
}

// Unwrap returns the sentinel reason.
func (e *ValidationError) Unwrap() error {
	return e.Reason
}

func invalid(reason error, format string, args ...any) error {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ConnectionError reports that the inference service could not be reached.
type ConnectionError struct {
	Target string
	Err    error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// StreamError reports a failure after the request was issued. Partial holds
// whatever reply had arrived.
type StreamError struct {
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial response received): %v", e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}
