// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package remote

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidTarget is returned for targets that are neither a space id
	// nor an http(s) URL.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrClosed is returned by calls on a closed connection.
	ErrClosed = errors.New("connection closed")

	// ErrNoData is returned by Predict when the call produced no output.
	ErrNoData = errors.New("call returned no data")

	// ErrStreamEnded is returned when the event stream ends before a
	// "complete" event.
	ErrStreamEnded = errors.New("event stream ended unexpectedly")
)

// APIError is a non-success HTTP response from the service.
type APIError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gradio: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("gradio: %d %s: %s", e.Status, http.StatusText(e.Status), e.Body)
}

// Retryable reports whether the request may succeed if repeated.
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// ServerError is an "error" event raised by the app while running a call.
type ServerError struct {
	Message string
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	if e.Message == "" {
		return "gradio: call failed"
	}
	return "gradio: call failed: " + e.Message
}

// isRetryable decides whether Connect should try again after err.
func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return !errors.Is(err, ErrInvalidTarget)
}
