// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package controller owns a chat session and drives it against the remote
// inference service.
//
// The Controller is the single writer of its Session. Send and Regenerate
// append or reset a turn optimistically, stream the request through a
// remote.Connection and reconcile every unit into the session through the
// history normalizer. Only the assistant reply is taken from the server's
// echo; local user text is never overwritten.
//
// # Request generations
//
// Every request captures the controller's generation counter when it is
// issued. Stop, NewChat, Restore and SwitchBackend bump the counter, so units
// that arrive for an abandoned request fail the generation check and are
// dropped. At most one request is in flight; a second Send or Regenerate is
// rejected with ErrBusy.
//
// # Failure handling
//
// Validation failures are returned before anything is mutated or sent. A
// stream that fails after content arrived settles the turn with the partial
// reply plus an error placeholder. Failures before any content are handled by
// the configured FailurePolicy: settle with the placeholder (default) or roll
// the session back to its state before the request.
//
// Collaborators are injected as options: a Renderer receives a deep-copied
// snapshot after every mutation, a StatusSink receives status text, and an
// Archiver persists settled sessions.
package controller
