// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and turns.
//
// This package defines the core domain types shared by the history
// normalizer, the session controller, persistence and the REPL renderer.
//
// # Key Types
//
//   - Turn: one user message paired with its (possibly absent) assistant reply
//   - TurnState: Pending, Streaming or Settled
//   - Session: ordered list of turns for one conversation, with identity
//   - Verdict: like/dislike feedback on a reply
//   - Settings: sampling temperature and output length preferences
//
// # Usage
//
// Create a session and append a pending turn:
//
//	sess := model.NewSession("ar12c/okemo2")
//	sess.Turns = append(sess.Turns, model.NewTurn("Hello!"))
//
// Settle it once the reply is known:
//
//	sess.Turns[0].Settle("Hi there!", false)
//
// Sessions handed to renderers are deep copies obtained via Clone, so the
// controller can keep mutating its own copy.
package model
