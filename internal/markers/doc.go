// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package markers handles the side-channel text embedded in chat messages.
//
// Several out-of-band instructions travel inside ordinary message text:
//
//   - a web-search token appended to outgoing user text
//   - an "(Attached: name)" descriptor appended to displayed user text
//   - <thought>...</thought> spans wrapping reasoning inside replies
//   - a __DONE__ sentinel the server appends to its final reply
//   - ChatML stop fragments that occasionally leak into replies
//
// Everything here is pure string manipulation with no state.
package markers
