// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history converts transcripts reported by the inference service
// into the canonical turn list, and encodes turn lists for outgoing requests.
//
// The service has reported its chat history in several shapes over time:
//
//	[["user", "assistant"], ["user", null]]            pair list
//	[{"role":"user","content":"..."}, {...}]            role-tagged messages
//	["user", "assistant"]                               lone pair
//
// Decode tries each shape in that order and the first one that decodes
// cleanly wins. Anything else is ErrUnrecognized, which callers must treat as
// "no update" rather than "history is now empty".
//
// Message content may itself be a plain string, null, a list of content
// parts ({"type":"text","text":"..."}) or a single part object.
package history
