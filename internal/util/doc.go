// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small text and file helpers shared by polaris packages.
//
// # Key Functions
//
// Text:
//   - NormalizeText: NFC normalization applied before counting message length
//   - CharCount: number of user-perceived characters after normalization
//   - TruncateWidth: display-width aware truncation for previews and titles
//   - Preview: single-line preview of a message
//
// Files:
//   - AtomicWriteFile: crash-safe file writing with fsync
//
// # Usage
//
//	if util.CharCount(text) > maxChars {
//	    return ErrMessageTooLong
//	}
//	title := util.Preview(firstMessage, 40)
package util
