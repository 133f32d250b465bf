// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"strings"

	"github.com/mattn/go-runewidth"
	"golang.org/x/text/unicode/norm"
)

// UNICODE: length limits are enforced on NFC text so that a decomposed
// "e" + combining accent counts the same as a precomposed "é".

// NormalizeText returns s in Unicode normalization form C.
func NormalizeText(s string) string {
	return norm.NFC.String(s)
}

// CharCount returns the number of runes in the NFC form of s.
func CharCount(s string) int {
	return len([]rune(NormalizeText(s)))
}

// TruncateWidth truncates s to at most maxWidth terminal columns, appending
// "..." when anything was cut. Wide (CJK) characters count as two columns.
func TruncateWidth(s string, maxWidth int) string {
	if maxWidth <= 0 {
		return ""
	}
	if runewidth.StringWidth(s) <= maxWidth {
		return s
	}
	if maxWidth <= 3 {
		return runewidth.Truncate(s, maxWidth, "")
	}
	return runewidth.Truncate(s, maxWidth, "...")
}

// Preview collapses all whitespace runs in s to single spaces and truncates
// the result to maxWidth columns.
func Preview(s string, maxWidth int) string {
	return TruncateWidth(strings.Join(strings.Fields(s), " "), maxWidth)
}
