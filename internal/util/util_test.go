// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile_CreatesAndOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	require.NoError(t, AtomicWriteFile(path, []byte("first"), 0600))
	require.NoError(t, AtomicWriteFile(path, []byte("second"), 0600))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

// =============================================================================
// TEXT TESTS
// =============================================================================

func TestCharCount_NormalizesCombiningMarks(t *testing.T) {
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"

	assert.Equal(t, 4, CharCount(composed))
	assert.Equal(t, 4, CharCount(decomposed))
	assert.Equal(t, composed, NormalizeText(decomposed))
}

func TestTruncateWidth(t *testing.T) {
	tests := []struct {
		name  string
		input string
		width int
		want  string
	}{
		{"fits", "hello", 10, "hello"},
		{"ascii cut", "hello world", 8, "hello..."},
		{"zero width", "hello", 0, ""},
		{"tiny width", "hello", 2, "he"},
		{"wide chars", "日本語テキスト", 7, "日本..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TruncateWidth(tt.input, tt.width))
		})
	}
}

func TestPreview_CollapsesWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", Preview("  a\n\tb   c ", 20))
	assert.Equal(t, "line one...", Preview("line one\nline two", 11))
}
