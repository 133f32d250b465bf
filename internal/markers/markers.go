// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package markers

import "strings"

const (
	// DefaultWebSearchToken requests web-augmented answering.
	DefaultWebSearchToken = "[WEB_SEARCH]"

	ThoughtOpen  = "<thought>"
	ThoughtClose = "</thought>"

	// DoneSentinel is appended by the server to the final reply of a stream.
	DoneSentinel = "__DONE__"
)

// stopTokens cut the reply wherever they appear.
var stopTokens = []string{"<|im_end|>", "<|im_start|>"}

// stopFragments are partial stop tokens; they only cut a trailing suffix so
// that literal "<|" inside an answer survives.
var stopFragments = []string{"<|im_end", "<|im_", "<|im", "<|i", "<|"}

const attachmentPrefix = "(Attached: "

// =============================================================================
// USER TEXT MARKERS
// =============================================================================

// Set is a configured collection of user-text markers.
type Set struct {
	WebSearchToken string
}

// Default returns the marker set used when nothing is configured.
func Default() Set {
	return Set{WebSearchToken: DefaultWebSearchToken}
}

// WithWebSearch appends the web-search token to text.
func (m Set) WithWebSearch(text string) string {
	if m.WebSearchToken == "" || strings.Contains(text, m.WebSearchToken) {
		return text
	}
	if text == "" {
		return m.WebSearchToken
	}
	return text + " " + m.WebSearchToken
}

// StripUserText removes the web-search token and any attachment descriptors
// from text, returning the human-authored part.
func (m Set) StripUserText(text string) string {
	if m.WebSearchToken != "" {
		text = strings.ReplaceAll(text, m.WebSearchToken, "")
	}
	return stripAttachments(strings.TrimSpace(text))
}

// stripAttachments removes trailing attachment descriptors. A descriptor
// runs from its prefix to the final ")", so names may contain parentheses.
func stripAttachments(text string) string {
	for strings.HasSuffix(text, ")") {
		i := strings.LastIndex(text, attachmentPrefix)
		if i < 0 {
			break
		}
		text = strings.TrimSpace(text[:i])
	}
	return text
}

// StripUserText applies the default marker set.
func StripUserText(text string) string {
	return Default().StripUserText(text)
}

// AttachmentDescriptor returns the display suffix for an attached file.
func AttachmentDescriptor(name string) string {
	return attachmentPrefix + name + ")"
}

// WithAttachment appends the descriptor for name to text.
func WithAttachment(text, name string) string {
	if name == "" {
		return text
	}
	if strings.TrimSpace(text) == "" {
		return AttachmentDescriptor(name)
	}
	return text + " " + AttachmentDescriptor(name)
}

// =============================================================================
// REPLY MARKERS
// =============================================================================

// SplitThought separates reasoning spans from the answer. An unterminated
// span (still streaming) runs to the end of the text.
func SplitThought(reply string) (thought, answer string) {
	var thoughts []string
	var rest strings.Builder

	for {
		open := strings.Index(reply, ThoughtOpen)
		if open < 0 {
			rest.WriteString(reply)
			break
		}
		rest.WriteString(reply[:open])
		reply = reply[open+len(ThoughtOpen):]

		end := strings.Index(reply, ThoughtClose)
		if end < 0 {
			thoughts = append(thoughts, strings.TrimSpace(reply))
			break
		}
		thoughts = append(thoughts, strings.TrimSpace(reply[:end]))
		reply = reply[end+len(ThoughtClose):]
	}

	return strings.Join(thoughts, "\n"), strings.TrimSpace(rest.String())
}

// StripThought returns the reply without reasoning spans.
func StripThought(reply string) string {
	_, answer := SplitThought(reply)
	return answer
}

// CleanReply removes the completion sentinel and ChatML stop tokens from a
// raw reply. done reports whether the sentinel was present.
func CleanReply(raw string) (text string, done bool) {
	if strings.Contains(raw, DoneSentinel) {
		done = true
		raw = strings.ReplaceAll(raw, DoneSentinel, "")
	}

	for _, tok := range stopTokens {
		if i := strings.Index(raw, tok); i >= 0 {
			raw = raw[:i]
		}
	}

	trimmed := strings.TrimRight(raw, " \t\r\n")
	for _, frag := range stopFragments {
		if strings.HasSuffix(trimmed, frag) {
			trimmed = strings.TrimSuffix(trimmed, frag)
			break
		}
	}

	return strings.TrimSpace(trimmed), done
}
