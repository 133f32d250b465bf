// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"fmt"

	"github.com/okemovail/polaris/internal/model"
)

// Format selects how outgoing history is encoded.
type Format string

const (
	FormatPairs    Format = "pairs"
	FormatMessages Format = "messages"
)

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatPairs, FormatMessages:
		return Format(s), nil
	case "":
		return FormatPairs, nil
	default:
		return "", fmt.Errorf("unknown history format %q", s)
	}
}

// Pair is the wire form of a turn: [user, assistant|null].
type Pair [2]*string

// Message is the wire form of one role-tagged message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToPairs encodes turns as a pair list. The result shares no memory with
// turns.
func ToPairs(turns []model.Turn) []Pair {
	pairs := make([]Pair, len(turns))
	for i, t := range turns {
		pairs[i] = Pair{model.Text(t.UserText), nil}
		if t.AssistantText != nil {
			pairs[i][1] = model.Text(*t.AssistantText)
		}
	}
	return pairs
}

// ToMessages encodes turns as role-tagged messages. Turns without a reply
// contribute only their user message.
func ToMessages(turns []model.Turn) []Message {
	msgs := make([]Message, 0, len(turns)*2)
	for _, t := range turns {
		msgs = append(msgs, Message{Role: "user", Content: t.UserText})
		if t.AssistantText != nil {
			msgs = append(msgs, Message{Role: "assistant", Content: *t.AssistantText})
		}
	}
	return msgs
}

// Encode returns turns in the requested wire format.
func Encode(turns []model.Turn, format Format) any {
	if format == FormatMessages {
		return ToMessages(turns)
	}
	return ToPairs(turns)
}
