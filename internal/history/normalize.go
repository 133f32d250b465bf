// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/okemovail/polaris/internal/model"
)

// ErrUnrecognized is returned when a transcript matches none of the known
// shapes.
var ErrUnrecognized = errors.New("unrecognized transcript shape")

// maxUnwrapDepth bounds how many {"value": ...} update envelopes are peeled.
const maxUnwrapDepth = 2

// =============================================================================
// SHAPES
// =============================================================================

// Shape identifies which transcript encoding was recognised.
type Shape int

const (
	ShapeNone Shape = iota
	ShapePairs
	ShapeMessages
	ShapeSinglePair
)

// String returns the shape name used in logs.
func (s Shape) String() string {
	switch s {
	case ShapePairs:
		return "pairs"
	case ShapeMessages:
		return "messages"
	case ShapeSinglePair:
		return "single_pair"
	default:
		return "none"
	}
}

// decoder attempts one shape. It returns an error when raw is not that shape.
type decoder struct {
	shape  Shape
	decode func(raw json.RawMessage) ([]model.Turn, error)
}

var decoders = []decoder{
	{ShapePairs, decodePairs},
	{ShapeMessages, decodeMessages},
	{ShapeSinglePair, decodeSinglePair},
}

// =============================================================================
// PUBLIC API
// =============================================================================

// Decode converts raw into turns, reporting the shape that matched. An empty
// JSON array is a recognised, empty pair list.
func Decode(raw json.RawMessage) ([]model.Turn, Shape, error) {
	raw = unwrapUpdate(raw, maxUnwrapDepth)
	// Every known shape is a JSON array; null would otherwise decode as an
	// empty list.
	if len(raw) == 0 || raw[0] != '[' {
		return nil, ShapeNone, ErrUnrecognized
	}

	for _, d := range decoders {
		turns, err := d.decode(raw)
		if err == nil {
			return turns, d.shape, nil
		}
	}
	return nil, ShapeNone, ErrUnrecognized
}

// Normalize is Decode without the diagnostics: unrecognised input yields an
// empty list.
func Normalize(raw json.RawMessage) []model.Turn {
	turns, _, err := Decode(raw)
	if err != nil {
		return []model.Turn{}
	}
	return turns
}

// NormalizeValue marshals v and normalizes the result. It accepts any value
// that a JSON decoder could have produced.
func NormalizeValue(v any) []model.Turn {
	raw, err := json.Marshal(v)
	if err != nil {
		return []model.Turn{}
	}
	return Normalize(raw)
}

// =============================================================================
// SHAPE DECODERS
// =============================================================================

func decodePairs(raw json.RawMessage) ([]model.Turn, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}

	turns := make([]model.Turn, 0, len(rows))
	for i, row := range rows {
		var cells []json.RawMessage
		if err := json.Unmarshal(row, &cells); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		if len(cells) != 2 {
			return nil, fmt.Errorf("row %d: want 2 cells, got %d", i, len(cells))
		}
		turn, err := pairTurn(cells[0], cells[1])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

// roleMessage is one element of a role-tagged transcript.
type roleMessage struct {
	Role    *string         `json:"role"`
	Content json.RawMessage `json:"content"`
}

func decodeMessages(raw json.RawMessage) ([]model.Turn, error) {
	var msgs []roleMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, err
	}

	contents := make([]json.RawMessage, 0, len(msgs))
	for i, msg := range msgs {
		if msg.Role == nil || msg.Content == nil {
			return nil, fmt.Errorf("message %d: missing role or content", i)
		}
		if strings.EqualFold(*msg.Role, "system") {
			continue
		}
		contents = append(contents, msg.Content)
	}

	// Positional pairing: even index is the user, odd index the assistant.
	turns := make([]model.Turn, 0, (len(contents)+1)/2)
	for i := 0; i < len(contents); i += 2 {
		assistant := json.RawMessage("null")
		if i+1 < len(contents) {
			assistant = contents[i+1]
		}
		turn, err := pairTurn(contents[i], assistant)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		turns = append(turns, turn)
	}
	return turns, nil
}

func decodeSinglePair(raw json.RawMessage) ([]model.Turn, error) {
	var cells []json.RawMessage
	if err := json.Unmarshal(raw, &cells); err != nil {
		return nil, err
	}
	if len(cells) != 2 {
		return nil, fmt.Errorf("want 2 cells, got %d", len(cells))
	}
	turn, err := pairTurn(cells[0], cells[1])
	if err != nil {
		return nil, err
	}
	return []model.Turn{turn}, nil
}

// pairTurn builds a turn from decoded user and assistant cells. A null user
// cell becomes empty text.
func pairTurn(userRaw, assistantRaw json.RawMessage) (model.Turn, error) {
	user, err := decodeContent(userRaw)
	if err != nil {
		return model.Turn{}, fmt.Errorf("user: %w", err)
	}
	assistant, err := decodeContent(assistantRaw)
	if err != nil {
		return model.Turn{}, fmt.Errorf("assistant: %w", err)
	}

	turn := model.NewTurn("")
	if user != nil {
		turn.UserText = *user
	}
	if assistant != nil {
		turn.Settle(*assistant, false)
	}
	return turn, nil
}

// =============================================================================
// CONTENT DECODING
// =============================================================================

// contentPart is a structured content element. Different server versions
// used "text" or "value" for the payload.
type contentPart struct {
	Text  *string `json:"text"`
	Value *string `json:"value"`
}

func (p contentPart) payload() (string, bool) {
	switch {
	case p.Text != nil:
		return *p.Text, true
	case p.Value != nil:
		return *p.Value, true
	default:
		return "", false
	}
}

// decodeContent returns nil for JSON null.
func decodeContent(raw json.RawMessage) (*string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, errors.New("empty content")
	}

	switch raw[0] {
	case 'n':
		if string(raw) == "null" {
			return nil, nil
		}
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		return &s, nil
	case '[':
		var parts []json.RawMessage
		if err := json.Unmarshal(raw, &parts); err != nil {
			return nil, err
		}
		var b strings.Builder
		for i, part := range parts {
			s, err := decodePart(part)
			if err != nil {
				return nil, fmt.Errorf("part %d: %w", i, err)
			}
			b.WriteString(s)
		}
		out := b.String()
		return &out, nil
	case '{':
		s, err := decodePart(raw)
		if err != nil {
			return nil, err
		}
		return &s, nil
	}
	return nil, fmt.Errorf("unsupported content %.20s", raw)
}

func decodePart(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	}

	var part contentPart
	if err := json.Unmarshal(raw, &part); err != nil {
		return "", err
	}
	s, ok := part.payload()
	if !ok {
		return "", errors.New("content part has no text")
	}
	return s, nil
}

// updateEnvelope is the {"__type__":"update","value":...} wrapper some
// server versions put around component values.
type updateEnvelope struct {
	Value json.RawMessage `json:"value"`
}

func unwrapUpdate(raw json.RawMessage, depth int) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	for ; depth > 0 && len(trimmed) > 0 && trimmed[0] == '{'; depth-- {
		var env updateEnvelope
		if err := json.Unmarshal(trimmed, &env); err != nil || env.Value == nil {
			break
		}
		trimmed = bytes.TrimSpace(env.Value)
	}
	return trimmed
}
