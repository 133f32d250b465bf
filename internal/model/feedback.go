// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// VERDICT
// =============================================================================

// Verdict is the user's rating of an assistant reply.
type Verdict string

const (
	VerdictLike    Verdict = "like"
	VerdictDislike Verdict = "dislike"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	return v == VerdictLike || v == VerdictDislike
}

// IsNegative reports whether v accepts free-text detail.
func (v Verdict) IsNegative() bool {
	return v == VerdictDislike
}

// ParseVerdict accepts like/dislike and the usual shorthands.
func ParseVerdict(s string) (Verdict, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "like", "good", "up", "+":
		return VerdictLike, nil
	case "dislike", "bad", "down", "-":
		return VerdictDislike, nil
	default:
		return "", fmt.Errorf("unknown verdict %q", s)
	}
}

// =============================================================================
// SETTINGS
// =============================================================================

// ErrInvalidSettings is returned when a settings value is out of range.
var ErrInvalidSettings = errors.New("invalid settings")

const (
	MaxTemperature     = 2.0
	MaxOutputTokensCap = 4096
)

// Settings holds the user's sampling preferences.
type Settings struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"max_output_tokens"`
}

// DefaultSettings mirrors the sampling the hosted model uses when none is sent.
func DefaultSettings() Settings {
	return Settings{
		Temperature:     0.8,
		MaxOutputTokens: 200,
	}
}

// Validate checks the ranges of both fields.
func (s Settings) Validate() error {
	if s.Temperature < 0 || s.Temperature > MaxTemperature {
		return fmt.Errorf("%w: temperature %.2f outside 0..%.1f", ErrInvalidSettings, s.Temperature, MaxTemperature)
	}
	if s.MaxOutputTokens < 1 || s.MaxOutputTokens > MaxOutputTokensCap {
		return fmt.Errorf("%w: max output tokens %d outside 1..%d", ErrInvalidSettings, s.MaxOutputTokens, MaxOutputTokensCap)
	}
	return nil
}
