// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"strings"
)

// SuggestCommand returns the slash command closest to input, or "" when
// nothing is close enough. Distance is Levenshtein with a threshold that
// grows with the input length.
func SuggestCommand(input string) string {
	input = strings.ToLower(strings.TrimPrefix(input, "/"))
	if len(input) < 2 {
		return ""
	}

	maxDistance := 1
	if len(input) >= 4 {
		maxDistance = 2
	}

	bestMatch := ""
	bestDistance := -1
	for _, c := range slashCommands {
		name := strings.TrimPrefix(c.name, "/")
		distance := levenshteinDistance(input, name)
		if distance == 0 {
			return ""
		}
		if distance <= maxDistance && (bestDistance == -1 || distance < bestDistance) {
			bestDistance = distance
			bestMatch = c.name
		}
	}
	return bestMatch
}

// levenshteinDistance is the minimum number of single-byte insertions,
// deletions or substitutions turning s1 into s2.
func levenshteinDistance(s1, s2 string) int {
	if len(s1) == 0 {
		return len(s2)
	}
	if len(s2) == 0 {
		return len(s1)
	}

	cols := len(s2) + 1
	prev := make([]int, cols)
	curr := make([]int, cols)
	for j := 0; j < cols; j++ {
		prev[j] = j
	}

	for i := 1; i <= len(s1); i++ {
		curr[0] = i
		for j := 1; j < cols; j++ {
			cost := 0
			if s1[i-1] != s2[j-1] {
				cost = 1
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[cols-1]
}
