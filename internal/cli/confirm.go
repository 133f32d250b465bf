// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrCancelled is returned when the user declines a confirmation.
var ErrCancelled = errors.New("cancelled")

// RequireConfirmation asks before a destructive action.
//
// Confirmation flow:
//  1. If yes is true (--yes), confirm immediately
//  2. If in is the process stdin and not a terminal, fail: there is nobody
//     to ask
//  3. Otherwise prompt and accept "y" or "yes"
func RequireConfirmation(in io.Reader, out io.Writer, action string, yes bool) error {
	if yes {
		return nil
	}
	if f, ok := in.(*os.File); ok && f == os.Stdin && !IsTTY() {
		return fmt.Errorf("%s requires confirmation; pass --yes", action)
	}

	fmt.Fprintf(out, "%s %s? [y/N] ", WarningStyle.Render("Confirm:"), action)
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		fmt.Fprintln(out)
		return ErrCancelled
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	}
	return ErrCancelled
}
