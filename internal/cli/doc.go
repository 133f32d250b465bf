// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides the polaris command-line interface.
//
// Commands are built with cobra. The chat command runs an interactive REPL
// on liner that drives a controller.Controller and prints its session
// snapshots as they stream.
//
// # Commands
//
//   - chat (default): Interactive chat session
//   - ask: Send one question and print the answer
//   - sessions list|show|delete: Manage archived sessions
//   - config show|path|get|set: Inspect and edit configuration
//   - version: Print build information
//
// # Usage
//
//	if err := cli.Execute(); err != nil {
//	    os.Exit(1)
//	}
//
// Output is styled with lipgloss; settled answers are rendered as markdown
// with glamour when stdout is a terminal.
package cli
