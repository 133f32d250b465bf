// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set at build time)
var (
	Version   = "0.4.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// ROOT COMMAND
// =============================================================================

// NewRootCommand builds the polaris command tree. Running it without a
// subcommand starts the interactive chat.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "polaris",
		Short: "Terminal chat client for a hosted model space",
		Long: `polaris chats with a model served from a hosted Gradio space.

Run without arguments to start the interactive chat.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, flags)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default ~/.polaris/config.toml)")
	pf.StringVar(&flags.target, "target", "", "space id (owner/space) or app URL")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newChatCommand(flags),
		newAskCommand(flags),
		newSessionsCommand(flags),
		newConfigCommand(flags),
		newVersionCommand(),
	)
	return root
}

// Execute runs the root command and prints any error.
func Execute() error {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		printError(root.ErrOrStderr(), err)
		return err
	}
	return nil
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", ErrorStyle.Render("[Error]"), err)
}

// =============================================================================
// VERSION
// =============================================================================

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "polaris %s\n", Version)
			fmt.Fprintf(out, "  commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  built:  %s\n", BuildDate)
		},
	}
}

// Main runs the CLI and exits non-zero on failure.
func Main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
