// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/okemovail/polaris/internal/controller"
)

// MaxStdinSize bounds a question read from a pipe.
const MaxStdinSize = 1 << 20

// askOptions are the flags of the ask command.
type askOptions struct {
	web        bool
	attachment string
	noSave     bool
	plain      bool
}

func newAskCommand(flags *globalFlags) *cobra.Command {
	opts := &askOptions{}

	cmd := &cobra.Command{
		Use:   "ask [question...]",
		Short: "Ask a single question and print the answer",
		Long: `Ask a single question and print the answer.

The question is read from the arguments, or from stdin when none are given.`,
		Example: `  polaris ask "What is 2+2?"
  echo "Summarize this" | polaris ask
  polaris ask --web "Latest Go release?"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			question, err := readQuestion(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runAsk(cmd, flags, opts, question)
		},
	}

	cmd.Flags().BoolVar(&opts.web, "web", false, "request a web-augmented answer")
	cmd.Flags().StringVar(&opts.attachment, "attach", "", "file name to attach to the question")
	cmd.Flags().BoolVar(&opts.noSave, "no-save", false, "do not archive the exchange")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "print the answer without markdown rendering")
	return cmd
}

// readQuestion joins args, falling back to stdin when there are none.
func readQuestion(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	if f, ok := stdin.(*os.File); ok && f == os.Stdin && IsTTY() {
		return "", errors.New("no question given")
	}
	data, err := io.ReadAll(io.LimitReader(stdin, MaxStdinSize+1))
	if err != nil {
		return "", fmt.Errorf("failed to read stdin: %w", err)
	}
	if len(data) > MaxStdinSize {
		return "", fmt.Errorf("stdin too large (max %d bytes)", MaxStdinSize)
	}
	question := strings.TrimSpace(string(data))
	if question == "" {
		return "", errors.New("no question given")
	}
	return question, nil
}

// runAsk sends one question and streams the reply to stdout.
func runAsk(cmd *cobra.Command, flags *globalFlags, opts *askOptions, question string) error {
	app, err := newApp(flags)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	useMarkdown := !opts.plain && markdownEnabled(app.Config.UI.Markdown)
	md := newMarkdownRenderer(useMarkdown, app.Config.UI.Theme, GetTerminalWidth())
	printer := NewPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr(), md, app.Config.ShowThought())

	copts := []controller.Option{
		controller.WithRenderer(printer),
		controller.WithStatusSink(printer),
	}
	if opts.noSave {
		copts = append(copts, controller.WithArchiver(nil))
	}
	ctrl, err := app.NewController(ctx, copts...)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	ctrl.SetWebSearch(opts.web)

	var sendOpts []controller.SendOption
	if opts.attachment != "" {
		sendOpts = append(sendOpts, controller.WithAttachment(opts.attachment))
	}

	err = ctrl.Send(ctx, question, sendOpts...)
	if errors.Is(err, context.Canceled) {
		return errors.New("interrupted")
	}
	return err
}
