// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/atotto/clipboard"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/okemovail/polaris/internal/config"
	"github.com/okemovail/polaris/internal/controller"
	"github.com/okemovail/polaris/internal/util"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a new ChatCLI with input history support.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	line.SetCompleter(completeCommand)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	c.LoadHistory()
	return c
}

// LoadHistory loads command history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists command history to file with secure permissions.
func (c *ChatCLI) SaveHistory() {
	var buf bytes.Buffer
	if _, err := c.line.WriteHistory(&buf); err != nil {
		return
	}
	_ = util.AtomicWriteFile(c.historyFile, buf.Bytes(), 0600)
}

// Close saves history and closes the liner.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// SHELL
// =============================================================================

// Shell is the state of one interactive chat: the controller it drives and
// the choices made with slash commands.
type Shell struct {
	app     *App
	ctrl    *controller.Controller
	printer *Printer
	out     io.Writer

	// attachment is sent with the next message, then cleared.
	attachment string

	copy func(string) error
}

// newShell wires a shell around ctrl.
func newShell(app *App, ctrl *controller.Controller, printer *Printer, out io.Writer) *Shell {
	return &Shell{
		app:     app,
		ctrl:    ctrl,
		printer: printer,
		out:     out,
		copy:    clipboard.WriteAll,
	}
}

// Submit sends a chat message with any pending attachment.
func (s *Shell) Submit(ctx context.Context, text string) error {
	var opts []controller.SendOption
	if s.attachment != "" {
		opts = append(opts, controller.WithAttachment(s.attachment))
	}

	err := s.ctrl.Send(ctx, text, opts...)
	var verr *controller.ValidationError
	if !errors.As(err, &verr) {
		// The attachment went out with the message.
		s.attachment = ""
	}
	return err
}

// =============================================================================
// CHAT COMMAND
// =============================================================================

func newChatCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Long: `Start an interactive chat session.

Type a message and press Enter. Commands start with "/"; type /help for the
list. Ctrl+C stops a reply that is being generated, Ctrl+D exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, flags)
		},
	}
}

// runChat runs the interactive REPL until the user quits.
func runChat(cmd *cobra.Command, flags *globalFlags) error {
	if !IsTTY() {
		return errors.New("stdin is not a terminal; use 'polaris ask' for non-interactive use")
	}

	app, err := newApp(flags)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	out := cmd.OutOrStdout()
	md := newMarkdownRenderer(markdownEnabled(app.Config.UI.Markdown), app.Config.UI.Theme, GetTerminalWidth())
	printer := NewPrinter(out, cmd.ErrOrStderr(), md, app.Config.ShowThought())

	ctrl, err := app.NewController(ctx,
		controller.WithRenderer(printer),
		controller.WithStatusSink(printer))
	if err != nil {
		return err
	}
	defer ctrl.Close()

	shell := newShell(app, ctrl, printer, out)

	showNotices(ctx, out, app.Store, Version)
	printWelcome(out, ctrl)

	stopOnInterrupt(ctx, ctrl)
	watchConfig(ctx, app, ctrl, printer)

	input := NewChatCLI()
	defer input.Close()

	for {
		line, err := input.ReadInput(PromptStyle.Render("polaris> "))
		if err != nil {
			// Ctrl+C at the prompt or Ctrl+D.
			fmt.Fprintln(out)
			fmt.Fprintln(out, DimStyle.Render("Goodbye!"))
			return nil
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			keepGoing, err := shell.HandleCommand(ctx, line)
			if err != nil {
				printError(cmd.ErrOrStderr(), err)
			}
			if !keepGoing {
				fmt.Fprintln(out, DimStyle.Render("Goodbye!"))
				return nil
			}
			continue
		}

		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			fmt.Fprintln(out, DimStyle.Render("Goodbye!"))
			return nil
		}

		fmt.Fprintln(out)
		if err := shell.Submit(ctx, line); err != nil {
			reportSendError(cmd.ErrOrStderr(), err)
		}
	}
}

// reportSendError prints errors the status sink did not already show.
func reportSendError(w io.Writer, err error) {
	var (
		verr *controller.ValidationError
		cerr *controller.ConnectionError
		serr *controller.StreamError
	)
	switch {
	case errors.As(err, &verr):
		printError(w, err)
	case errors.As(err, &cerr), errors.As(err, &serr):
		// Already reported through the status sink.
	case errors.Is(err, controller.ErrSuperseded), errors.Is(err, context.Canceled):
	default:
		printError(w, err)
	}
}

// stopOnInterrupt stops generation on SIGINT. At the prompt liner consumes
// Ctrl+C itself, so a signal only arrives while a reply streams.
func stopOnInterrupt(ctx context.Context, ctrl *controller.Controller) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigChan:
				ctrl.Stop()
			}
		}
	}()
}

// watchConfig applies edits to the config file while the REPL runs. A new
// backend target switches the controller over.
func watchConfig(ctx context.Context, app *App, ctrl *controller.Controller, printer *Printer) {
	if app.ConfigPath == "" {
		return
	}
	err := config.Watch(ctx, app.ConfigPath, 0, func(cfg *config.Config, err error) {
		if err != nil {
			app.Logger.Warn("config reload failed", zap.Error(err))
			printer.Status("Config reload failed: "+err.Error(), true)
			return
		}
		if app.targetFlag != "" {
			cfg.Backend.Target = app.targetFlag
		}
		if cfg.Backend.Target != ctrl.Target() {
			app.Logger.Info("config changed backend",
				zap.String("from", ctrl.Target()),
				zap.String("to", cfg.Backend.Target))
			ctrl.SwitchBackend(cfg.Backend.Target)
			printer.Status("Switched to "+cfg.Backend.Target, false)
		}
		printer.SetShowThought(cfg.ShowThought())
	})
	if err != nil {
		app.Logger.Warn("config watch unavailable", zap.Error(err))
	}
}

// printWelcome prints the welcome banner.
func printWelcome(w io.Writer, ctrl *controller.Controller) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, TitleStyle.Render("polaris interactive chat"))
	fmt.Fprintln(w, RenderSeparator(30))
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Backend:"), ValueStyle.Render(ctrl.Target()))
	settings := ctrl.Settings()
	fmt.Fprintf(w, "%s %.2f / %d tokens\n", RenderLabel("Sampling:"), settings.Temperature, settings.MaxOutputTokens)
	fmt.Fprintln(w)
	fmt.Fprintln(w, DimStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Fprintln(w)
}
