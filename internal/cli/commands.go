// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/okemovail/polaris/internal/controller"
	"github.com/okemovail/polaris/internal/model"
	"github.com/okemovail/polaris/internal/storage"
)

// slashCommand describes one REPL command for help and completion.
type slashCommand struct {
	name  string
	usage string
	desc  string
}

var slashCommands = []slashCommand{
	{"/help", "/help", "Show this help"},
	{"/new", "/new", "Start a new chat"},
	{"/regen", "/regen [n]", "Regenerate reply n (default: last)"},
	{"/good", "/good <n>", "Rate reply n as good"},
	{"/bad", "/bad <n> [detail]", "Rate reply n as bad, with optional detail"},
	{"/copy", "/copy [n]", "Copy reply n to the clipboard (default: last)"},
	{"/web", "/web on|off", "Toggle web-augmented answers"},
	{"/attach", "/attach <file>", "Attach a file name to the next message"},
	{"/thought", "/thought on|off", "Show or hide reasoning"},
	{"/backend", "/backend [target]", "Show or switch the backend"},
	{"/history", "/history", "Show the conversation"},
	{"/sessions", "/sessions", "List saved sessions"},
	{"/load", "/load <id|#>", "Load a saved session"},
	{"/temp", "/temp [x]", "Show or set sampling temperature"},
	{"/maxtokens", "/maxtokens [n]", "Show or set max output tokens"},
	{"/quit", "/quit", "Exit chat"},
}

// completeCommand is the liner completer for slash commands.
func completeCommand(line string) []string {
	if !strings.HasPrefix(line, "/") || strings.Contains(line, " ") {
		return nil
	}
	var out []string
	for _, c := range slashCommands {
		if strings.HasPrefix(c.name, strings.ToLower(line)) {
			out = append(out, c.name)
		}
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// DISPATCH
// =============================================================================

// HandleCommand runs one slash command. It returns false when the shell
// should exit.
func (s *Shell) HandleCommand(ctx context.Context, line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true, nil
	}
	command := strings.ToLower(parts[0])
	args := parts[1:]

	switch command {
	case "/help", "/h", "/?", "/":
		s.printHelp()
	case "/quit", "/q", "/exit":
		return false, nil
	case "/new", "/clear":
		s.ctrl.NewChat()
		s.attachment = ""
		fmt.Fprintln(s.out, SuccessStyle.Render("[New chat]"))
	case "/regen", "/r":
		return true, s.regenerate(ctx, args)
	case "/good":
		return true, s.feedback(ctx, command, model.VerdictLike, args)
	case "/bad":
		return true, s.feedback(ctx, command, model.VerdictDislike, args)
	case "/copy":
		return true, s.copyReply(args)
	case "/web":
		return true, s.toggle(args, "Web search", s.ctrl.WebSearch, s.ctrl.SetWebSearch)
	case "/thought":
		return true, s.toggle(args, "Reasoning", s.printer.ShowThought, s.printer.SetShowThought)
	case "/attach":
		return true, s.attach(args)
	case "/backend":
		s.backend(args)
	case "/history":
		s.printer.PrintTranscript(s.ctrl.Snapshot())
	case "/sessions":
		return true, s.listSessions(ctx)
	case "/load":
		return true, s.load(ctx, args)
	case "/temp":
		return true, s.setTemperature(ctx, args)
	case "/maxtokens":
		return true, s.setMaxTokens(ctx, args)
	default:
		if suggestion := SuggestCommand(command); suggestion != "" {
			return true, fmt.Errorf("unknown command: %s (did you mean %s?)", command, suggestion)
		}
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
	return true, nil
}

// parseTurn converts a 1-based turn number to an index. An empty argument
// selects the last turn.
func parseTurn(args []string, session model.Session) (int, error) {
	if len(args) == 0 {
		if len(session.Turns) == 0 {
			return 0, errors.New("no messages yet")
		}
		return len(session.Turns) - 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid message number %q", args[0])
	}
	return n - 1, nil
}

func (s *Shell) regenerate(ctx context.Context, args []string) error {
	index, err := parseTurn(args, s.ctrl.Snapshot())
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out)
	if err := s.ctrl.Regenerate(ctx, index); err != nil {
		reportSendError(s.printer.err, err)
	}
	return nil
}

func (s *Shell) feedback(ctx context.Context, command string, verdict model.Verdict, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s <n>", command)
	}
	index, err := parseTurn(args[:1], s.ctrl.Snapshot())
	if err != nil {
		return err
	}
	detail := strings.Join(args[1:], " ")
	err = s.ctrl.SubmitFeedback(ctx, index, verdict, detail)
	var verr *controller.ValidationError
	if errors.As(err, &verr) {
		return err
	}
	if err != nil {
		// Transport failures reach the user through the status sink.
		s.app.Logger.Debug("feedback failed", zap.Error(err))
	}
	return nil
}

func (s *Shell) copyReply(args []string) error {
	snap := s.ctrl.Snapshot()
	index, err := parseTurn(args, snap)
	if err != nil {
		return err
	}
	if !snap.ValidIndex(index) || !snap.Turns[index].HasReply() {
		return fmt.Errorf("message %d has no reply", index+1)
	}
	if err := s.copy(strings.TrimSpace(snap.Turns[index].Answer())); err != nil {
		return fmt.Errorf("failed to copy: %w", err)
	}
	fmt.Fprintln(s.out, SuccessStyle.Render("[Copied]"))
	return nil
}

func (s *Shell) toggle(args []string, label string, get func() bool, set func(bool)) error {
	if len(args) == 0 {
		fmt.Fprintf(s.out, "%s %s\n", RenderLabel(label+":"), onOff(get()))
		return nil
	}
	switch strings.ToLower(args[0]) {
	case "on", "true", "1":
		set(true)
	case "off", "false", "0":
		set(false)
	default:
		return fmt.Errorf("expected on or off, got %q", args[0])
	}
	fmt.Fprintf(s.out, "%s %s\n", SuccessStyle.Render("[OK]"), label+" "+onOff(get()))
	return nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func (s *Shell) attach(args []string) error {
	if len(args) == 0 {
		if s.attachment == "" {
			fmt.Fprintln(s.out, DimStyle.Render("[No attachment]"))
		} else {
			fmt.Fprintf(s.out, "%s %s\n", RenderLabel("Attached:"), s.attachment)
		}
		return nil
	}
	path := strings.Join(args, " ")
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("cannot attach: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("cannot attach a directory: %s", path)
	}
	s.attachment = filepath.Base(path)
	fmt.Fprintf(s.out, "%s %s will be sent with your next message\n", SuccessStyle.Render("[OK]"), s.attachment)
	return nil
}

func (s *Shell) backend(args []string) {
	if len(args) == 0 {
		fmt.Fprintf(s.out, "%s %s\n", RenderLabel("Backend:"), s.ctrl.Target())
		return
	}
	s.ctrl.SwitchBackend(args[0])
	s.attachment = ""
	fmt.Fprintf(s.out, "%s Switched to %s\n", SuccessStyle.Render("[OK]"), args[0])
}

func (s *Shell) listSessions(ctx context.Context) error {
	sessions, err := s.app.Store.ListSessions(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, storage.FormatSessionList(sessions))
	return nil
}

func (s *Shell) load(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: /load <id|#>")
	}
	sess, err := s.app.Store.FindSession(ctx, args[0])
	if err != nil {
		return err
	}
	if err := s.ctrl.Restore(sess); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s Loaded %q\n\n", SuccessStyle.Render("[OK]"), sess.Title())
	s.printer.PrintTranscript(s.ctrl.Snapshot())
	return nil
}

func (s *Shell) setTemperature(ctx context.Context, args []string) error {
	settings := s.ctrl.Settings()
	if len(args) == 0 {
		fmt.Fprintf(s.out, "%s %.2f\n", RenderLabel("Temperature:"), settings.Temperature)
		return nil
	}
	v, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid temperature %q", args[0])
	}
	settings.Temperature = v
	return s.saveSettings(ctx, settings)
}

func (s *Shell) setMaxTokens(ctx context.Context, args []string) error {
	settings := s.ctrl.Settings()
	if len(args) == 0 {
		fmt.Fprintf(s.out, "%s %d\n", RenderLabel("Max tokens:"), settings.MaxOutputTokens)
		return nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid token count %q", args[0])
	}
	settings.MaxOutputTokens = n
	return s.saveSettings(ctx, settings)
}

func (s *Shell) saveSettings(ctx context.Context, settings model.Settings) error {
	if err := s.ctrl.SetSettings(settings); err != nil {
		return err
	}
	if err := s.app.Store.SaveSettings(ctx, settings); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%s temperature %.2f, max tokens %d\n",
		SuccessStyle.Render("[OK]"), settings.Temperature, settings.MaxOutputTokens)
	return nil
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, TitleStyle.Render("Available Commands"))
	fmt.Fprintln(s.out, RenderSeparator(20))
	for _, c := range slashCommands {
		fmt.Fprintf(s.out, "  %s  %s\n", CommandStyle.Render(fmt.Sprintf("%-18s", c.usage)), DimStyle.Render(c.desc))
	}
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, DimStyle.Render("Tip: Ctrl+C stops the current reply, Ctrl+D exits"))
	fmt.Fprintln(s.out)
}
