// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"

	"github.com/okemovail/polaris/internal/markers"
	"github.com/okemovail/polaris/internal/model"
)

// =============================================================================
// PRINTER
// =============================================================================

// Printer writes controller snapshots to a terminal. It implements
// controller.Renderer and controller.StatusSink.
//
// In plain mode the reply of the active turn is streamed as it grows. In
// markdown mode it is collected and rendered once the turn settles.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
	err io.Writer

	markdown    bool
	showThought bool
	md          *glamour.TermRenderer

	// active is the turn being printed; printed is the text already written.
	activeSession string
	activeIndex   int
	printed       string
	midLine       bool
}

// NewPrinter creates a printer. A nil md disables markdown rendering.
func NewPrinter(out, errOut io.Writer, md *glamour.TermRenderer, showThought bool) *Printer {
	return &Printer{
		out:         out,
		err:         errOut,
		markdown:    md != nil,
		showThought: showThought,
		md:          md,
		activeIndex: -1,
	}
}

// newMarkdownRenderer returns a glamour renderer for the theme, or nil when
// markdown is off or the renderer cannot be built.
func newMarkdownRenderer(enabled bool, theme string, width int) *glamour.TermRenderer {
	if !enabled {
		return nil
	}
	if width > MaxMarkdownWidth {
		width = MaxMarkdownWidth
	}
	style := glamour.WithAutoStyle()
	if theme != "" {
		style = glamour.WithStandardStyle(theme)
	}
	r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width-4))
	if err != nil {
		return nil
	}
	return r
}

// SetShowThought toggles printing of reasoning spans.
func (p *Printer) SetShowThought(on bool) {
	p.mu.Lock()
	p.showThought = on
	p.mu.Unlock()
}

// ShowThought reports whether reasoning spans are printed.
func (p *Printer) ShowThought() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.showThought
}

// Render prints whatever the snapshot added to the active turn.
func (p *Printer) Render(snap model.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := unsettledIndex(snap.Turns)
	if idx >= 0 {
		if snap.ID != p.activeSession || idx != p.activeIndex {
			p.finishLocked()
			p.activeSession = snap.ID
			p.activeIndex = idx
			p.printed = ""
		}
		if !p.markdown {
			p.streamLocked(p.formatReply(snap.Turns[idx].Reply()))
		}
		return
	}

	// Nothing in flight: settle the active turn if it belongs to this session.
	if p.activeIndex < 0 {
		return
	}
	if snap.ID == p.activeSession && p.activeIndex < len(snap.Turns) {
		p.settleLocked(snap.Turns[p.activeIndex])
	}
	p.finishLocked()
}

// Status prints a transient status line.
func (p *Printer) Status(msg string, isError bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
	if isError {
		fmt.Fprintln(p.err, ErrorStyle.Render("[Error]")+" "+msg)
		return
	}
	fmt.Fprintln(p.err, DimStyle.Render("["+msg+"]"))
}

// streamLocked writes the part of text not yet printed. A reply that no
// longer extends what was printed waits for the settle.
func (p *Printer) streamLocked(text string) {
	if !strings.HasPrefix(text, p.printed) {
		return
	}
	delta := text[len(p.printed):]
	if delta == "" {
		return
	}
	fmt.Fprint(p.out, delta)
	p.printed = text
	p.midLine = !strings.HasSuffix(text, "\n")
}

func (p *Printer) settleLocked(turn model.Turn) {
	if p.markdown {
		thought, answer := markers.SplitThought(turn.Reply())
		if p.showThought && thought != "" {
			fmt.Fprintln(p.out, DimStyle.Render(strings.TrimSpace(thought)))
		}
		fmt.Fprint(p.out, p.renderMarkdown(answer))
		p.midLine = false
		return
	}

	final := p.formatReply(turn.Reply())
	if strings.HasPrefix(final, p.printed) {
		p.streamLocked(final)
		return
	}
	// The settled text diverged from the stream; print it whole.
	if p.printed != "" {
		fmt.Fprintln(p.out)
	}
	fmt.Fprint(p.out, final)
	p.printed = final
	p.midLine = !strings.HasSuffix(final, "\n")
}

// finishLocked ends the active turn's output with a blank line.
func (p *Printer) finishLocked() {
	if p.activeIndex < 0 {
		return
	}
	if p.midLine {
		fmt.Fprintln(p.out)
	}
	fmt.Fprintln(p.out)
	p.activeIndex = -1
	p.activeSession = ""
	p.printed = ""
	p.midLine = false
}

// formatReply lays out a reply for plain output. The layout only ever grows
// at the end while a reply streams.
func (p *Printer) formatReply(reply string) string {
	thought, answer := markers.SplitThought(reply)
	thought = strings.TrimSpace(thought)
	if !p.showThought || thought == "" {
		return answer
	}
	if answer == "" {
		return "(thinking) " + thought
	}
	return "(thinking) " + thought + "\n\n" + answer
}

func (p *Printer) renderMarkdown(content string) string {
	if p.md == nil {
		return content
	}
	rendered, err := p.md.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// unsettledIndex returns the index of the turn awaiting its reply, or -1.
func unsettledIndex(turns []model.Turn) int {
	for i := len(turns) - 1; i >= 0; i-- {
		if !turns[i].IsSettled() {
			return i
		}
	}
	return -1
}

// =============================================================================
// TRANSCRIPT OUTPUT
// =============================================================================

// PrintTranscript writes every turn of a session, numbered from 1.
func (p *Printer) PrintTranscript(s model.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(s.Turns) == 0 {
		fmt.Fprintln(p.out, DimStyle.Render("[No messages yet]"))
		return
	}
	for i, turn := range s.Turns {
		fmt.Fprintf(p.out, "%s %s\n", UserStyle.Render(fmt.Sprintf("%d. You:", i+1)), turn.UserText)
		if !turn.HasReply() {
			fmt.Fprintln(p.out, DimStyle.Render("   (waiting)"))
			continue
		}
		label := AssistantStyle.Render("   AI:")
		if turn.Failed {
			label = ErrorStyle.Render("   AI:")
		}
		if thought := strings.TrimSpace(turn.Thought()); p.showThought && thought != "" {
			fmt.Fprintln(p.out, DimStyle.Render("   (thinking) "+thought))
		}
		fmt.Fprintf(p.out, "%s %s\n", label, strings.TrimSpace(turn.Answer()))
	}
	fmt.Fprintln(p.out)
}
