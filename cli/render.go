package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

type renderer struct {
	w       io.Writer
	midLine bool
}

func newRenderer(w io.Writer) *renderer {
	return &renderer{w: w}
}

// Render prints text as it streams and one line per tool event.
func (r *renderer) Render(p domain.ChunkPayload) {
	switch p.Type {
	case domain.ChunkTypeTextDelta:
		fmt.Fprint(r.w, p.Delta)
		r.midLine = !strings.HasSuffix(p.Delta, "\n")
	case domain.ChunkTypeToolCallStart:
		r.line("-> %s %s", p.ToolName, string(p.Input))
	case domain.ChunkTypeToolCallResult:
		if p.State != domain.ToolStateOutputAvailable {
			r.line("<- %s %s: %s", p.ToolName, p.State, p.ErrorText)
		} else {
			r.line("<- %s %s", p.ToolName, string(p.Output))
		}
	case domain.ChunkTypeSourceURL:
		r.line("[source] %s", p.URL)
	case domain.ChunkTypeError:
		r.line("error: %s", p.ErrorText)
	case domain.ChunkTypeFinish:
		if r.midLine {
			fmt.Fprintln(r.w)
			r.midLine = false
		}
	}
}

func (r *renderer) line(format string, args ...any) {
	if r.midLine {
		fmt.Fprintln(r.w)
		r.midLine = false
	}
	fmt.Fprintf(r.w, format+"\n", args...)
}

func printHistory(w io.Writer, messages []domain.Message) {
	for _, m := range messages {
		fmt.Fprintf(w, "[%s]", m.Role)
		if m.InFlight() {
			fmt.Fprintf(w, " (run %s)", m.RunID)
		}
		fmt.Fprintln(w)
		for _, p := range m.Parts {
			switch p.Type {
			case domain.PartTypeText:
				fmt.Fprintln(w, p.Text)
			case domain.PartTypeToolInvocation:
				fmt.Fprintf(w, "  tool %s (%s)\n", p.ToolName, p.State)
			default:
				fmt.Fprintf(w, "  %s\n", p.Type)
			}
		}
	}
}
