package cli

import (
	"fmt"
	"html"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"nitrosync/backend"
	"nitrosync/internal/combined"
	"nitrosync/internal/syncqueue"
)

// GetTerminalWidth returns the current terminal width, defaulting to 80 if unable to detect
func GetTerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return width
}

// borderWidth clamps the terminal width to something readable.
func borderWidth(termWidth int) int {
	return min(max(termWidth-2, 40), 100)
}

// Printer renders lists, tasks and sync status. Colors are only used when
// the writer is a terminal.
type Printer struct {
	w     io.Writer
	r     *lipgloss.Renderer
	width int
	now   func() time.Time

	header lipgloss.Style
	name   lipgloss.Style
	num    lipgloss.Style
	dim    lipgloss.Style
	warn   lipgloss.Style
}

// NewPrinter creates a Printer writing to w.
func NewPrinter(w io.Writer, termWidth int) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:      w,
		r:      r,
		width:  borderWidth(termWidth),
		now:    time.Now,
		header: r.NewStyle().Bold(true).Foreground(lipgloss.Color("6")),
		name:   r.NewStyle().Bold(true),
		num:    r.NewStyle().Foreground(lipgloss.Color("6")),
		dim:    r.NewStyle().Foreground(lipgloss.Color("241")),
		warn:   r.NewStyle().Foreground(lipgloss.Color("3")),
	}
}

func (p *Printer) box(title string) (top, bottom string) {
	head := "─ " + title + " "
	pad := max(p.width-lipgloss.Width(head), 0)
	top = p.header.Render("┌" + head + strings.Repeat("─", pad) + "┐")
	bottom = p.header.Render("└" + strings.Repeat("─", p.width) + "┘")
	return top, bottom
}

// plural returns "1 task" or "n tasks".
func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

// syncMark is shown next to entities the server does not know yet.
func (p *Printer) syncMark(id backend.ServerID) string {
	if id.Valid() {
		return ""
	}
	return " " + p.warn.Render("(local)")
}

// ShowLists displays lists with their task counts. Names arrive HTML-escaped
// from the engine and are unescaped for the terminal.
func (p *Printer) ShowLists(lists []combined.ListInfo) {
	top, bottom := p.box("Lists")
	fmt.Fprintln(p.w, top)
	for i, l := range lists {
		fmt.Fprintf(p.w, "  %s %s", p.num.Render(fmt.Sprintf("%2d.", i+1)), p.name.Render(fmt.Sprintf("%-30s", html.UnescapeString(l.Name))))
		if l.Count > 0 {
			fmt.Fprintf(p.w, " %s", p.dim.Render("("+plural(l.Count, "task")+")"))
		}
		if l.IsSystem() {
			fmt.Fprintf(p.w, " %s", p.dim.Render("[system]"))
		} else {
			fmt.Fprint(p.w, p.syncMark(l.ServerID))
		}
		fmt.Fprintf(p.w, " %s\n", p.dim.Render(string(l.ID)))
		if l.Notes != "" {
			fmt.Fprintf(p.w, "      %s\n", p.dim.Render(l.Notes))
		}
	}
	fmt.Fprintln(p.w, bottom)
}

// ShowTasks displays a list's tasks in their display order.
func (p *Printer) ShowTasks(list backend.List, tasks []backend.Task) {
	top, bottom := p.box(html.UnescapeString(list.Name))
	fmt.Fprintln(p.w, top)
	if len(tasks) == 0 {
		fmt.Fprintf(p.w, "  %s\n", p.dim.Render("no tasks"))
	}
	for i, t := range tasks {
		fmt.Fprintf(p.w, "  %s %s%s", p.num.Render(fmt.Sprintf("%2d.", i+1)), t.Content, p.syncMark(t.ServerID))
		if prio := p.formatPriority(t.Extra["priority"]); prio != "" {
			fmt.Fprintf(p.w, " %s", prio)
		}
		if due := p.formatDue(t.Extra["due"]); due != "" {
			fmt.Fprintf(p.w, " %s", due)
		}
		fmt.Fprintf(p.w, " %s\n", p.dim.Render(string(t.ID)))
		if t.Notes != "" {
			fmt.Fprintf(p.w, "      %s\n", p.dim.Render(t.Notes))
		}
	}
	fmt.Fprintln(p.w, bottom)
}

// Status summarises the sync state for display.
type Status struct {
	Server   string                       `json:"server"`
	SignedIn bool                         `json:"signedIn"`
	Source   string                       `json:"credentialSource,omitempty"`
	Pending  combined.Stats               `json:"pending"`
	Entries  map[string][]syncqueue.Entry `json:"entries,omitempty"`
}

// ShowStatus displays the sync status with every pending entry.
func (p *Printer) ShowStatus(s Status) {
	top, bottom := p.box("Sync status")
	fmt.Fprintln(p.w, top)
	fmt.Fprintf(p.w, "  Server:  %s\n", s.Server)
	if s.SignedIn {
		fmt.Fprintf(p.w, "  Auth:    signed in (%s)\n", s.Source)
	} else {
		fmt.Fprintf(p.w, "  Auth:    %s\n", p.warn.Render("signed out"))
	}
	fmt.Fprintf(p.w, "  Pending: %s, %s\n", plural(s.Pending.Lists, "list change"), plural(s.Pending.Tasks, "task change"))
	for _, queue := range []string{"lists", "tasks"} {
		for _, e := range s.Entries[queue] {
			line := fmt.Sprintf("%s %s %s", queue, e.Op, e.ID)
			if e.Attempts > 0 {
				line += fmt.Sprintf(" after %s: %s", plural(e.Attempts, "attempt"), e.LastError)
			}
			fmt.Fprintf(p.w, "    %s\n", p.dim.Render(line))
		}
	}
	fmt.Fprintln(p.w, bottom)
}

// ShowSyncResult prints a one-line summary of a processing pass.
func (p *Printer) ShowSyncResult(res syncqueue.Result, pending combined.Stats) {
	fmt.Fprintf(p.w, "Sent %d, failed %d, dropped %d, waiting %d", res.Sent, res.Failed, res.Dropped, res.Deferred)
	if res.Interrupted {
		fmt.Fprint(p.w, " ", p.warn.Render("(interrupted)"))
	}
	fmt.Fprintf(p.w, ". %s pending.\n", plural(pending.Total(), "change"))
}
