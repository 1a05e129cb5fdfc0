package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// priorityBand maps 1-3 to High, 4-6 to Medium and 7-9 to Low. Anything
// else, including 0, has no band.
func priorityBand(raw any) (label string, color lipgloss.Color, ok bool) {
	p, err := strconv.Atoi(fmt.Sprint(raw))
	if err != nil {
		// Servers may send their own labels; show them as they are.
		if s := fmt.Sprint(raw); s != "" && s != "<nil>" {
			return s, lipgloss.Color("7"), true
		}
		return "", "", false
	}
	switch {
	case p >= 1 && p <= 3:
		return "High", lipgloss.Color("1"), true
	case p >= 4 && p <= 6:
		return "Medium", lipgloss.Color("3"), true
	case p >= 7 && p <= 9:
		return "Low", lipgloss.Color("4"), true
	}
	return "", "", false
}

// formatPriority renders a task's priority extra, or "".
func (p *Printer) formatPriority(raw any) string {
	label, color, ok := priorityBand(raw)
	if !ok {
		return ""
	}
	return p.r.NewStyle().Foreground(color).Render("!" + label)
}

// humanizeDays converts a day count to a compact form like 3d or 2w.
func humanizeDays(days int) string {
	switch {
	case days >= 365:
		return fmt.Sprintf("%dy", days/365)
	case days >= 30:
		return fmt.Sprintf("%dmo", days/30)
	case days >= 7:
		return fmt.Sprintf("%dw", days/7)
	}
	return fmt.Sprintf("%dd", days)
}

// formatDue renders a YYYY-MM-DD due date relative to now. Overdue dates
// are red, dates within a day yellow. Unparseable values are shown raw.
func (p *Printer) formatDue(raw any) string {
	s := fmt.Sprint(raw)
	if raw == nil || s == "" {
		return ""
	}
	due, err := time.Parse("2006-01-02", s)
	if err != nil {
		return p.dim.Render("due " + s)
	}

	// Whole calendar days, so DST shifts do not matter.
	now := p.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	days := int(due.Sub(today).Hours() / 24)
	switch {
	case days == 0:
		return p.warn.Render("due today")
	case days < 0:
		return p.r.NewStyle().Foreground(lipgloss.Color("1")).Render("overdue " + humanizeDays(-days))
	case days == 1:
		return p.warn.Render("due tomorrow")
	}
	return p.dim.Render(fmt.Sprintf("due in %s (%s)", humanizeDays(days), s))
}
