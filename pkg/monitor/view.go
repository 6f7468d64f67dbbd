package monitor

import (
	"fmt"
	"strings"

	"github.com/marcus/crmsync/internal/output"
)

// View renders the monitor.
func (m Model) View() string {
	var sb strings.Builder

	sb.WriteString(headerStyle.Render("crmsync"))
	sb.WriteString("  ")
	if m.Snapshot.Syncing {
		sb.WriteString(m.spinner.View())
	}
	sb.WriteString(output.SyncIndicator(m.Snapshot))
	sb.WriteString("\n")
	if m.Message != "" {
		sb.WriteString(subtleStyle.Render(m.Message))
		sb.WriteString("\n")
	}
	if m.Err != nil {
		sb.WriteString(errorStyle.Render(m.Err.Error()))
		sb.WriteString("\n")
	}

	sb.WriteString(m.renderOutbox())
	sb.WriteString("\n")
	sb.WriteString(m.renderHistory())
	sb.WriteString("\n")
	sb.WriteString(helpStyle.Render("s sync now · p pause/resume · r refresh · q quit"))
	return sb.String()
}

func (m Model) outboxRows() int {
	// header, message, history panel and footer take about 14 lines
	rows := m.Height - 14
	if rows < 3 {
		rows = 3
	}
	return rows
}

func (m Model) renderOutbox() string {
	title := panelTitleStyle.Render(fmt.Sprintf("OUTBOX (%d)", len(m.Items)))
	var lines []string
	if len(m.Items) == 0 {
		lines = append(lines, subtleStyle.Render("empty"))
	}
	limit := m.outboxRows()
	for i, it := range m.Items {
		if i == limit {
			lines = append(lines, subtleStyle.Render(fmt.Sprintf("... %d more", len(m.Items)-limit)))
			break
		}
		lines = append(lines, output.FormatOutboxItem(it))
	}
	return m.panel(title, lines)
}

func (m Model) renderHistory() string {
	title := panelTitleStyle.Render("RECENT BATCHES")
	var lines []string
	if len(m.History) == 0 {
		lines = append(lines, subtleStyle.Render("no batches yet"))
	}
	for i := len(m.History) - 1; i >= 0; i-- {
		e := m.History[i]
		line := fmt.Sprintf("%s  %-9s %s ×%d", e.Timestamp.Local().Format("15:04:05"), e.Outcome, e.EntityType, e.Items)
		if e.Error != "" {
			line += "  " + errorStyle.Render(output.Truncate(e.Error, 60))
		}
		lines = append(lines, line)
	}
	return m.panel(title, lines)
}

func (m Model) panel(title string, lines []string) string {
	style := panelStyle
	if m.Width > 4 {
		style = style.Width(m.Width - 2)
	}
	return style.Render(title + "\n" + strings.Join(lines, "\n"))
}
