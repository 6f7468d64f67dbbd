// Package output provides styled terminal output helpers (success, error,
// warning, outbox and entity formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/marcus/crmsync/internal/models"
	"github.com/marcus/crmsync/internal/syncstate"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	statusStyles = map[models.OutboxStatus]lipgloss.Style{
		models.OutboxPending: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.OutboxSyncing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.OutboxFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		models.OutboxDead:    lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// FormatOutboxStatus formats an outbox status with color
func FormatOutboxStatus(s models.OutboxStatus) string {
	style, ok := statusStyles[s]
	if !ok {
		return string(s)
	}
	return style.Render(fmt.Sprintf("[%s]", s))
}

// FormatOutboxItem formats one queued field mutation on a single line
// e.g. "accounts/a-1.name = "Acme"  [FAILED]  retries:2  5m ago"
func FormatOutboxItem(it models.OutboxItem) string {
	parts := []string{
		titleStyle.Render(fmt.Sprintf("%s/%s.%s", it.EntityType, it.EntityID, it.FieldName)),
		"= " + Truncate(string(it.NewValue), 40),
		FormatOutboxStatus(it.Status),
	}
	if it.RetryCount > 0 {
		parts = append(parts, subtleStyle.Render(fmt.Sprintf("retries:%d", it.RetryCount)))
	}
	if !it.CreatedAt.IsZero() {
		parts = append(parts, subtleStyle.Render(FormatTimeAgo(it.CreatedAt)))
	}
	line := strings.Join(parts, "  ")
	if it.Error != nil && *it.Error != "" {
		line += "\n    " + errorStyle.Render(*it.Error)
	}
	return line
}

// FormatEntityShort formats an entity as "type/id  field=value ..." using up to
// three fields in name order.
func FormatEntityShort(e models.Entity) string {
	names := fieldNames(e)
	var fields []string
	for i, name := range names {
		if i == 3 {
			fields = append(fields, subtleStyle.Render(fmt.Sprintf("+%d", len(names)-3)))
			break
		}
		fields = append(fields, fmt.Sprintf("%s=%s", name, Truncate(string(e.Fields[name]), 24)))
	}
	return titleStyle.Render(e.Type+"/"+e.ID) + "  " + strings.Join(fields, " ")
}

// EntityMarkdown renders an entity as a markdown document: a heading and a
// field/value table in name order.
func EntityMarkdown(e models.Entity) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("# %s / %s\n\n", e.Type, e.ID))
	if !e.UpdatedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("_updated %s_\n\n", FormatTimeAgo(e.UpdatedAt)))
	}
	if len(e.Fields) == 0 {
		sb.WriteString("No fields.\n")
		return sb.String()
	}
	sb.WriteString("| field | value |\n|---|---|\n")
	for _, name := range fieldNames(e) {
		value := strings.ReplaceAll(string(e.Fields[name]), "|", `\|`)
		sb.WriteString(fmt.Sprintf("| %s | `%s` |\n", name, value))
	}
	return sb.String()
}

func fieldNames(e models.Entity) []string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SyncIndicator renders a one-line summary of the shared sync state, the
// same text the monitor shows.
func SyncIndicator(s syncstate.Snapshot) string {
	var parts []string
	switch {
	case s.Paused:
		parts = append(parts, warningStyle.Render("paused"))
	case s.Syncing:
		parts = append(parts, warningStyle.Render("syncing"))
	case s.PendingCount == 0:
		parts = append(parts, successStyle.Render("up to date"))
	default:
		parts = append(parts, "idle")
	}
	parts = append(parts, fmt.Sprintf("%d pending", s.PendingCount))
	if s.LastSyncTime != nil {
		parts = append(parts, subtleStyle.Render("last sync "+FormatTimeAgo(*s.LastSyncTime)))
	} else {
		parts = append(parts, subtleStyle.Render("never synced"))
	}
	line := strings.Join(parts, "  ")
	if s.Error != "" {
		line += "  " + errorStyle.Render(s.Error)
	}
	return line
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// Truncate shortens s to max runes, marking the cut with "..."
func Truncate(s string, max int) string {
	r := []rune(s)
	if max <= 3 || len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nHISTORY:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}
