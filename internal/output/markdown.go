package output

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/marcus/crmsync/internal/models"
)

const (
	defaultMarkdownWidth = 80
	minMarkdownWidth     = 20
)

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// TerminalWidth returns the stdout width, then $COLUMNS, then fallback.
func TerminalWidth(fallback int) int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if n, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && n > 0 {
		return n
	}
	if fallback <= 0 {
		return defaultMarkdownWidth
	}
	return fallback
}

// RenderEntity renders an entity's markdown card. Output piped to another
// program gets the plain markdown.
func RenderEntity(e models.Entity) (string, error) {
	md := EntityMarkdown(e)
	if !stdoutIsTerminal() {
		return strings.TrimRight(md, "\n"), nil
	}
	return RenderMarkdownWithWidth(md, TerminalWidth(defaultMarkdownWidth))
}

// RenderMarkdownWithWidth renders markdown with glamour, wrapping at width.
func RenderMarkdownWithWidth(text string, width int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(width, minMarkdownWidth)),
	)
	if err != nil {
		return "", err
	}
	out, err := r.Render(text)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(out, "\n"), nil
}
