package output

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// Markdown wrapping is clamped so a tiny pane still yields readable
// output instead of one word per line.
const (
	markdownFallbackWidth = 80
	markdownMinWidth      = 20
	markdownMaxWidth      = 100
)

// RenderMarkdown renders markdown wrapped to the terminal. Expense notes
// are free text, so rendering is opt-in at the call site. Empty or
// whitespace-only input renders to "".
func RenderMarkdown(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(noteWrapWidth()),
	)
	if err != nil {
		return "", err
	}
	rendered, err := renderer.Render(text)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(rendered, "\n"), nil
}

// noteWrapWidth picks the wrap width: the real terminal if stdout is one,
// else $COLUMNS, else the fallback, clamped either way.
func noteWrapWidth() int {
	width := markdownFallbackWidth
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	} else if cols, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && cols > 0 {
		width = cols
	}

	if width < markdownMinWidth {
		return markdownMinWidth
	}
	if width > markdownMaxWidth {
		return markdownMaxWidth
	}
	return width
}
