// Package progress displays a training status line that is rewritten in place, with a highlighted label.
//
// If the output is not a terminal, intermediary updates are not printed, only the final state
// of each line, see Line.Done.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

// DefaultMinInterval between updates of a Line.
const DefaultMinInterval = 200 * time.Millisecond

var labelStyle = lipgloss.NewStyle().
	Background(lipgloss.Color("13")).
	Foreground(lipgloss.Color("0")).
	Padding(0, 1)

// Line is a status line. It is not safe for concurrent use.
type Line struct {
	w          io.Writer
	isTerminal bool
	width      int

	// MinInterval between updates: more frequent updates are dropped.
	MinInterval time.Duration

	label, text string
	lastUpdate  time.Time
}

// New creates a Line displayed in f, typically os.Stdout.
func New(f *os.File) *Line {
	fd := int(f.Fd())
	isTerminal := term.IsTerminal(fd)
	var width int
	if isTerminal {
		width, _, _ = term.GetSize(fd)
	}
	return NewWithWriter(f, isTerminal, width)
}

// NewWithWriter creates a Line displayed in w. If width > 0, lines are truncated to fit it.
func NewWithWriter(w io.Writer, isTerminal bool, width int) *Line {
	return &Line{w: w, isTerminal: isTerminal, width: width, MinInterval: DefaultMinInterval}
}

// Update the status line.
func (l *Line) Update(label, format string, args ...any) {
	l.label, l.text = label, fmt.Sprintf(format, args...)
	if !l.isTerminal || time.Since(l.lastUpdate) < l.MinInterval {
		return
	}
	l.lastUpdate = time.Now()
	_, _ = fmt.Fprintf(l.w, "\r%s\033[0K", l.render())
}

// Done prints the last state of the line and moves to the next one.
func (l *Line) Done() {
	if l.label == "" && l.text == "" {
		return
	}
	if l.isTerminal {
		_, _ = fmt.Fprintf(l.w, "\r%s\033[0K\n", l.render())
	} else {
		_, _ = fmt.Fprintf(l.w, "%s: %s\n", l.label, l.text)
	}
	l.label, l.text = "", ""
	l.lastUpdate = time.Time{}
}

func (l *Line) render() string {
	label := labelStyle.Render(l.label)
	text := l.text
	if l.width > 0 {
		available := l.width - lipgloss.Width(label) - 1
		if available <= 0 {
			return label
		}
		if runes := []rune(text); len(runes) > available {
			text = string(runes[:available])
		}
	}
	return strings.Join([]string{label, text}, " ")
}
