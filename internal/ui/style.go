// Package ui renders terminal output: styles, tables and progress bars.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	colorPass   = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	colorFail   = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
	colorAccent = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}
)

var (
	Success = lipgloss.NewStyle().Foreground(colorPass).Bold(true)
	Warning = lipgloss.NewStyle().Foreground(colorWarn).Bold(true)
	Error   = lipgloss.NewStyle().Foreground(colorFail).Bold(true)
	Info    = lipgloss.NewStyle().Foreground(colorAccent)
	Dim     = lipgloss.NewStyle().Foreground(colorMuted)
	Bold    = lipgloss.NewStyle().Bold(true)

	colorEnabled = true
)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetColor turns styling on or off. NO_COLOR always turns it off.
func SetColor(enabled bool) {
	if os.Getenv("NO_COLOR") != "" {
		enabled = false
	}
	colorEnabled = enabled
	if enabled {
		return
	}
	plain := lipgloss.NewStyle()
	Success, Warning, Error, Info, Dim, Bold = plain, plain, plain, plain, plain, plain
}

// ColorEnabled reports the current setting.
func ColorEnabled() bool { return colorEnabled }

// Table writes rows under a bold header with columns padded to their widest
// cell.
func Table(w io.Writer, header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			pad := ""
			if i < len(widths) && i < len(cells)-1 {
				pad = strings.Repeat(" ", widths[i]-lipgloss.Width(cell))
			}
			if style != nil {
				cell = style.Render(cell)
			}
			parts[i] = cell + pad
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
	}
	line(header, &Bold)
	for _, row := range rows {
		line(row, nil)
	}
}

// KeyValue writes aligned "key: value" lines.
func KeyValue(w io.Writer, pairs [][2]string) {
	width := 0
	for _, p := range pairs {
		width = max(width, len(p[0]))
	}
	for _, p := range pairs {
		fmt.Fprintf(w, "  %s %s\n", Dim.Render(PadRight(p[0]+":", width+1)), p[1])
	}
}
