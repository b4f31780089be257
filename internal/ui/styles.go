// Package ui renders CLI output with lipgloss styles.
//
// Colors are dropped automatically when stdout is not a terminal or
// NO_COLOR is set.
package ui

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Width(18)
)

func init() {
	if !IsTerminal(os.Stdout) || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// RenderPass renders success markers.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn renders warnings.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail renders hard errors.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent renders highlighted values.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted renders secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// RenderHeader renders a section title.
func RenderHeader(s string) string { return headerStyle.Render(s) }

// KV renders aligned "key  value" lines, pairs given as k1, v1, k2, v2...
func KV(pairs ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(&b, "  %s %v\n", keyStyle.Render(fmt.Sprint(pairs[i])), pairs[i+1])
	}
	return b.String()
}

// Count renders n with a color that signals whether it needs attention.
func Count(n int, bad bool) string {
	s := fmt.Sprint(n)
	switch {
	case n == 0:
		return RenderMuted(s)
	case bad:
		return RenderWarn(s)
	default:
		return RenderAccent(s)
	}
}
