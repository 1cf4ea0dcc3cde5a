// Package ui provides terminal rendering helpers for the CLI. Styling
// is applied only when stdout is an interactive terminal that supports
// color; piped output stays plain.
package ui

import (
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	headerStyle = lipgloss.NewStyle().Bold(true).Underline(true)
)

var (
	enabledOnce sync.Once
	enabled     bool
)

// Enabled reports whether styled output is active.
func Enabled() bool {
	enabledOnce.Do(func() {
		enabled = term.IsTerminal(int(os.Stdout.Fd())) &&
			termenv.EnvColorProfile() != termenv.Ascii
	})
	return enabled
}

func render(style lipgloss.Style, s string) string {
	if !Enabled() {
		return s
	}
	return style.Render(s)
}

// RenderAccent highlights status markers and headings.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderPass marks a successful outcome.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn marks a non-fatal problem.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail marks a failure.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderMuted de-emphasizes secondary detail.
func RenderMuted(s string) string { return render(mutedStyle, s) }

// RenderHeader styles a section header.
func RenderHeader(s string) string { return render(headerStyle, s) }
