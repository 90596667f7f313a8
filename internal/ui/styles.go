// Package ui renders CLI output with lipgloss, falling back to plain
// text when stdout is not a terminal or NO_COLOR is set.
package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/incbuild/incwatch/internal/watchman"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

func init() {
	if !ShouldUseColor() {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// ShouldUseColor reports whether styled output should be written to
// stdout. CLICOLOR_FORCE wins over NO_COLOR and terminal detection.
func ShouldUseColor() bool {
	if os.Getenv("CLICOLOR_FORCE") != "" && os.Getenv("CLICOLOR_FORCE") != "0" {
		return true
	}
	if termenv.EnvNoColor() {
		return false
	}
	return IsTerminal(os.Stdout)
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Adaptive colors work on light and dark backgrounds.
var (
	ColorCreate   = lipgloss.AdaptiveColor{Light: "#2E7D32", Dark: "#81C784"}
	ColorModify   = lipgloss.AdaptiveColor{Light: "#B26A00", Dark: "#FFB74D"}
	ColorDelete   = lipgloss.AdaptiveColor{Light: "#C62828", Dark: "#E57373"}
	ColorOverflow = lipgloss.AdaptiveColor{Light: "#6A1B9A", Dark: "#CE93D8"}
	ColorAccent   = lipgloss.AdaptiveColor{Light: "#1565C0", Dark: "#64B5F6"}
	ColorMuted    = lipgloss.AdaptiveColor{Light: "#616161", Dark: "#9E9E9E"}
)

var (
	CreateStyle   = lipgloss.NewStyle().Foreground(ColorCreate)
	ModifyStyle   = lipgloss.NewStyle().Foreground(ColorModify)
	DeleteStyle   = lipgloss.NewStyle().Foreground(ColorDelete)
	OverflowStyle = lipgloss.NewStyle().Foreground(ColorOverflow).Bold(true)
	AccentStyle   = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	MutedStyle    = lipgloss.NewStyle().Foreground(ColorMuted)
	PassStyle     = lipgloss.NewStyle().Foreground(ColorCreate)
	WarnStyle     = lipgloss.NewStyle().Foreground(ColorModify)
	FailStyle     = lipgloss.NewStyle().Foreground(ColorDelete)
)

// kindWidth fits the longest kind label ("overflow").
const kindWidth = 8

// KindStyle returns the style for an event kind.
func KindStyle(k watchman.Kind) lipgloss.Style {
	switch k {
	case watchman.KindCreate:
		return CreateStyle
	case watchman.KindModify:
		return ModifyStyle
	case watchman.KindDelete:
		return DeleteStyle
	case watchman.KindOverflow:
		return OverflowStyle
	default:
		return MutedStyle
	}
}

// RenderKind returns the padded, styled kind label.
func RenderKind(k watchman.Kind) string {
	return KindStyle(k).Render(fmt.Sprintf("%-*s", kindWidth, k.String()))
}

// RenderEvent formats one event as a single line without newline.
func RenderEvent(e watchman.Event) string {
	if e.Kind == watchman.KindOverflow {
		return RenderKind(e.Kind) + " " + MutedStyle.Render("(rescan everything)")
	}
	return RenderKind(e.Kind) + " " + e.Path
}

func RenderAccent(s string) string { return AccentStyle.Render(s) }
func RenderMuted(s string) string  { return MutedStyle.Render(s) }
func RenderPass(s string) string   { return PassStyle.Render(s) }
func RenderWarn(s string) string   { return WarnStyle.Render(s) }
func RenderFail(s string) string   { return FailStyle.Render(s) }
