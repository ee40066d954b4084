// Package ui is the interactive chat screen: a bubbletea model that publishes
// send/stop/regenerate commands on the event bridge and renders the session
// state it gets back.
package ui

import (
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Palette
var (
	LightBackground = lipgloss.Color("#f7f7f5")
	LightForeground = lipgloss.Color("#1b1f24")
	LightPrimary    = lipgloss.Color("#3b2f8f") // indigo
	LightAccent     = lipgloss.Color("#0fa37f") // payment green
	LightMuted      = lipgloss.Color("#8a8f98")
	LightBorder     = lipgloss.Color("#d9dce1")

	DarkBackground = lipgloss.Color("#111318")
	DarkForeground = lipgloss.Color("#eceef2")
	DarkPrimary    = lipgloss.Color("#9d8cff")
	DarkAccent     = lipgloss.Color("#19c39a")
	DarkMuted      = lipgloss.Color("#6b7280")
	DarkBorder     = lipgloss.Color("#2a2f3a")

	Destructive = lipgloss.Color("#e53935")
	Warning     = lipgloss.Color("#FFC107")
	Info        = lipgloss.Color("#2196F3")
)

// Theme holds the current color scheme
type Theme struct {
	Background lipgloss.Color
	Foreground lipgloss.Color
	Primary    lipgloss.Color
	Accent     lipgloss.Color
	Muted      lipgloss.Color
	Border     lipgloss.Color
	IsDark     bool
}

// LightTheme returns the light mode theme
func LightTheme() Theme {
	return Theme{
		Background: LightBackground,
		Foreground: LightForeground,
		Primary:    LightPrimary,
		Accent:     LightAccent,
		Muted:      LightMuted,
		Border:     LightBorder,
	}
}

// DarkTheme returns the dark mode theme
func DarkTheme() Theme {
	return Theme{
		Background: DarkBackground,
		Foreground: DarkForeground,
		Primary:    DarkPrimary,
		Accent:     DarkAccent,
		Muted:      DarkMuted,
		Border:     DarkBorder,
		IsDark:     true,
	}
}

// DetectTheme picks dark mode from X402CHAT_DARK_MODE or a dark COLORFGBG
// background, and light mode otherwise.
func DetectTheme() Theme {
	if os.Getenv("X402CHAT_DARK_MODE") == "1" {
		return DarkTheme()
	}
	if parts := strings.Split(os.Getenv("COLORFGBG"), ";"); len(parts) == 2 {
		if bg, err := strconv.Atoi(parts[1]); err == nil && ((bg >= 0 && bg <= 6) || bg == 8) {
			return DarkTheme()
		}
	}
	return LightTheme()
}

// Styles holds all the styled components
type Styles struct {
	Theme Theme

	Header lipgloss.Style
	Footer lipgloss.Style
	Status lipgloss.Style

	UserLabel      lipgloss.Style
	AssistantLabel lipgloss.Style
	UserText       lipgloss.Style
	Reasoning      lipgloss.Style
	Tool           lipgloss.Style
	ToolError      lipgloss.Style

	Notice  lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
	Spinner lipgloss.Style
	Input   lipgloss.Style
}

// NewStyles creates a new Styles instance with the given theme
func NewStyles(theme Theme) Styles {
	return Styles{
		Theme: theme,

		Header: lipgloss.NewStyle().
			Background(theme.Primary).
			Foreground(lipgloss.Color("#ffffff")).
			Padding(0, 1).
			Bold(true),
		Footer: lipgloss.NewStyle().
			Foreground(theme.Muted).
			Padding(0, 1),
		Status: lipgloss.NewStyle().
			Foreground(theme.Accent).
			Bold(true),

		UserLabel: lipgloss.NewStyle().
			Foreground(theme.Primary).
			Bold(true),
		AssistantLabel: lipgloss.NewStyle().
			Foreground(theme.Accent).
			Bold(true),
		UserText: lipgloss.NewStyle().
			Foreground(theme.Foreground).
			PaddingLeft(2),
		Reasoning: lipgloss.NewStyle().
			Foreground(theme.Muted).
			Italic(true).
			PaddingLeft(2).
			BorderLeft(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(theme.Border),
		Tool: lipgloss.NewStyle().
			Foreground(Info).
			PaddingLeft(2),
		ToolError: lipgloss.NewStyle().
			Foreground(Destructive).
			PaddingLeft(2),

		Notice: lipgloss.NewStyle().
			Foreground(Warning).
			Padding(0, 1),
		Error: lipgloss.NewStyle().
			Foreground(Destructive).
			Bold(true).
			Padding(0, 1),
		Muted: lipgloss.NewStyle().
			Foreground(theme.Muted),
		Spinner: lipgloss.NewStyle().
			Foreground(theme.Accent),
		Input: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(theme.Border),
	}
}

// DefaultStyles returns styles for the detected theme.
func DefaultStyles() Styles {
	return NewStyles(DetectTheme())
}
