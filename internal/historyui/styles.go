package historyui

import "github.com/charmbracelet/lipgloss"

var (
	colorCyan   = lipgloss.Color("#00FFFF")
	colorGray   = lipgloss.Color("#666666")
	colorYellow = lipgloss.Color("#FFFF00")
	colorRed    = lipgloss.Color("#FF0000")
	colorGreen  = lipgloss.Color("#00FF00")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	timestampStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	urlStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	selectedStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Bold(true)

	refinedBadgeStyle = lipgloss.NewStyle().
				Foreground(colorGreen).
				Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	footerDescStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorGray)
)
