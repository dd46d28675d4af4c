package main

import "github.com/charmbracelet/lipgloss"

var (
	// Color palette
	primaryColor   = lipgloss.Color("#7D56F4")
	secondaryColor = lipgloss.Color("#00D7FF")
	successColor   = lipgloss.Color("#04B575")
	warningColor   = lipgloss.Color("#FFA500")
	errorColor     = lipgloss.Color("#FF4B4B")
	mutedColor     = lipgloss.Color("#666666")
	borderColor    = lipgloss.Color("#383838")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Background(lipgloss.Color("#1A1A1A")).
			Padding(0, 1)

	infoStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Italic(true)

	pausedStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(borderColor).
			Padding(0, 1)

	paneTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	nameStyle = lipgloss.NewStyle().
			Width(10)

	selectedNameStyle = nameStyle.
				Foreground(secondaryColor).
				Bold(true)

	numberStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	eventStyle = lipgloss.NewStyle().
			Foreground(warningColor)

	statusStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Background(lipgloss.Color("#1A1A1A")).
			Padding(0, 1).
			MarginTop(1)

	statusMessageStyle = lipgloss.NewStyle().
				Foreground(successColor)

	// Help overlay styles
	modalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 2).
			Background(lipgloss.Color("#1A1A1A"))

	helpTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)
)

// usageColor picks the bar gradient end for a usage ratio.
func usageColor(ratio float64) lipgloss.Color {
	switch {
	case ratio >= 0.9:
		return errorColor
	case ratio >= 0.7:
		return warningColor
	default:
		return successColor
	}
}
