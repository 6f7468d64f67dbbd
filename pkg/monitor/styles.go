package monitor

import "github.com/charmbracelet/lipgloss"

var (
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	errorColor   = lipgloss.Color("196")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	spinnerStyle = lipgloss.NewStyle().Foreground(primaryColor)
	subtleStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
	helpStyle    = lipgloss.NewStyle().Foreground(mutedColor)
)
