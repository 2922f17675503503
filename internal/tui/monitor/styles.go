package monitor

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/maren/divvy/internal/models"
)

var (
	// Base colors
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")
	accentColor  = lipgloss.Color("45")

	// Panel styles
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	activePanelStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	// Text styles
	titleStyle     = lipgloss.NewStyle().Bold(true)
	subtleStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle     = lipgloss.NewStyle().Foreground(errorColor)
	selfStyle      = lipgloss.NewStyle().Foreground(accentColor)
	failureStyle   = lipgloss.NewStyle().Foreground(warningColor)

	// Verb styles for the activity feed
	verbStyles = map[models.Verb]lipgloss.Style{
		models.VerbCreate:          lipgloss.NewStyle().Foreground(successColor),
		models.VerbUpdate:          lipgloss.NewStyle().Foreground(accentColor),
		models.VerbDelete:          lipgloss.NewStyle().Foreground(errorColor),
		models.VerbResolveConflict: lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
	}

	// Footer alert badges
	removedAlertStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("0")).
				Background(errorColor)

	conflictAlertStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("0")).
				Background(lipgloss.Color("141"))

	syncingStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("0")).
			Background(accentColor)
)

// formatVerb renders a mutation verb with color.
func formatVerb(v string) string {
	style, ok := verbStyles[models.Verb(v)]
	if !ok {
		return v
	}
	return style.Render(v)
}
