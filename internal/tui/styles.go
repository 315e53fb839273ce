package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/kylemclaren/patrol-tasks/internal/db"
)

var (
	// Patrol palette
	patrolAmber = lipgloss.Color("#e0a458") // Primary accent
	patrolBlue  = lipgloss.Color("#5b8fb9") // Secondary accent
	patrolGreen = lipgloss.Color("#6f9a5d") // Completed
	patrolGray  = lipgloss.Color("#a8a6a0") // Secondary elements

	// Mapped colors for TUI
	primaryColor = patrolAmber
	accentColor  = patrolBlue
	successColor = patrolGreen
	errorColor   = lipgloss.Color("#c45c4a")
	warningColor = patrolAmber
	dimTextColor = patrolGray

	logoIcon = lipgloss.NewStyle().Foreground(primaryColor).Render("◆")

	// App frame
	appStyle = lipgloss.NewStyle().
			Padding(1, 2)

	// Logo
	logoStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(accentColor)

	// Form styles
	inputLabelStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true).
			MarginBottom(0)

	focusedInputStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(primaryColor).
				Padding(0, 1)

	// Status indicators
	statusOK = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	statusFail = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	statusRunning = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	statusPending = lipgloss.NewStyle().
			Foreground(dimTextColor)

	// Help
	helpKeyStyle = lipgloss.NewStyle().
			Foreground(accentColor).
			Bold(true)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(dimTextColor)

	// Misc
	subtitleStyle = lipgloss.NewStyle().
			Foreground(dimTextColor).
			Italic(true)

	errorMsgStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	successMsgStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	// Box for empty state
	emptyBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(dimTextColor).
			Foreground(dimTextColor).
			Padding(2, 4).
			Align(lipgloss.Center)
)

// statusBadge renders an occurrence status with its icon
func statusBadge(st db.Status) string {
	switch st {
	case db.StatusCompleted:
		return statusOK.Render("✓ completed")
	case db.StatusMissed:
		return statusFail.Render("✗ missed")
	case db.StatusInProgress:
		return statusRunning.Render("● in progress")
	case db.StatusPending:
		return statusPending.Render("○ pending")
	}
	return statusPending.Render("-")
}
