// Package style holds the shared terminal styles for codev CLI output.
package style

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	colorPrimary = lipgloss.Color("39")  // blue
	colorSuccess = lipgloss.Color("76")  // green
	colorWarning = lipgloss.Color("214") // orange
	colorError   = lipgloss.Color("196") // red
	colorMuted   = lipgloss.Color("242") // gray
)

var (
	// Header styles session listing column headers.
	Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(colorPrimary)

	// SessionID styles session identifiers.
	SessionID = lipgloss.NewStyle().
			Bold(true)

	// Running, Exited and Gone style session state labels.
	Running = lipgloss.NewStyle().
		Foreground(colorSuccess)

	Exited = lipgloss.NewStyle().
		Foreground(colorWarning)

	Gone = lipgloss.NewStyle().
		Foreground(colorError)

	// Muted styles secondary detail like socket paths and timestamps.
	Muted = lipgloss.NewStyle().
		Foreground(colorMuted)

	// Banner styles the attach/detach notices printed around a live
	// session so they stand apart from child output.
	Banner = lipgloss.NewStyle().
		Foreground(colorMuted).
		Italic(true)

	// Error styles fatal CLI errors.
	Error = lipgloss.NewStyle().
		Bold(true).
		Foreground(colorError)
)

// State returns the style for a session state label.
func State(state string) lipgloss.Style {
	switch state {
	case "running", "starting", "restarting":
		return Running
	case "exited":
		return Exited
	default:
		return Gone
	}
}
