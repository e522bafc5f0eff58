// Package watch implements the live host monitor shown by `ductile-host watch`.
package watch

import "github.com/charmbracelet/lipgloss"

// Theme keeps every style of the monitor in one place.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusIdle    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style

	PulseOn  lipgloss.Style
	PulseOff lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusIdle:    lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),

		PulseOn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		PulseOff: lipgloss.NewStyle().Foreground(lipgloss.Color("#444444")),
	}
}

// stateStyle picks the color for a host connection state.
func (t Theme) stateStyle(state string) lipgloss.Style {
	switch state {
	case "ready":
		return t.StatusOK
	case "connecting", "registering":
		return t.StatusRunning
	case "disconnected":
		return t.StatusFailed
	default:
		return t.StatusIdle
	}
}

// runStyle picks the color for a run status.
func (t Theme) runStyle(status RunStatus) lipgloss.Style {
	switch status {
	case RunCompleted:
		return t.StatusOK
	case RunRunning:
		return t.StatusRunning
	case RunFailed, RunUnreported:
		return t.StatusFailed
	default:
		return t.StatusIdle
	}
}
