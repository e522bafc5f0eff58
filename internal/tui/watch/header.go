package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ductile-host/internal/host"
)

// Pulse lights up on events and fades over ten seconds.
type Pulse struct {
	dots      int
	lastEvent time.Time
}

func (p *Pulse) OnEvent(at time.Time) {
	p.dots = 5
	p.lastEvent = at
}

// Decay fades the pulse based on time since the last event.
func (p *Pulse) Decay(now time.Time) {
	if p.dots == 0 {
		return
	}
	elapsed := now.Sub(p.lastEvent)
	p.dots = max(0, 5-int(elapsed/(2*time.Second)))
}

func (p Pulse) Render(theme Theme) string {
	var b strings.Builder
	for i := range 5 {
		if i < p.dots {
			b.WriteString(theme.PulseOn.Render("●"))
		} else {
			b.WriteString(theme.PulseOff.Render("○"))
		}
	}
	return b.String()
}

func renderHeader(st host.Status, connected bool, pulse Pulse, theme Theme, width int, now time.Time) string {
	innerWidth := width - 4

	state := string(st.State)
	if !connected {
		state = "unreachable"
	}
	stateText := theme.stateStyle(state).Render(strings.ToUpper(state))

	uptime := "-"
	if st.ConnectedAt != nil && st.State == host.StateReady {
		uptime = formatDuration(now.Sub(*st.ConnectedAt))
	}

	lastEvent := "never"
	if !pulse.lastEvent.IsZero() {
		lastEvent = fmt.Sprintf("%s ago", now.Sub(pulse.lastEvent).Round(time.Second))
	}

	clock := theme.Dim.Render(now.Format("15:04:05"))
	title := " DUCTILE HOST"
	if st.WorkflowName != "" {
		title += " " + theme.Highlight.Render(st.WorkflowName)
	}
	pad := max(1, innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  up %s  runs: %d  pending calls: %d",
		stateText, uptime, st.RunsInFlight, st.PendingCalls)

	idLine := theme.Dim.Render(fmt.Sprintf(" instance %s  workflow %s", orDash(st.InstanceID), orDash(st.WorkflowID)))

	activity := fmt.Sprintf(" last event: %s %s", lastEvent, pulse.Render(theme))

	lines := []string{titleLine, statsLine, idLine, activity}
	if st.LastError != "" {
		lines = append(lines, theme.StatusFailed.Render(" last error: "+st.LastError))
	}
	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
