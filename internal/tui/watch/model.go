package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/ductile-host/internal/events"
	"github.com/mattjoyce/ductile-host/internal/host"
)

const (
	statusInterval    = 5 * time.Second
	reconnectInterval = 3 * time.Second
)

// Model is the BubbleTea model for the watch monitor.
type Model struct {
	client *Client

	width  int
	height int

	status    host.Status
	connected bool
	runs      map[string]*RunState
	eventLog  []events.Event
	lastID    int64
	pulse     Pulse
	now       func() time.Time

	runTable table.Model
	theme    Theme

	hubEvents chan events.Event
	lastError string
}

// New creates a monitor for the API at baseURL.
func New(baseURL, token string) *Model {
	theme := NewDefaultTheme()

	t := table.New(
		table.WithColumns(runColumns()),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return &Model{
		client:    &Client{BaseURL: baseURL, Token: token},
		runs:      make(map[string]*RunState),
		hubEvents: make(chan events.Event, 100),
		runTable:  t,
		theme:     theme,
		now:       time.Now,
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.client, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		fetchStatus(m.client),
		tick(),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.runTable, cmd = m.runTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.runTable.SetHeight(max(5, msg.Height/3))

	case tickMsg:
		m.pulse.Decay(time.Time(msg))
		m.runTable.SetRows(runRows(m.runs, m.theme))
		return m, tick()

	case eventMsg:
		e := events.Event(msg)
		if e.ID > 0 && e.ID <= m.lastID {
			return m, receiveNextEvent(m.hubEvents)
		}
		if e.ID > m.lastID {
			m.lastID = e.ID
		}

		m.eventLog = append([]events.Event{e}, m.eventLog...)
		if len(m.eventLog) > eventLogSize {
			m.eventLog = m.eventLog[:eventLogSize]
		}
		m.pulse.OnEvent(m.now())

		if applyEvent(m.runs, e) {
			m.runTable.SetRows(runRows(m.runs, m.theme))
		}
		m.connected = true
		m.lastError = ""

		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		if e.Kind == events.KindHostState {
			cmds = append(cmds, fetchStatus(m.client))
		}
		return m, tea.Batch(cmds...)

	case statusMsg:
		m.status = host.Status(msg)
		m.connected = true
		m.lastError = ""
		return m, tea.Tick(statusInterval, func(time.Time) tea.Msg {
			return fetchStatus(m.client)()
		})

	case sseDisconnectedMsg:
		m.connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		if msg.err != nil {
			m.lastError = fmt.Sprintf("event stream: %v, reconnecting...", msg.err)
		}
		return m, tea.Tick(reconnectInterval, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading the same channel.
		return m, subscribeToEvents(m.client, m.lastID, m.hubEvents)

	case errMsg:
		m.connected = false
		m.lastError = msg.Error()
		return m, tea.Tick(statusInterval, func(time.Time) tea.Msg {
			return fetchStatus(m.client)()
		})
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to host..."
	}

	header := renderHeader(m.status, m.connected, m.pulse, m.theme, m.width, m.now())
	runs := m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("RUNS"),
		m.runTable.View(),
	))
	stream := renderEventStream(m.eventLog, m.theme, m.width, 10)

	parts := []string{header, runs, stream}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(" ⚠ "+m.lastError))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Navigate Runs"))

	return lipgloss.NewStyle().Margin(1, 2).Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

// Run starts the monitor and blocks until the user quits.
func Run(baseURL, token string) error {
	_, err := tea.NewProgram(New(baseURL, token)).Run()
	return err
}
