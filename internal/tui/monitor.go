// Package tui holds the operator views for a running mobrule-embed server.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/mobrule-embed/internal/events"
	"github.com/mattjoyce/mobrule-embed/internal/watcher"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

const (
	maxEventLog     = 50
	healthEvery     = 5 * time.Second
	reconnectDelay  = 2 * time.Second
	sessionStarted  = "started"
	sessionDone     = "completed"
	sessionFetchErr = "fetch_failed"
)

// --- Types ---

// Session is one interview as seen through webhook deliveries.
type Session struct {
	Key       string
	Status    string
	StartedAt time.Time
	UpdatedAt time.Time
}

// Model is the webhook delivery monitor.
type Model struct {
	client *watcher.Client
	ctx    context.Context
	cancel context.CancelFunc

	width  int
	height int

	sessions  map[string]*Session
	eventLog  []events.Event
	hubEvents chan events.Event
	lastID    int64
	streamErr error

	health    watcher.Health
	healthErr error

	sessionTable table.Model
}

type eventMsg events.Event
type streamClosedMsg struct{ err error }
type reconnectMsg struct{}
type healthMsg struct {
	health watcher.Health
	err    error
}

// --- Init ---

// NewMonitor creates a monitor for the server at serverURL.
func NewMonitor(serverURL string) *Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Session", Width: 38},
			{Title: "Status", Width: 14},
			{Title: "Age", Width: 10},
		}),
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

	ctx, cancel := context.WithCancel(context.Background())
	return &Model{
		client:       watcher.NewClient(serverURL, 5*time.Second),
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[string]*Session),
		hubEvents:    make(chan events.Event, 100),
		sessionTable: t,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.subscribeToEvents(),
		m.receiveNextEvent(),
		m.fetchHealth(),
	)
}

// --- Update ---

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.sessionTable.SetWidth(m.width - 6)

	case eventMsg:
		m.handleEvent(events.Event(msg))
		m.updateTable()
		return m, m.receiveNextEvent()

	case streamClosedMsg:
		m.streamErr = msg.err
		return m, tea.Tick(reconnectDelay, func(time.Time) tea.Msg { return reconnectMsg{} })

	case reconnectMsg:
		if m.ctx.Err() != nil {
			return m, nil
		}
		return m, m.subscribeToEvents()

	case healthMsg:
		m.health, m.healthErr = msg.health, msg.err
		return m, tea.Tick(healthEvery, func(time.Time) tea.Msg {
			return m.fetchHealth()()
		})
	}

	m.sessionTable, cmd = m.sessionTable.Update(msg)
	return m, cmd
}

func (m *Model) handleEvent(e events.Event) {
	m.streamErr = nil
	if e.ID > m.lastID {
		m.lastID = e.ID
	}

	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	var data struct {
		ResponseUUID         string `json:"response_uuid"`
		InterviewSessionUUID string `json:"interview_session_uuid"`
	}
	_ = json.Unmarshal(e.Data, &data)
	key := data.ResponseUUID
	if key == "" {
		key = data.InterviewSessionUUID
	}
	if key == "" {
		return
	}

	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	node, ok := m.sessions[key]
	if !ok {
		node = &Session{Key: key, StartedAt: at}
		m.sessions[key] = node
	}
	node.UpdatedAt = at

	switch e.Type {
	case events.TypeSessionStarted:
		node.Status = sessionStarted
		node.StartedAt = at
	case events.TypeSessionCompleted:
		node.Status = sessionDone
	case events.TypeFetchFailed:
		node.Status = sessionFetchErr
	}
}

// updateTable lists sessions newest first.
func (m *Model) updateTable() {
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})

	rows := make([]table.Row, 0, len(list))
	for _, s := range list {
		rows = append(rows, sessionRow(s, time.Now()))
	}
	m.sessionTable.SetRows(rows)
}

func sessionRow(s *Session, now time.Time) table.Row {
	statusSym := "○"
	switch s.Status {
	case sessionStarted:
		statusSym = statusRunning.Render("◉")
	case sessionDone:
		statusSym = statusOK.Render("●")
	case sessionFetchErr:
		statusSym = statusFailed.Render("∅")
	}

	status := s.Status
	if status == "" {
		status = "unknown"
	}
	return table.Row{
		statusSym,
		s.Key,
		status,
		now.Sub(s.StartedAt).Round(time.Second).String(),
	}
}

// --- View ---

func (m *Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	header := m.renderHeader()
	sessions := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Interview Sessions"),
			m.sessionTable.View(),
		),
	)

	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Webhook Events"),
			m.renderEvents(),
		),
	)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll Sessions")

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			header,
			sessions,
			eventsView,
			help,
		),
	)
}

func (m *Model) renderHeader() string {
	status := statusOK.Render("RUNNING")
	switch {
	case m.healthErr != nil:
		status = statusFailed.Render("UNREACHABLE")
	case m.health.Status != "ok" && m.health.Status != "":
		status = statusFailed.Render("DEGRADED")
	}

	stream := "live"
	if m.streamErr != nil {
		stream = statusFailed.Render("reconnecting")
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	items := []string{
		fmt.Sprintf("Status: %s", status),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("Store: %s", m.health.Store),
		fmt.Sprintf("Stream: %s", stream),
	}

	cols := make([]string, len(items))
	for i, item := range items {
		cols[i] = lipgloss.NewStyle().Width((m.width - 4) / len(items)).Render(item)
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
}

func (m *Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-30s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// --- Commands ---

// subscribeToEvents streams until the connection drops, resuming after the
// last event seen so nothing is missed across reconnects.
func (m *Model) subscribeToEvents() tea.Cmd {
	lastID := m.lastID
	return func() tea.Msg {
		err := m.client.StreamEvents(m.ctx, lastID, m.hubEvents)
		if m.ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("event stream closed")
		}
		return streamClosedMsg{err: err}
	}
}

func (m *Model) receiveNextEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case e := <-m.hubEvents:
			return eventMsg(e)
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m *Model) fetchHealth() tea.Cmd {
	return func() tea.Msg {
		h, err := m.client.FetchHealth(m.ctx)
		return healthMsg{health: h, err: err}
	}
}

// Run starts the monitor against serverURL and blocks until the user quits.
func Run(serverURL string) error {
	m := NewMonitor(serverURL)
	defer m.cancel()
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
