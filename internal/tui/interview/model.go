package interview

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/mobrule-embed/internal/watcher"
)

type phase int

const (
	phaseRequesting phase = iota
	phaseWaiting
	phaseDone
	phaseFailed
)

// --- Message types ---

type urlMsg string

type completedMsg watcher.Signal

type resultMsg json.RawMessage

type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

// Options configures the client.
type Options struct {
	ServerURL    string
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Model is the BubbleTea model for the interview client.
type Model struct {
	client   *watcher.Client
	interval time.Duration
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	phase           phase
	verificationURL string
	source          string
	lastError       string
	windowClosed    *atomic.Bool
	watch           *watcher.Watcher

	width    int
	height   int
	spinner  spinner.Model
	viewport viewport.Model
	theme    Theme
}

// New creates the client model.
func New(opts Options) *Model {
	ctx, cancel := context.WithCancel(context.Background())
	s := spinner.New()
	s.Spinner = spinner.Dot

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Model{
		client:       watcher.NewClient(opts.ServerURL, 10*time.Second),
		interval:     opts.PollInterval,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		windowClosed: &atomic.Bool{},
		spinner:      s,
		viewport:     viewport.New(80, 20),
		theme:        NewDefaultTheme(),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.requestURL())
}

// --- Commands ---

func (m *Model) requestURL() tea.Cmd {
	return func() tea.Msg {
		u, err := m.client.PreAuthenticate(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return urlMsg(u)
	}
}

// startWatching races the status poller, the event stream, and the user
// saying they closed the interview window.
func (m *Model) startWatching() tea.Cmd {
	m.watch = watcher.New(nil, m.logger,
		watcher.PollSource{Fetcher: m.client, Interval: m.interval, Logger: m.logger},
		watcher.EventSource{Client: m.client, Fetcher: m.client},
		watcher.WindowClosedSource{Closed: m.windowClosed.Load, Interval: 200 * time.Millisecond},
	)
	m.watch.Start(m.ctx)

	w := m.watch
	return func() tea.Msg {
		sig, err := w.Wait(m.ctx)
		if err != nil {
			return errMsg{err}
		}
		return completedMsg(sig)
	}
}

// fetchResult reads the stored payload for signals that did not carry it.
// A closed window only means the user left; the webhook may still be on its way.
func (m *Model) fetchResult() tea.Cmd {
	return func() tea.Msg {
		poller := make(chan watcher.Status, 1)
		p := watcher.NewPoller(m.client, m.interval, func(s watcher.Status) { poller <- s }, m.logger)
		p.Start(m.ctx)
		defer p.Stop()

		select {
		case s := <-poller:
			return resultMsg(s.ResponseData)
		case <-m.ctx.Done():
			return errMsg{m.ctx.Err()}
		}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.shutdown()
			return m, tea.Quit
		case "c":
			if m.phase == phaseWaiting {
				m.windowClosed.Store(true)
			}
			return m, nil
		}
		if m.phase == phaseDone {
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = max(msg.Width-4, 20)
		m.viewport.Height = max(msg.Height-8, 5)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case urlMsg:
		m.verificationURL = string(msg)
		m.phase = phaseWaiting
		return m, m.startWatching()

	case completedMsg:
		m.source = msg.Source
		if len(msg.ResponseData) == 0 {
			return m, m.fetchResult()
		}
		m.showResult(msg.ResponseData)

	case resultMsg:
		m.showResult(json.RawMessage(msg))

	case errMsg:
		if m.ctx.Err() != nil {
			return m, nil
		}
		m.phase = phaseFailed
		m.lastError = msg.Error()
	}

	return m, nil
}

func (m *Model) showResult(data json.RawMessage) {
	m.phase = phaseDone
	m.viewport.SetContent(prettyJSON(data))
	if m.watch != nil {
		go m.watch.Stop()
	}
}

func (m *Model) shutdown() {
	m.cancel()
	if m.watch != nil {
		m.watch.Stop()
	}
}

func prettyJSON(data json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return string(data)
	}
	return buf.String()
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(m.theme.Title.Render("Mob Rule interview"))
	b.WriteString("\n\n")

	switch m.phase {
	case phaseRequesting:
		fmt.Fprintf(&b, "%s Requesting a verification link...\n", m.spinner.View())

	case phaseWaiting:
		b.WriteString("Open this link to take the interview:\n\n")
		b.WriteString(m.theme.Border.Render(m.theme.URL.Render(m.verificationURL)))
		b.WriteString("\n\n")
		if m.windowClosed.Load() {
			fmt.Fprintf(&b, "%s Waiting for the results to arrive...\n", m.spinner.View())
		} else {
			fmt.Fprintf(&b, "%s Waiting for the interview to finish...\n", m.spinner.View())
		}
		b.WriteString(m.theme.Dim.Render("c: I closed the interview  q: quit"))

	case phaseDone:
		fmt.Fprintf(&b, "%s %s\n\n",
			m.theme.OK.Render("✓ Interview completed"),
			m.theme.Dim.Render("(via "+m.source+")"))
		b.WriteString(m.theme.Border.Render(m.viewport.View()))
		b.WriteString("\n")
		b.WriteString(m.theme.Dim.Render("↑/↓: scroll  q: quit"))

	case phaseFailed:
		b.WriteString(m.theme.Failed.Render("✗ " + m.lastError))
		b.WriteString("\n\n")
		b.WriteString(m.theme.Dim.Render("q: quit"))
	}

	return b.String() + "\n"
}

// Run starts the client and blocks until the user quits.
func Run(opts Options) error {
	m := New(opts)
	defer m.shutdown()
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
