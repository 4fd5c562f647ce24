package ui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/theapemachine/rpcswitch-go/pkg/broker"
	"github.com/theapemachine/rpcswitch-go/pkg/client"
)

// Config tells the dashboard where the switch lives and how to authenticate.
type Config struct {
	Addr       string
	AuthMethod string
	Who        string
	Token      string
	Interval   time.Duration
}

func (cfg Config) interval() time.Duration {
	if cfg.Interval <= 0 {
		return time.Second
	}
	return cfg.Interval
}

// snapshot is one poll of the switch's introspection methods.
type snapshot struct {
	stats   broker.Stats
	workers map[string][]broker.WorkerInfo
	taken   time.Time
}

type (
	connectedMsg struct{ conn *client.Client }
	snapshotMsg  snapshot
	errMsg       struct{ err error }
	tickMsg      time.Time
)

/*
model is the dashboard: a header of switch gauges over a scrollable worker
table, refreshed from rpcswitch.get_stats and rpcswitch.get_workers on a
timer.
*/
type model struct {
	cfg  Config
	keys keymap

	conn     *client.Client
	viewport viewport.Model
	ready    bool

	snap *snapshot
	err  error

	width  int
	height int
}

// New builds the dashboard model; run it with tea.NewProgram.
func New(cfg Config) tea.Model {
	return model{
		cfg:  cfg,
		keys: newKeymap(),
	}
}

func (m model) Init() tea.Cmd {
	return connect(m.cfg)
}

// connect dials the switch and authenticates off the UI goroutine.
func connect(cfg Config) tea.Cmd {
	return func() tea.Msg {
		conn, err := client.Dial(cfg.Addr)

		if err != nil {
			return errMsg{err}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := conn.Hello(ctx, cfg.AuthMethod, cfg.Who, cfg.Token); err != nil {
			conn.Close()
			return errMsg{err}
		}

		return connectedMsg{conn}
	}
}

// poll reads one snapshot's worth of introspection data.
func poll(conn *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var snap snapshot

		if err := conn.CallInto(ctx, "rpcswitch.get_stats", map[string]any{}, &snap.stats); err != nil {
			return errMsg{err}
		}

		if err := conn.CallInto(ctx, "rpcswitch.get_workers", map[string]any{}, &snap.workers); err != nil {
			return errMsg{err}
		}

		snap.taken = time.Now()
		return snapshotMsg(snap)
	}
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 4
		footerHeight := 2

		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-headerHeight-footerHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - headerHeight - footerHeight
		}

		if m.snap != nil {
			m.viewport.SetContent(m.renderWorkers())
		}

		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.quit):
			if m.conn != nil {
				m.conn.Close()
			}
			return m, tea.Quit

		case key.Matches(msg, m.keys.refresh):
			if m.conn != nil {
				return m, poll(m.conn)
			}
			return m, nil
		}

	case connectedMsg:
		m.conn = msg.conn
		m.err = nil
		return m, poll(m.conn)

	case snapshotMsg:
		snap := snapshot(msg)
		m.snap = &snap
		m.err = nil

		if m.ready {
			m.viewport.SetContent(m.renderWorkers())
		}

		return m, tick(m.cfg.interval())

	case errMsg:
		m.err = msg.err
		return m, tick(m.cfg.interval())

	case tickMsg:
		if m.conn == nil {
			return m, connect(m.cfg)
		}
		return m, poll(m.conn)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if !m.ready {
		return "starting..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("rpcswitch top"))
	b.WriteString("  ")
	b.WriteString(statusBarStyle.Render(m.cfg.Addr))
	b.WriteString("\n\n")
	b.WriteString(m.renderGauges())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.renderStatus())

	return b.String()
}

func (m model) renderGauges() string {
	if m.snap == nil {
		return gaugeLabelStyle.Render("waiting for the first snapshot...")
	}

	gauge := func(label string, value int64) string {
		return gaugeLabelStyle.Render(label+" ") + gaugeValueStyle.Render(fmt.Sprintf("%d", value))
	}

	return strings.Join([]string{
		gauge("clients", m.snap.stats.Clients),
		gauge("workers", m.snap.stats.Workers),
		gauge("connections", m.snap.stats.Connections),
		gauge("chunks", m.snap.stats.Chunks),
	}, statusBarStyle.Render("|"))
}

func (m model) renderWorkers() string {
	if m.snap == nil || len(m.snap.workers) == 0 {
		return gaugeLabelStyle.Render("no workers announced")
	}

	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf(
		"%-28s %-6s %-16s %-22s %-10s %s",
		"BACKEND", "ID", "WORKER", "FROM", "FILTER", "REFS")))
	b.WriteString("\n")

	backends := make([]string, 0, len(m.snap.workers))

	for backend := range m.snap.workers {
		backends = append(backends, backend)
	}

	sort.Strings(backends)

	for _, backend := range backends {
		for _, info := range m.snap.workers[backend] {
			b.WriteString(fmt.Sprintf(
				"%-28s %-6d %-16s %-22s %-10s %d\n",
				backend, info.WorkerID, info.Workername, info.From, info.FilterValue, info.Refcount))
		}
	}

	if len(m.snap.stats.Methods) > 0 {
		b.WriteString("\n")
		b.WriteString(headerStyle.Render(fmt.Sprintf("%-28s %s", "METHOD", "CALLS")))
		b.WriteString("\n")

		methods := make([]string, 0, len(m.snap.stats.Methods))

		for method := range m.snap.stats.Methods {
			methods = append(methods, method)
		}

		sort.Strings(methods)

		for _, method := range methods {
			b.WriteString(fmt.Sprintf("%-28s %d\n", method, m.snap.stats.Methods[method]))
		}
	}

	return b.String()
}

func (m model) renderStatus() string {
	if m.err != nil {
		return errorStyle.Render("error: ") + statusBarStyle.Render(m.err.Error())
	}

	parts := []string{"r refresh", "q quit"}

	if m.snap != nil {
		parts = append(parts, "updated "+m.snap.taken.Format("15:04:05"))
	}

	return statusBarStyle.Render(strings.Join(parts, lipgloss.NewStyle().Foreground(gray).Render("  ·  ")))
}
