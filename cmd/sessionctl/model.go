package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jrsteele09/go-session-manager/monitor"
	"github.com/jrsteele09/go-session-manager/session"
	"github.com/jrsteele09/go-session-manager/users"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#2563EB"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
	noticeStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#059669"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
)

// sessionView is what the countdown screen reads from the coordinator.
type sessionView interface {
	CurrentUser(ctx context.Context) *users.User
	State() session.State
	RecordActivity(kind session.ActivityKind)
}

// countdown is what the countdown screen needs from the monitor.
type countdown interface {
	Last() monitor.Status
	Renew(ctx context.Context) error
	Logout(ctx context.Context)
}

type (
	tickMsg    time.Time
	statusMsg  monitor.Status
	eventMsg   session.Event
	renewedMsg struct{ err error }
	loggedOut  struct{}
)

type model struct {
	ctx     context.Context
	session sessionView
	monitor countdown

	status monitor.Status
	user   *users.User
	state  session.State
	notice string
	width  int
}

func newModel(ctx context.Context, s sessionView, c countdown) model {
	return model{
		ctx:     ctx,
		session: s,
		monitor: c,
		status:  c.Last(),
		user:    s.CurrentUser(ctx),
		state:   s.State(),
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Init() tea.Cmd {
	return tick()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		m.refresh()
		return m, tick()

	case statusMsg:
		m.status = monitor.Status(msg)

	case eventMsg:
		m.refresh()
		m.notice = describe(session.Event(msg))

	case renewedMsg:
		m.refresh()
		if msg.err != nil {
			m.notice = fmt.Sprintf("Could not renew the session: %s", msg.err)
		} else {
			m.notice = "Session renewed."
		}

	case loggedOut:
		m.refresh()
		m.notice = "Signed out."

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			ctx, c := m.ctx, m.monitor
			return m, func() tea.Msg {
				return renewedMsg{err: c.Renew(ctx)}
			}
		case "l":
			ctx, c := m.ctx, m.monitor
			return m, func() tea.Msg {
				c.Logout(ctx)
				return loggedOut{}
			}
		default:
			m.session.RecordActivity(session.ActivityKey)
		}
	}
	return m, nil
}

func (m *model) refresh() {
	m.status = m.monitor.Last()
	m.user = m.session.CurrentUser(m.ctx)
	m.state = m.session.State()
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("MedSession"))
	b.WriteString("\n\n")

	if m.user != nil {
		fmt.Fprintf(&b, "%s %s <%s> (%s)\n", labelStyle.Render("User:"), m.user.FullName(), m.user.Email, m.user.Role)
	} else {
		fmt.Fprintf(&b, "%s signed out\n", labelStyle.Render("User:"))
	}
	fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("State:"), m.state)
	if m.status.Level != monitor.LevelInactive {
		fmt.Fprintf(&b, "%s %s (%s)\n", labelStyle.Render("Expires in:"), monitor.FormatRemaining(m.status.Remaining), m.status.Level)
	}

	if banner := monitor.RenderBanner(m.status, m.width); banner != "" {
		b.WriteString("\n" + banner + "\n")
	}
	if m.notice != "" {
		b.WriteString("\n" + noticeStyle.Render(m.notice) + "\n")
	}
	b.WriteString("\n" + helpStyle.Render("r renew • l logout • q quit • any other key counts as activity") + "\n")
	return b.String()
}

func describe(e session.Event) string {
	if e.Message != "" {
		return e.Message
	}
	switch e.Kind {
	case session.EventLogin, session.EventRemoteLogin:
		if e.User != nil {
			return fmt.Sprintf("Signed in as %s.", e.User.Email)
		}
		return "Signed in."
	case session.EventRefreshed:
		return "Access token refreshed."
	case session.EventLogout:
		return "Signed out."
	}
	return ""
}
