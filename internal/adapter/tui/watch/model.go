// Package watch is a read-only terminal view of live topic traffic.
package watch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"parley/internal/adapter/tui/theme"
	"parley/internal/domain"
)

const maxEntries = 500

// EnvelopeMsg delivers one decoded envelope received on a topic channel.
type EnvelopeMsg struct {
	TopicID  string
	Envelope domain.Envelope
}

// ErrMsg reports a problem on the feed, such as an undecodable payload.
type ErrMsg struct{ Err error }

// ClosedMsg tells the model the feed ended.
type ClosedMsg struct{}

var _ tea.Model = (*Model)(nil)

// Model renders the envelope feed of one or more topics. Thinking pings are
// folded into a per-agent "working" line instead of the feed.
type Model struct {
	topics []string

	viewport viewport.Model
	ready    bool
	atBottom bool
	width    int
	height   int

	entries   []string
	messages  int
	working   map[string]string // agent id -> current step label
	hideNoise bool
	closed    bool
}

// New creates a watcher for topics.
func New(topics []string) *Model {
	return &Model{
		topics:   append([]string(nil), topics...),
		atBottom: true,
		working:  make(map[string]string),
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd { return nil }

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "n":
			m.hideNoise = !m.hideNoise
			return m, nil
		}

	case EnvelopeMsg:
		m.add(msg.TopicID, msg.Envelope)
		return m, nil

	case ErrMsg:
		m.append(theme.TextError.Render(theme.SymbolError + " " + msg.Err.Error()))
		return m, nil

	case ClosedMsg:
		m.closed = true
		m.append(theme.TextMuted.Render("feed closed"))
		return m, nil
	}

	if !m.ready {
		return m, nil
	}
	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	m.atBottom = m.viewport.AtBottom()
	return m, cmd
}

func (m *Model) resize(w, h int) {
	m.width, m.height = w, h
	vh := h - 3 // header and status bar
	if vh < 1 {
		vh = 1
	}
	if !m.ready {
		m.viewport = viewport.New(w, vh)
		m.viewport.MouseWheelEnabled = true
		m.viewport.MouseWheelDelta = 3
		m.ready = true
	} else {
		m.viewport.Width = w
		m.viewport.Height = vh
	}
	m.refresh()
}

func (m *Model) add(topicID string, env domain.Envelope) {
	switch p := env.Payload.(type) {
	case *domain.NewMessage:
		m.messages++
		delete(m.working, p.SenderID)
		m.append(formatMessage(topicID, p, len(m.topics) > 1))
	case *domain.AgentThinking:
		if p.Step.Status == domain.StepRunning {
			label := p.Step.Type
			if p.Step.Thinking != "" {
				label += " " + p.Step.Thinking
			}
			m.working[p.AgentID] = label
		} else {
			delete(m.working, p.AgentID)
		}
	case *domain.AgentJoined:
		if !m.hideNoise {
			m.append(formatEvent(p.Timestamp, theme.TextMuted, fmt.Sprintf("%s joined %s", p.AgentID, p.TopicID)))
		}
	case *domain.ParticipantLeft:
		delete(m.working, p.ParticipantID)
		if !m.hideNoise {
			m.append(formatEvent(p.Timestamp, theme.TextMuted, fmt.Sprintf("%s %s left %s", p.ParticipantType, p.ParticipantID, p.TopicID)))
		}
	case *domain.TopicUpdated:
		m.append(formatEvent(p.Timestamp, theme.TextInfo, fmt.Sprintf("%s updated: %s %s", p.TopicID, p.SessionType, p.Title)))
	}
}

func (m *Model) append(line string) {
	m.entries = append(m.entries, line)
	if len(m.entries) > maxEntries {
		m.entries = m.entries[len(m.entries)-maxEntries:]
	}
	m.refresh()
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	if len(m.entries) == 0 {
		m.viewport.SetContent(theme.TextMuted.Render("  Waiting for messages..."))
		return
	}
	m.viewport.SetContent(strings.Join(m.entries, "\n"))
	if m.atBottom {
		m.viewport.GotoBottom()
	}
}

// View implements tea.Model.
func (m *Model) View() string {
	if !m.ready {
		return "starting..."
	}
	header := theme.Header.Width(m.width).Render("parley watch " + strings.Join(m.topics, ", "))
	return lipgloss.JoinVertical(lipgloss.Left, header, m.viewport.View(), m.statusLine())
}

func (m *Model) statusLine() string {
	parts := []string{theme.StatusKey.Render(fmt.Sprintf("%d", m.messages)) + " messages"}
	if len(m.working) > 0 {
		agents := make([]string, 0, len(m.working))
		for id := range m.working {
			agents = append(agents, id)
		}
		sort.Strings(agents)
		busy := make([]string, 0, len(agents))
		for _, id := range agents {
			busy = append(busy, fmt.Sprintf("%s %s %s", theme.SymbolSpinner, id, m.working[id]))
		}
		parts = append(parts, theme.TextWarning.Render(strings.Join(busy, "  ")))
	}
	if m.closed {
		parts = append(parts, theme.TextError.Render("disconnected"))
	} else {
		parts = append(parts, theme.TextSuccess.Render("live"))
	}
	parts = append(parts, theme.Dim.Render("n: toggle joins  q: quit"))
	return theme.StatusBar.Width(m.width).Render(strings.Join(parts, "  |  "))
}

// Working returns the agents currently mid-run and their step labels.
func (m *Model) Working() map[string]string {
	out := make(map[string]string, len(m.working))
	for k, v := range m.working {
		out[k] = v
	}
	return out
}

// Entries returns the rendered feed lines.
func (m *Model) Entries() []string {
	return append([]string(nil), m.entries...)
}

func formatMessage(topicID string, p *domain.NewMessage, showTopic bool) string {
	var label lipgloss.Style
	switch p.SenderType {
	case domain.SenderAgent:
		label = theme.AgentLabel
	case domain.SenderUser:
		label = theme.UserLabel
	default:
		label = theme.SystemLabel
	}

	var sb strings.Builder
	sb.WriteString(theme.Timestamp.Render(p.Timestamp.Local().Format("15:04:05")))
	sb.WriteString(" ")
	if showTopic {
		sb.WriteString(theme.Dim.Render("[" + topicID + "] "))
	}
	if p.Ext.ChainAppend {
		sb.WriteString(theme.TextAccent.Render(theme.SymbolChain + " "))
	}
	sb.WriteString(label.Render(p.SenderID))
	if len(p.Mentions) > 0 {
		sb.WriteString(theme.Dim.Render(" " + theme.SymbolArrowR + " @" + strings.Join(p.Mentions, " @")))
	}
	sb.WriteString(": ")
	sb.WriteString(p.Content)
	if n := len(p.Ext.Media); n > 0 {
		sb.WriteString(theme.Dim.Render(fmt.Sprintf(" (+%d media)", n)))
	}
	return sb.String()
}

func formatEvent(ts time.Time, style lipgloss.Style, text string) string {
	return theme.Timestamp.Render(ts.Local().Format("15:04:05")) + " " + style.Render(theme.SymbolInfo+" "+text)
}
