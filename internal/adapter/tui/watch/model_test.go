package watch

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/domain"
)

func sized(t *testing.T, topics ...string) *Model {
	t.Helper()
	m := New(topics)
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 20})
	return m
}

func envelope(p domain.EventPayload) EnvelopeMsg {
	return EnvelopeMsg{TopicID: "t1", Envelope: domain.NewEnvelope(p)}
}

func TestWatchRendersMessages(t *testing.T) {
	m := sized(t, "t1")

	m.Update(envelope(&domain.NewMessage{
		TopicID: "t1", SenderID: "u1", SenderType: domain.SenderUser,
		Content: "hello agents", Mentions: []string{"a1"}, Timestamp: time.Now(),
	}))
	m.Update(envelope(&domain.NewMessage{
		TopicID: "t1", SenderID: "a1", SenderType: domain.SenderAgent,
		Content: "hi", Ext: domain.MessageExt{ChainAppend: true}, Timestamp: time.Now(),
	}))

	entries := m.Entries()
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0], "u1")
	assert.Contains(t, entries[0], "hello agents")
	assert.Contains(t, entries[0], "@a1")
	assert.Contains(t, entries[1], "a1")

	view := m.View()
	assert.Contains(t, view, "parley watch t1")
	assert.Contains(t, view, "2 messages")
	assert.Contains(t, view, "live")
}

func TestWatchTracksWorkingAgents(t *testing.T) {
	m := sized(t, "t1")

	m.Update(envelope(&domain.AgentThinking{
		TopicID: "t1", AgentID: "a1", RunID: "r1",
		Step: domain.ProcessStep{Type: string(domain.PhaseMsgDeal), Thinking: "asking the model", Status: domain.StepRunning},
	}))
	assert.Equal(t, map[string]string{"a1": "MSG_DEAL asking the model"}, m.Working())
	assert.Empty(t, m.Entries(), "thinking pings stay out of the feed")
	assert.Contains(t, m.View(), "a1 MSG_DEAL")

	m.Update(envelope(&domain.NewMessage{TopicID: "t1", SenderID: "a1", SenderType: domain.SenderAgent, Content: "done"}))
	assert.Empty(t, m.Working())
}

func TestWatchNoiseToggle(t *testing.T) {
	m := sized(t, "t1")
	m.Update(envelope(&domain.AgentJoined{TopicID: "t1", AgentID: "a1"}))
	require.Len(t, m.Entries(), 1)

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("n")})
	m.Update(envelope(&domain.AgentJoined{TopicID: "t1", AgentID: "a2"}))
	m.Update(envelope(&domain.ParticipantLeft{TopicID: "t1", ParticipantID: "u1", ParticipantType: domain.SenderUser}))
	assert.Len(t, m.Entries(), 1)

	m.Update(envelope(&domain.TopicUpdated{TopicID: "t1", Title: "renamed", SessionType: domain.SessionGroup}))
	entries := m.Entries()
	require.Len(t, entries, 2)
	assert.Contains(t, entries[1], "renamed")
}

func TestWatchErrorsAndClose(t *testing.T) {
	m := sized(t, "t1", "t2")
	m.Update(ErrMsg{Err: errors.New("bad payload")})
	m.Update(ClosedMsg{})

	entries := m.Entries()
	require.Len(t, entries, 2)
	assert.Contains(t, entries[0], "bad payload")
	assert.Contains(t, m.View(), "disconnected")
}

func TestWatchShowsTopicWhenWatchingMany(t *testing.T) {
	m := sized(t, "t1", "t2")
	m.Update(EnvelopeMsg{TopicID: "t2", Envelope: domain.NewEnvelope(&domain.NewMessage{
		TopicID: "t2", SenderID: "u1", SenderType: domain.SenderUser, Content: "x",
	})})
	assert.True(t, strings.Contains(m.Entries()[0], "[t2]"))
}

func TestWatchQuitKeys(t *testing.T) {
	m := sized(t, "t1")
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
		{Type: tea.KeyEsc},
	} {
		_, cmd := m.Update(key)
		require.NotNil(t, cmd, key.String())
		assert.IsType(t, tea.QuitMsg{}, cmd())
	}
}

func TestWatchEntriesAreBounded(t *testing.T) {
	m := sized(t, "t1")
	for i := 0; i < maxEntries+25; i++ {
		m.Update(envelope(&domain.NewMessage{TopicID: "t1", SenderID: "u1", SenderType: domain.SenderUser, Content: "spam"}))
	}
	assert.Len(t, m.Entries(), maxEntries)
}

func TestViewBeforeResize(t *testing.T) {
	assert.Equal(t, "starting...", New([]string{"t1"}).View())
}
