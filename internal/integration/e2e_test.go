//go:build integration
// +build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/adapter/llm"
	"parley/internal/adapter/pubsub"
	"parley/internal/adapter/tool"
	"parley/internal/domain"
	"parley/internal/infra/config"
	"parley/internal/usecase/topic"
)

// buyTool records the quantities it was asked to order.
type buyTool struct {
	mu     sync.Mutex
	orders []int
}

func (b *buyTool) Name() string        { return "buy" }
func (b *buyTool) Description() string { return "Order units of the current item" }
func (b *buyTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        b.Name(),
		Description: b.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {"quantity": {"type": "integer", "description": "Number of units"}},
			"required": ["quantity"]
		}`),
	}
}

func (b *buyTool) Execute(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	var p struct {
		Quantity int `json:"quantity"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return &domain.ToolResult{Content: err.Error(), IsError: true}, nil
	}
	b.mu.Lock()
	b.orders = append(b.orders, p.Quantity)
	b.mu.Unlock()
	return &domain.ToolResult{Content: fmt.Sprintf("ordered %d", p.Quantity)}, nil
}

func (b *buyTool) Orders() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.orders...)
}

func TestE2E_PrivateChatReply(t *testing.T) {
	SkipIfShort(t)

	s := NewStack(t, StackOptions{}, llm.NewScriptedProvider("canned",
		`{"action":"complete","content":"hello back"}`))
	s.AddAgent(t, domain.AgentConfig{ID: "a1", Name: "Helper"})
	s.AddTopic(t, "dm1", domain.SessionPrivateChat,
		Participant("u1", domain.SenderUser), Participant("a1", domain.SenderAgent))

	s.Say(t, "dm1", "u1", "hi there")

	reply := s.WaitForMessage(t, "dm1", "a1", 5*time.Second, nil)
	assert.Equal(t, "hello back", reply.Content)
	assert.Equal(t, domain.SenderAgent, reply.SenderType)
	assert.Equal(t, domain.RoleAssistant, reply.Role)
}

func TestE2E_GroupOnlyMentionedAgentReplies(t *testing.T) {
	SkipIfShort(t)

	s := NewStack(t, StackOptions{}, llm.NewScriptedProvider("echo"))
	s.AddAgent(t, domain.AgentConfig{ID: "a1"})
	s.AddAgent(t, domain.AgentConfig{ID: "a2"})
	s.AddTopic(t, "g1", domain.SessionGroup,
		Participant("u1", domain.SenderUser),
		Participant("a1", domain.SenderAgent),
		Participant("a2", domain.SenderAgent))

	s.Say(t, "g1", "u1", "ping a2 only", "a2")

	reply := s.WaitForMessage(t, "g1", "a2", 5*time.Second, nil)
	assert.True(t, strings.HasPrefix(reply.Content, "echo:"), reply.Content)

	// a1 saw the same envelope; give it time to (not) answer.
	time.Sleep(200 * time.Millisecond)
	msgs, err := s.Store.RecentMessages(context.Background(), "g1", 50)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.NotEqual(t, "a1", m.SenderID, "a1 was not mentioned: %q", m.Content)
	}
}

func TestE2E_ToolLoopExtractsArguments(t *testing.T) {
	SkipIfShort(t)

	buy := &buyTool{}
	provider := llm.NewScriptedProvider("shop",
		`{"action":"continue","tool_call":{"name":"buy","input":"please buy 15 units"}}`,
		`{"action":"complete","content":"your order is in"}`,
	)
	s := NewStack(t, StackOptions{Tools: []tool.Tool{buy}}, provider)
	s.AddAgent(t, domain.AgentConfig{ID: "shopper", Tools: []string{"buy"}})
	s.AddTopic(t, "dm1", domain.SessionPrivateChat,
		Participant("u1", domain.SenderUser), Participant("shopper", domain.SenderAgent))

	s.Say(t, "dm1", "u1", "please buy 15 units")

	reply := s.WaitForMessage(t, "dm1", "shopper", 5*time.Second, nil)
	assert.Equal(t, "your order is in", reply.Content)
	assert.Equal(t, []int{15}, buy.Orders())

	// The second decision saw the tool outcome.
	calls := provider.Calls()
	require.Len(t, calls, 2)
	last := calls[1].Messages[len(calls[1].Messages)-1]
	assert.Contains(t, last.Content, "ordered 15")
}

func TestE2E_DisallowedToolEndsRun(t *testing.T) {
	SkipIfShort(t)

	buy := &buyTool{}
	s := NewStack(t, StackOptions{Tools: []tool.Tool{buy}}, llm.NewScriptedProvider("shop",
		`{"action":"continue","tool_call":{"name":"buy","arguments":{"quantity":3}}}`))
	s.AddAgent(t, domain.AgentConfig{ID: "shopper"})
	s.AddTopic(t, "dm1", domain.SessionPrivateChat,
		Participant("u1", domain.SenderUser), Participant("shopper", domain.SenderAgent))

	s.Say(t, "dm1", "u1", "buy three")

	reply := s.WaitForMessage(t, "dm1", "shopper", 5*time.Second, nil)
	assert.Contains(t, reply.Content, "tool buy failed")
	assert.Empty(t, buy.Orders())
}

func TestE2E_RelayBetweenAgents(t *testing.T) {
	SkipIfShort(t)

	s := NewStack(t, StackOptions{},
		llm.NewScriptedProvider("front",
			`{"action":"continue","tool_call":{"name":"topic_message","arguments":{"action":"relay","topic_id":"g1","content":"can you quote this?","target_agent":"pricer"}}}`,
			`{"action":"complete","content":"handed over to pricer"}`,
		),
		llm.NewScriptedProvider("back"),
	)
	s.AddAgent(t, domain.AgentConfig{ID: "desk", Provider: "front", Tools: []string{"topic_message"}})
	s.AddAgent(t, domain.AgentConfig{ID: "pricer", Provider: "back"})
	s.AddTopic(t, "g1", domain.SessionGroup,
		Participant("u1", domain.SenderUser),
		Participant("desk", domain.SenderAgent),
		Participant("pricer", domain.SenderAgent))

	s.Say(t, "g1", "u1", "I need a quote", "desk")

	relay := s.WaitForMessage(t, "g1", "desk", 5*time.Second, func(m domain.Message) bool {
		return m.Ext.ChainAppend
	})
	assert.Equal(t, []string{"pricer"}, relay.Mentions)

	answer := s.WaitForMessage(t, "g1", "pricer", 5*time.Second, nil)
	assert.True(t, strings.HasPrefix(answer.Content, "echo:"), answer.Content)

	s.WaitForMessage(t, "g1", "desk", 5*time.Second, func(m domain.Message) bool {
		return m.Content == "handed over to pricer"
	})
}

func TestE2E_AgentWithRealLLM(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoAPIKey(t, cfg.OpenAIKey, "OPENAI")

	provider := llm.NewOpenAIProvider(config.ProviderConfig{
		Name:    "openai",
		Type:    "openai",
		APIKey:  cfg.OpenAIKey,
		Model:   "gpt-4o-mini",
		Timeout: cfg.TestTimeout,
	}, slog.Default())

	s := NewStack(t, StackOptions{}, provider)
	s.AddAgent(t, domain.AgentConfig{ID: "a1", Model: "gpt-4o-mini", Persona: "You answer in one short sentence."})
	s.AddTopic(t, "dm1", domain.SessionPrivateChat,
		Participant("u1", domain.SenderUser), Participant("a1", domain.SenderAgent))

	s.Say(t, "dm1", "u1", "What is the capital of France?")

	reply := s.WaitForMessage(t, "dm1", "a1", cfg.TestTimeout, nil)
	t.Logf("agent reply: %s", reply.Content)
	assert.Contains(t, strings.ToLower(reply.Content), "paris")
}

func TestE2E_RedisTransport(t *testing.T) {
	SkipIfShort(t)
	cfg := LoadConfig()
	SkipIfNoRedis(t, cfg.RedisURL)

	ctx := NewTestContext(t, cfg.TestTimeout)
	client, err := pubsub.Dial(ctx, cfg.RedisURL)
	require.NoError(t, err)
	transport := pubsub.NewTransport(client, slog.Default())

	s := NewStack(t, StackOptions{Transport: transport}, llm.NewScriptedProvider("canned",
		`{"action":"complete","content":"over redis"}`))
	s.AddAgent(t, domain.AgentConfig{ID: "a1"})
	topicID := fmt.Sprintf("redis-%d", time.Now().UnixNano())
	s.AddTopic(t, topicID, domain.SessionPrivateChat,
		Participant("u1", domain.SenderUser), Participant("a1", domain.SenderAgent))

	_, err = s.Bus.SendMessage(ctx, topic.SendRequest{
		TopicID:    topicID,
		SenderID:   "u1",
		SenderType: domain.SenderUser,
		Content:    "hello over redis",
	})
	require.NoError(t, err)

	reply := s.WaitForMessage(t, topicID, "a1", 10*time.Second, nil)
	assert.Equal(t, "over redis", reply.Content)
}
