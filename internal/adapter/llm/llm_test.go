package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/domain"
	"parley/internal/infra/config"
)

type mockProvider struct {
	name     string
	chatFunc func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error)
}

func (m *mockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return m.chatFunc(ctx, req)
}
func (m *mockProvider) Name() string { return m.name }

func TestCircuitBreakerPassesThrough(t *testing.T) {
	inner := &mockProvider{
		name: "main",
		chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
			return &domain.ChatResponse{Message: domain.ChatMessage{Content: "ok"}}, nil
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{}, slog.Default())

	resp, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Message.Content)
	assert.Equal(t, "main", cb.Name())
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	calls := 0
	inner := &mockProvider{
		name: "flaky",
		chatFunc: func(context.Context, domain.ChatRequest) (*domain.ChatResponse, error) {
			calls++
			return nil, errors.New("upstream 500")
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{
		MaxFailures: 3,
		Timeout:     time.Minute,
	}, slog.Default())

	for i := 0; i < 3; i++ {
		_, err := cb.Chat(context.Background(), domain.ChatRequest{})
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Chat(context.Background(), domain.ChatRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, domain.ErrTransport)
	assert.Contains(t, err.Error(), `provider "flaky" circuit open`)
	assert.Equal(t, 3, calls)
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	inner := &mockProvider{
		name: "slow",
		chatFunc: func(ctx context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
			return nil, context.Canceled
		},
	}
	cb := NewCircuitBreakerProvider(inner, config.CircuitBreakerConfig{MaxFailures: 1}, slog.Default())

	for i := 0; i < 3; i++ {
		_, err := cb.Chat(context.Background(), domain.ChatRequest{})
		assert.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestRegistryDefaultAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(NewScriptedProvider("a")))
	require.NoError(t, r.Register(NewScriptedProvider("b")))

	p, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "a", p.Name())

	require.NoError(t, r.SetDefault("b"))
	p, err = r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "b", p.Name())

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = r.Register(NewScriptedProvider("a"))
	assert.ErrorIs(t, err, domain.ErrDuplicate)
	assert.Equal(t, []string{"a", "b"}, r.List())
}

func TestRegistryFromConfig(t *testing.T) {
	r, err := NewRegistryFromConfig(config.LLMConfig{
		DefaultProvider: "claude",
		Providers: []config.ProviderConfig{
			{Name: "gpt", Type: "openai", Model: "gpt-4o-mini", APIKey: "k"},
			{Name: "claude", Type: "anthropic", Model: "claude-sonnet", APIKey: "k"},
			{Name: "canned", Type: "scripted", Script: []string{`{"action":"complete","content":"hi"}`}},
		},
		CircuitBreaker: config.CircuitBreakerConfig{Enabled: true},
	}, slog.Default())
	require.NoError(t, err)

	p, err := r.Get("")
	require.NoError(t, err)
	_, wrapped := p.(*CircuitBreakerProvider)
	assert.True(t, wrapped)
	assert.Equal(t, "claude", p.Name())

	p, err = r.Get("canned")
	require.NoError(t, err)
	_, scripted := p.(*ScriptedProvider)
	assert.True(t, scripted)

	_, err = NewRegistryFromConfig(config.LLMConfig{
		Providers: []config.ProviderConfig{{Name: "x", Type: "bedrock"}},
	}, slog.Default())
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestOpenAIProviderChat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "hello there"}}],
			"usage": {"prompt_tokens": 7, "completion_tokens": 2, "total_tokens": 9}
		}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(config.ProviderConfig{
		Name:    "gpt",
		BaseURL: srv.URL + "/v1/chat/completions",
		APIKey:  "sk-test",
		Model:   "gpt-4o-mini",
	}, slog.Default())

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "hi"},
		},
		MaxTokens: 64,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Message.Content)
	assert.Equal(t, domain.RoleAssistant, resp.Message.Role)
	assert.Equal(t, 9, resp.Usage.TotalTokens)

	assert.Equal(t, "gpt-4o-mini", got["model"])
	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestOpenAIProviderNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(config.ProviderConfig{Name: "gpt", BaseURL: srv.URL, Model: "m", APIKey: "k"}, slog.Default())
	_, err := p.Chat(context.Background(), domain.ChatRequest{Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestAnthropicProviderChat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("X-Api-Key"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-sonnet",
			"content": [{"type": "text", "text": "hello"}, {"type": "text", "text": "again"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 5, "output_tokens": 3}
		}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider(config.ProviderConfig{
		Name:    "claude",
		BaseURL: srv.URL,
		APIKey:  "sk-ant",
		Model:   "claude-sonnet",
	}, slog.Default())

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "be brief"},
			{Role: domain.RoleUser, Content: "hi"},
			{Role: domain.RoleTool, Content: "tool says 3"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\nagain", resp.Message.Content)
	assert.Equal(t, 8, resp.Usage.TotalTokens)

	assert.EqualValues(t, anthropicDefaultMaxTokens, got["max_tokens"])
	msgs, ok := got["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 1, "consecutive user-side turns are merged")
	assert.NotNil(t, got["system"])
}

func TestToAnthropicMessagesAlternates(t *testing.T) {
	system, msgs := toAnthropicMessages([]domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "a"},
		{Role: domain.RoleSystem, Content: "b"},
		{Role: domain.RoleUser, Content: "u1"},
		{Role: domain.RoleAssistant, Content: "x1"},
		{Role: domain.RoleAssistant, Content: "x2"},
		{Role: domain.RoleUser, Content: "u2"},
	})
	assert.Equal(t, "a\n\nb", system)
	assert.Len(t, msgs, 3)
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, openAIAPIBase, normalizeBaseURL("", openAIAPIBase, "/chat/completions"))
	assert.Equal(t, "https://h/v1", normalizeBaseURL("https://h/v1/", openAIAPIBase, "/chat/completions"))
	assert.Equal(t, "https://h/v1", normalizeBaseURL("https://h/v1/chat/completions", openAIAPIBase, "/chat/completions"))
}
