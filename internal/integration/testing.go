package integration

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"parley/internal/adapter/llm"
	"parley/internal/adapter/store"
	"parley/internal/adapter/tool"
	"parley/internal/domain"
	"parley/internal/infra/metrics"
	"parley/internal/usecase/actor"
	"parley/internal/usecase/argextract"
	"parley/internal/usecase/eventbus"
	"parley/internal/usecase/iteration"
	"parley/internal/usecase/topic"
)

// Config holds integration test configuration from environment
type Config struct {
	OpenAIKey    string
	AnthropicKey string
	RedisURL     string
	TestTimeout  time.Duration
	SkipSlow     bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		OpenAIKey:    os.Getenv("OPENAI_API_KEY"),
		AnthropicKey: os.Getenv("ANTHROPIC_API_KEY"),
		RedisURL:     os.Getenv("PARLEY_TEST_REDIS_URL"),
		TestTimeout:  60 * time.Second,
		SkipSlow:     os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoAPIKey skips the test if the required API key is not set
func SkipIfNoAPIKey(t *testing.T, key, name string) {
	t.Helper()
	if key == "" {
		t.Skipf("Skipping %s integration test: %s_API_KEY not set", name, name)
	}
}

// SkipIfNoRedis skips the test when no redis URL is configured.
func SkipIfNoRedis(t *testing.T, url string) {
	t.Helper()
	if url == "" {
		t.Skip("Skipping redis integration test: PARLEY_TEST_REDIS_URL not set")
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// Stack is a fully wired runtime over a sqlite store in a temp dir.
type Stack struct {
	Store     *store.SQLiteStore
	Transport domain.Transport
	Bus       *topic.Bus
	Catalog   *tool.Catalog
	Providers *llm.Registry
	Registry  *actor.Registry
	Metrics   *metrics.Metrics
}

// StackOptions customizes NewStack. Zero values select the in-process
// transport and no extra tools.
type StackOptions struct {
	Transport domain.Transport
	Tools     []tool.Tool
}

// NewStack wires store, transport, topic bus, tool catalog, decider, engine
// and actor registry the way the daemon does. providers are registered in
// order; the first becomes the default.
func NewStack(t *testing.T, opts StackOptions, providers ...domain.LLMProvider) *Stack {
	t.Helper()
	log := slog.Default()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "parley.db"))
	require.NoError(t, err)

	transport := opts.Transport
	if transport == nil {
		transport = eventbus.New(log)
	}

	m := metrics.New(nil)
	bus := topic.NewBus(transport, st, m, log)

	catalog := tool.NewCatalog(log)
	require.NoError(t, catalog.Register(tool.NewMessageTool(bus, log)))
	require.NoError(t, catalog.RegisterAll(opts.Tools...))

	reg := llm.NewRegistry()
	for _, p := range providers {
		require.NoError(t, reg.Register(p))
	}

	engine := iteration.NewEngine(iteration.Deps{
		Repo:      st,
		Decider:   llm.NewChatDecider(reg, log),
		Tools:     catalog,
		Invoker:   catalog,
		Extractor: argextract.New(nil, log),
		Metrics:   m,
		Logger:    log,
	})

	registry := actor.NewRegistry(actor.Deps{
		Transport: transport,
		Repo:      st,
		Runner:    engine,
		Bus:       bus,
		Options:   actor.Options{PollInterval: 10 * time.Millisecond},
		Metrics:   m,
		Logger:    log,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Close(ctx)
		_ = transport.Close()
		_ = st.Close()
	})

	return &Stack{
		Store:     st,
		Transport: transport,
		Bus:       bus,
		Catalog:   catalog,
		Providers: reg,
		Registry:  registry,
		Metrics:   m,
	}
}

// AddAgent stores an agent and grants it the named tools.
func (s *Stack) AddAgent(t *testing.T, a domain.AgentConfig) {
	t.Helper()
	if a.Model == "" {
		a.Model = "test-model"
	}
	require.NoError(t, s.Store.UpsertAgent(context.Background(), a))
	s.Catalog.Allow(a.ID, a.Tools)
}

// AddTopic stores a topic with its participants and activates every agent
// participant on it.
func (s *Stack) AddTopic(t *testing.T, id string, kind domain.SessionType, participants ...domain.Participant) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, s.Store.UpsertTopic(ctx, domain.Topic{
		ID: id, Title: id, SessionType: kind, CreatedAt: now, UpdatedAt: now,
	}))
	for _, p := range participants {
		p.TopicID = id
		p.JoinedAt = now
		require.NoError(t, s.Store.AddParticipant(ctx, p))
	}
	for _, p := range participants {
		if p.Type != domain.SenderAgent {
			continue
		}
		_, err := s.Registry.ActivateAgent(ctx, p.ID, id)
		require.NoError(t, err)
	}
}

// Say posts a user message into a topic.
func (s *Stack) Say(t *testing.T, topicID, userID, content string, mentions ...string) {
	t.Helper()
	_, err := s.Bus.SendMessage(context.Background(), topic.SendRequest{
		TopicID:    topicID,
		SenderID:   userID,
		SenderType: domain.SenderUser,
		Content:    content,
		Mentions:   mentions,
	})
	require.NoError(t, err)
}

// WaitForMessage polls the store until senderID has posted a message in
// topicID that satisfies match, and returns it.
func (s *Stack) WaitForMessage(t *testing.T, topicID, senderID string, timeout time.Duration, match func(domain.Message) bool) domain.Message {
	t.Helper()
	var found domain.Message
	require.Eventually(t, func() bool {
		msgs, err := s.Store.RecentMessages(context.Background(), topicID, 100)
		if err != nil {
			return false
		}
		for _, m := range msgs {
			if m.SenderID == senderID && (match == nil || match(m)) {
				found = m
				return true
			}
		}
		return false
	}, timeout, 20*time.Millisecond, "no message from %s in %s", senderID, topicID)
	return found
}

// Participant is shorthand for a participant entry.
func Participant(id string, kind domain.SenderType) domain.Participant {
	return domain.Participant{ID: id, Type: kind}
}
