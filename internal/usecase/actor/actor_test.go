package actor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/adapter/store"
	"parley/internal/domain"
	"parley/internal/infra/metrics"
	"parley/internal/usecase/eventbus"
	"parley/internal/usecase/iteration"
	"parley/internal/usecase/topic"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

type fixture struct {
	repo      *store.MemoryStore
	transport *eventbus.Bus
	bus       *countingBus
	metrics   *metrics.Metrics
	registry  *Registry
}

// countingBus counts agent_joined announcements on top of the real bus.
type countingBus struct {
	*topic.Bus
	joined atomic.Int32
}

func (b *countingBus) PublishAgentJoined(ctx context.Context, topicID, agentID string) {
	b.joined.Add(1)
	b.Bus.PublishAgentJoined(ctx, topicID, agentID)
}

func newFixture(t *testing.T, runner Runner, opts Options) *fixture {
	t.Helper()
	logger := slog.Default()
	repo := store.NewMemoryStore()
	transport := eventbus.New(logger)
	m := metrics.New(nil)
	bus := &countingBus{Bus: topic.NewBus(transport, repo, m, logger)}
	if opts.PollInterval == 0 {
		opts.PollInterval = 10 * time.Millisecond
	}
	reg := NewRegistry(Deps{
		Transport: transport,
		Repo:      repo,
		Runner:    runner,
		Bus:       bus,
		Options:   opts,
		Metrics:   m,
		Logger:    logger,
	})
	t.Cleanup(func() {
		_ = reg.Close(context.Background())
		_ = transport.Close()
	})
	return &fixture{repo: repo, transport: transport, bus: bus, metrics: m, registry: reg}
}

func (f *fixture) addAgent(t *testing.T, cfg domain.AgentConfig) {
	t.Helper()
	require.NoError(t, f.repo.UpsertAgent(context.Background(), cfg))
}

func (f *fixture) addTopic(t *testing.T, id string, kind domain.SessionType) {
	t.Helper()
	require.NoError(t, f.repo.UpsertTopic(context.Background(), domain.Topic{ID: id, SessionType: kind}))
}

func (f *fixture) messagesFrom(t *testing.T, topicID, senderID string) []domain.Message {
	t.Helper()
	msgs, err := f.repo.RecentMessages(context.Background(), topicID, 0)
	require.NoError(t, err)
	var out []domain.Message
	for _, m := range msgs {
		if m.SenderID == senderID {
			out = append(out, m)
		}
	}
	return out
}

// recordingRunner records the messages each agent was asked to process.
type recordingRunner struct {
	mu    sync.Mutex
	calls map[string][]string
	reply func(req iteration.Request) *iteration.Context
	hook  func(req iteration.Request)
}

func newRecordingRunner() *recordingRunner {
	return &recordingRunner{calls: make(map[string][]string)}
}

func (r *recordingRunner) Run(_ context.Context, req iteration.Request) (*iteration.Context, error) {
	r.mu.Lock()
	r.calls[req.AgentID] = append(r.calls[req.AgentID], req.Message.Content)
	hook, reply := r.hook, r.reply
	r.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if reply != nil {
		return reply(req), nil
	}
	return &iteration.Context{IsComplete: true}, nil
}

func (r *recordingRunner) callsFor(agentID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls[agentID]...)
}

func userEnvelope(content string, mentions ...string) domain.Envelope {
	return domain.NewEnvelope(&domain.NewMessage{
		MessageID:  content,
		SenderID:   "u1",
		SenderType: domain.SenderUser,
		Content:    content,
		Role:       domain.RoleUser,
		Mentions:   mentions,
	})
}

func TestActorProcessesInPushOrder(t *testing.T) {
	runner := newRecordingRunner()
	f := newFixture(t, runner, Options{})
	f.addAgent(t, domain.AgentConfig{ID: "a1"})
	f.addTopic(t, "t1", domain.SessionPrivateChat)

	a, err := f.registry.GetOrCreate(context.Background(), "a1")
	require.NoError(t, err)

	var want []string
	for i := 0; i < 25; i++ {
		content := fmt.Sprintf("msg-%02d", i)
		want = append(want, content)
		require.NoError(t, a.OnEvent("t1", userEnvelope(content)))
	}

	require.Eventually(t, func() bool { return len(runner.callsFor("a1")) == len(want) }, waitFor, tick)
	assert.Equal(t, want, runner.callsFor("a1"))
	assert.Eventually(t, func() bool { return a.Status().Processed == uint64(len(want)) }, waitFor, tick)
}

func TestActorsProcessConcurrently(t *testing.T) {
	var active, maxActive atomic.Int32
	runner := newRecordingRunner()
	runner.hook = func(iteration.Request) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		deadline := time.Now().Add(waitFor)
		for active.Load() < 2 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		active.Add(-1)
	}

	f := newFixture(t, runner, Options{})
	f.addAgent(t, domain.AgentConfig{ID: "a1"})
	f.addAgent(t, domain.AgentConfig{ID: "a2"})
	f.addTopic(t, "t1", domain.SessionPrivateChat)

	ctx := context.Background()
	a1, err := f.registry.GetOrCreate(ctx, "a1")
	require.NoError(t, err)
	a2, err := f.registry.GetOrCreate(ctx, "a2")
	require.NoError(t, err)

	require.NoError(t, a1.OnEvent("t1", userEnvelope("one")))
	require.NoError(t, a2.OnEvent("t1", userEnvelope("two")))

	require.Eventually(t, func() bool {
		return len(runner.callsFor("a1")) == 1 && len(runner.callsFor("a2")) == 1 && active.Load() == 0
	}, 2*waitFor, tick)
	assert.Equal(t, int32(2), maxActive.Load())
}

func TestActorDiscardsOwnMessages(t *testing.T) {
	runner := newRecordingRunner()
	f := newFixture(t, runner, Options{})
	f.addAgent(t, domain.AgentConfig{ID: "a1"})
	f.addTopic(t, "t1", domain.SessionPrivateChat)

	a, err := f.registry.GetOrCreate(context.Background(), "a1")
	require.NoError(t, err)

	own := domain.NewEnvelope(&domain.NewMessage{
		SenderID:   "a1",
		SenderType: domain.SenderAgent,
		Content:    "my own words",
		Ext:        domain.MessageExt{ChainAppend: true},
	})
	require.NoError(t, a.OnEvent("t1", own))
	require.NoError(t, a.OnEvent("t1", userEnvelope("from user")))

	require.Eventually(t, func() bool { return a.Status().Processed == 2 }, waitFor, tick)
	assert.Equal(t, []string{"from user"}, runner.callsFor("a1"))
}

func TestActorStopLeavesQueueUnprocessed(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	runner := newRecordingRunner()
	runner.hook = func(iteration.Request) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}

	f := newFixture(t, runner, Options{})
	f.addAgent(t, domain.AgentConfig{ID: "a1"})
	f.addTopic(t, "t1", domain.SessionPrivateChat)

	a, err := f.registry.GetOrCreate(context.Background(), "a1")
	require.NoError(t, err)
	require.NoError(t, a.OnEvent("t1", userEnvelope("first")))
	<-started

	require.NoError(t, a.OnEvent("t1", userEnvelope("second")))
	require.NoError(t, a.OnEvent("t1", userEnvelope("third")))
	a.Stop()
	close(release)

	select {
	case <-a.Done():
	case <-time.After(waitFor):
		t.Fatal("actor did not exit")
	}
	assert.Equal(t, []string{"first"}, runner.callsFor("a1"))
	assert.Equal(t, domain.ActorStopped, a.State())

	err = a.OnEvent("t1", userEnvelope("late"))
	assert.ErrorIs(t, err, domain.ErrActorStopped)
}

func TestActorStopBeforeStart(t *testing.T) {
	a := newActor(domain.AgentConfig{ID: "a1"}, store.NewMemoryStore(), newRecordingRunner(), nil, nil, Options{}, nil, slog.Default())
	a.Stop()
	a.Stop()
	select {
	case <-a.Done():
	default:
		t.Fatal("done should be closed")
	}
	a.Start(context.Background())
	assert.Equal(t, domain.ActorStopped, a.State())
}

func TestActorSendsReplyThroughBus(t *testing.T) {
	runner := newRecordingRunner()
	runner.reply = func(req iteration.Request) *iteration.Context {
		return &iteration.Context{
			IsComplete: true,
			Content:    "pong",
			Media:      []domain.MediaRef{{Type: "image", URL: "https://img.example/1.png"}},
		}
	}
	f := newFixture(t, runner, Options{})
	f.addAgent(t, domain.AgentConfig{ID: "a1"})
	f.addTopic(t, "t1", domain.SessionPrivateChat)

	a, err := f.registry.GetOrCreate(context.Background(), "a1")
	require.NoError(t, err)
	require.NoError(t, a.OnEvent("t1", userEnvelope("ping")))

	require.Eventually(t, func() bool { return len(f.messagesFrom(t, "t1", "a1")) == 1 }, waitFor, tick)
	reply := f.messagesFrom(t, "t1", "a1")[0]
	assert.Equal(t, "pong", reply.Content)
	assert.Equal(t, domain.RoleAssistant, reply.Role)
	assert.Equal(t, domain.SenderAgent, reply.SenderType)
	require.Len(t, reply.Ext.Media, 1)
	assert.Equal(t, "https://img.example/1.png", reply.Ext.Media[0].URL)
}

func TestActorNoReplyWhenNotAddressed(t *testing.T) {
	runner := newRecordingRunner()
	f := newFixture(t, runner, Options{})
	f.addAgent(t, domain.AgentConfig{ID: "a1", TriggerMode: domain.TriggerMention})
	f.addTopic(t, "g1", domain.SessionGroup)

	a, err := f.registry.GetOrCreate(context.Background(), "a1")
	require.NoError(t, err)
	require.NoError(t, a.OnEvent("g1", userEnvelope("chatter")))
	require.NoError(t, a.OnEvent("g1", userEnvelope("hey a1", "a1")))

	require.Eventually(t, func() bool { return a.Status().Processed == 2 }, waitFor, tick)
	assert.Equal(t, []string{"hey a1"}, runner.callsFor("a1"))
}

func TestActorTopicUpdateInvalidatesCache(t *testing.T) {
	runner := newRecordingRunner()
	f := newFixture(t, runner, Options{})
	f.addAgent(t, domain.AgentConfig{ID: "a1"})
	f.addTopic(t, "t1", domain.SessionGroup)

	a, err := f.registry.GetOrCreate(context.Background(), "a1")
	require.NoError(t, err)
	require.NoError(t, a.OnEvent("t1", userEnvelope("before")))
	require.Eventually(t, func() bool { return a.Status().Processed == 1 }, waitFor, tick)

	f.addTopic(t, "t1", domain.SessionPrivateChat)
	require.NoError(t, a.OnEvent("t1", domain.NewEnvelope(&domain.TopicUpdated{TopicID: "t1", SessionType: domain.SessionPrivateChat})))
	require.NoError(t, a.OnEvent("t1", userEnvelope("after")))

	require.Eventually(t, func() bool { return a.Status().Processed == 3 }, waitFor, tick)
	assert.Equal(t, []string{"after"}, runner.callsFor("a1"))
}

func TestShouldReply(t *testing.T) {
	group := domain.Topic{ID: "g", SessionType: domain.SessionGroup}
	private := domain.Topic{ID: "p", SessionType: domain.SessionPrivateChat}
	fromUser := &domain.NewMessage{SenderID: "u1", SenderType: domain.SenderUser}
	fromAgent := &domain.NewMessage{SenderID: "a9", SenderType: domain.SenderAgent}
	mentioning := &domain.NewMessage{SenderID: "u1", SenderType: domain.SenderUser, Mentions: []string{"a1"}}

	mention := &Actor{agentID: "a1", agent: domain.AgentConfig{ID: "a1", TriggerMode: domain.TriggerMention}}
	always := &Actor{agentID: "a1", agent: domain.AgentConfig{ID: "a1", TriggerMode: domain.TriggerAlways}}

	assert.True(t, mention.shouldReply(private, fromUser))
	assert.True(t, mention.shouldReply(private, fromAgent))
	assert.False(t, mention.shouldReply(group, fromUser))
	assert.True(t, mention.shouldReply(group, mentioning))

	assert.True(t, always.shouldReply(group, fromUser))
	assert.False(t, always.shouldReply(group, fromAgent))
}

func TestActorOverflowRejectsWhenFull(t *testing.T) {
	release := make(chan struct{})
	runner := newRecordingRunner()
	runner.hook = func(iteration.Request) { <-release }
	defer close(release)

	f := newFixture(t, runner, Options{MailboxCapacity: 1, Overflow: OverflowReject})
	f.addAgent(t, domain.AgentConfig{ID: "a1"})
	f.addTopic(t, "t1", domain.SessionPrivateChat)

	a, err := f.registry.GetOrCreate(context.Background(), "a1")
	require.NoError(t, err)
	require.NoError(t, a.OnEvent("t1", userEnvelope("busy")))
	require.Eventually(t, func() bool { return len(runner.callsFor("a1")) == 1 }, waitFor, tick)

	require.NoError(t, a.OnEvent("t1", userEnvelope("queued")))
	err = a.OnEvent("t1", userEnvelope("rejected"))
	assert.ErrorIs(t, err, domain.ErrMailboxFull)
	assert.Equal(t, 1, a.Status().MailboxDepth)
}

func TestRoutedCountsOnlyQueuedEnvelopes(t *testing.T) {
	for _, tc := range []struct {
		policy OverflowPolicy
		routed float64
	}{
		{OverflowDropNewest, 1},
		{OverflowDropOldest, 3},
	} {
		t.Run(string(tc.policy), func(t *testing.T) {
			m := metrics.New(nil)
			a := newActor(domain.AgentConfig{ID: "a1"}, store.NewMemoryStore(), newRecordingRunner(), nil, nil,
				Options{MailboxCapacity: 1, Overflow: tc.policy}, m, slog.Default())
			for _, content := range []string{"one", "two", "three"} {
				require.NoError(t, a.OnEvent("t1", userEnvelope(content)))
			}
			assert.Equal(t, tc.routed, testutil.ToFloat64(m.EnvelopesRouted.WithLabelValues(string(domain.EventNewMessage))))
			assert.Equal(t, float64(2), testutil.ToFloat64(m.EnvelopesDropped.WithLabelValues("overflow")))
			assert.Equal(t, 1, a.mailbox.Len())
		})
	}
}
