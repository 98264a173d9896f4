package actor

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parley/internal/domain"
	"parley/internal/usecase/iteration"
	"parley/internal/usecase/topic"
)

func TestJanitorSweepRetiresIdleActors(t *testing.T) {
	f := newFixture(t, newRecordingRunner(), Options{})
	f.addAgent(t, domain.AgentConfig{ID: "a1"})
	f.addAgent(t, domain.AgentConfig{ID: "a2"})
	f.addTopic(t, "t1", domain.SessionGroup)
	ctx := context.Background()

	a1, err := f.registry.ActivateAgent(ctx, "a1", "t1")
	require.NoError(t, err)
	_, err = f.registry.GetOrCreate(ctx, "a2")
	require.NoError(t, err)

	j := NewJanitor(f.registry, time.Minute, time.Second, slog.Default())
	assert.Zero(t, j.Sweep(ctx), "fresh actors are not idle")

	j.now = func() time.Time { return time.Now().Add(time.Hour) }
	reaped := 0
	require.Eventually(t, func() bool {
		reaped += j.Sweep(ctx)
		return reaped == 2
	}, waitFor, tick)
	<-a1.Done()
	assert.Empty(t, f.registry.Status())
}

func TestRetiredAgentRestartsOnNextMessage(t *testing.T) {
	f, spy := newEngineFixture(t)
	f.addAgent(t, domain.AgentConfig{ID: "a1", TriggerMode: domain.TriggerMention})
	f.addTopic(t, "t1", domain.SessionPrivateChat)
	ctx := context.Background()

	a1, err := f.registry.ActivateAgent(ctx, "a1", "t1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a1.Status().Processed == 1 }, waitFor, tick)

	j := NewJanitor(f.registry, time.Minute, time.Second, slog.Default())
	j.now = func() time.Time { return time.Now().Add(time.Hour) }
	require.Eventually(t, func() bool { return j.Sweep(ctx) == 1 }, waitFor, tick)
	<-a1.Done()
	assert.Empty(t, f.registry.Status())

	_, err = f.bus.SendMessage(ctx, topic.SendRequest{
		TopicID:    "t1",
		SenderID:   "u1",
		SenderType: domain.SenderUser,
		Content:    "are you there",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(f.messagesFrom(t, "t1", "a1")) == 1 }, waitFor, tick)
	assert.Equal(t, "reply from a1 to are you there", f.messagesFrom(t, "t1", "a1")[0].Content)
	assert.Equal(t, []string{"are you there"}, spy.callsFor("a1"))

	status := f.registry.Status()
	require.Len(t, status, 1)
	assert.Equal(t, []string{topic.ChannelName("t1")}, status[0].Channels)
	assert.Equal(t, int32(1), f.bus.joined.Load(), "a restart is not a new join")
}

func TestSweepSkipsActorMidIteration(t *testing.T) {
	runner := newRecordingRunner()
	release := make(chan struct{})
	runner.hook = func(iteration.Request) { <-release }
	f := newFixture(t, runner, Options{})
	f.addAgent(t, domain.AgentConfig{ID: "a1"})
	f.addTopic(t, "t1", domain.SessionPrivateChat)
	ctx := context.Background()

	a1, err := f.registry.ActivateAgent(ctx, "a1", "t1")
	require.NoError(t, err)
	require.NoError(t, a1.OnEvent("t1", userEnvelope("slow")))
	require.Eventually(t, func() bool { return len(runner.callsFor("a1")) == 1 }, waitFor, tick)

	j := NewJanitor(f.registry, time.Minute, time.Second, slog.Default())
	j.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Zero(t, j.Sweep(ctx), "busy actors are not idle")

	close(release)
	require.Eventually(t, func() bool { return a1.Status().Processed == 2 }, waitFor, tick)

	j.now = time.Now
	assert.Zero(t, j.Sweep(ctx), "activity is stamped when the iteration ends")
	j.now = func() time.Time { return time.Now().Add(time.Hour) }
	assert.Eventually(t, func() bool { return j.Sweep(ctx) == 1 }, waitFor, tick)
}

func TestStopAgentReleasesRetiredRoutes(t *testing.T) {
	f := newFixture(t, newRecordingRunner(), Options{})
	f.addAgent(t, domain.AgentConfig{ID: "a1"})
	f.addTopic(t, "t1", domain.SessionGroup)
	ctx := context.Background()

	a1, err := f.registry.ActivateAgent(ctx, "a1", "t1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a1.Status().Processed == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return f.registry.RetireIdle("a1", time.Now().Add(time.Hour)) }, waitFor, tick)
	assert.False(t, f.registry.RetireIdle("a1", time.Now().Add(time.Hour)))

	require.NoError(t, f.registry.StopAgent(ctx, "a1"))
	_, droppedBefore := f.transport.Stats()
	require.NoError(t, f.transport.Publish(ctx, topic.ChannelName("t1"), []byte(`{}`)))
	_, droppedAfter := f.transport.Stats()
	assert.Equal(t, droppedBefore+1, droppedAfter)
	assert.ErrorIs(t, f.registry.StopAgent(ctx, "a1"), domain.ErrAgentNotFound)
}

func TestJanitorStart(t *testing.T) {
	f := newFixture(t, newRecordingRunner(), Options{})

	disabled := NewJanitor(f.registry, 0, time.Second, slog.Default())
	require.NoError(t, disabled.Start())
	disabled.Stop()

	bad := NewJanitor(f.registry, time.Minute, 0, slog.Default())
	assert.Error(t, bad.Start())

	j := NewJanitor(f.registry, time.Minute, time.Second, slog.Default())
	require.NoError(t, j.Start())
	j.Stop()
}
