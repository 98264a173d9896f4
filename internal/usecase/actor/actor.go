// Package actor runs one goroutine per agent. Each actor drains its own
// mailbox in order; the registry routes topic envelopes into mailboxes.
package actor

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"parley/internal/domain"
	"parley/internal/infra/metrics"
	"parley/internal/usecase/iteration"
	"parley/internal/usecase/topic"
)

const defaultPollInterval = time.Second

// Runner processes one event to a terminal state.
type Runner interface {
	Run(ctx context.Context, req iteration.Request) (*iteration.Context, error)
}

// TopicBus is the part of topic.Bus actors and the registry talk to.
type TopicBus interface {
	SendMessage(ctx context.Context, req topic.SendRequest) (*domain.Message, error)
	PublishAgentThinking(ctx context.Context, topicID, agentID, runID string, step domain.ProcessStep)
	PublishAgentJoined(ctx context.Context, topicID, agentID string)
}

// Options configures actors.
type Options struct {
	PollInterval    time.Duration
	MailboxCapacity int
	Overflow        OverflowPolicy
}

type subscriber interface {
	SubscribeForAgent(ctx context.Context, a *Actor, channel string) error
}

// Actor owns one agent's mailbox and its sequential worker.
type Actor struct {
	agentID string
	agent   domain.AgentConfig

	repo    domain.Repository
	runner  Runner
	bus     TopicBus
	subs    subscriber
	metrics *metrics.Metrics
	logger  *slog.Logger

	mailbox *Mailbox
	poll    time.Duration

	mu       sync.Mutex
	state    domain.ActorState
	busy     bool // a delivery is being handled
	retired  bool // reaped as idle; refuses new deliveries
	channels map[string]bool
	topics   map[string]domain.Topic

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	processed    atomic.Uint64
	lastActivity atomic.Int64
}

func newActor(agent domain.AgentConfig, repo domain.Repository, runner Runner, bus TopicBus, subs subscriber, opts Options, m *metrics.Metrics, logger *slog.Logger) *Actor {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	a := &Actor{
		agentID:  agent.ID,
		agent:    agent,
		repo:     repo,
		runner:   runner,
		bus:      bus,
		subs:     subs,
		metrics:  m,
		logger:   logger.With("agent_id", agent.ID),
		mailbox:  NewMailbox(opts.MailboxCapacity, opts.Overflow),
		poll:     poll,
		state:    domain.ActorCreated,
		channels: make(map[string]bool),
		topics:   make(map[string]domain.Topic),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	a.touch()
	return a
}

// AgentID returns the id of the agent the actor runs.
func (a *Actor) AgentID() string { return a.agentID }

// State returns the lifecycle state.
func (a *Actor) State() domain.ActorState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Done is closed once the worker has exited.
func (a *Actor) Done() <-chan struct{} { return a.done }

// Start spawns the worker. Calling Start on a running or stopped actor is a
// no-op.
func (a *Actor) Start(ctx context.Context) {
	a.mu.Lock()
	if a.state != domain.ActorCreated {
		a.mu.Unlock()
		return
	}
	a.state = domain.ActorRunning
	a.mu.Unlock()

	a.metrics.ActorStarted()
	go a.run(context.WithoutCancel(ctx))
}

// Stop asks the worker to exit. Queued envelopes are not processed; an
// iteration already running finishes first. Stop does not wait.
func (a *Actor) Stop() {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		started := a.state == domain.ActorRunning
		a.state = domain.ActorStopped
		a.mu.Unlock()

		close(a.stop)
		if !started {
			close(a.done)
			return
		}
		a.metrics.ActorStopped()
	})
}

// OnEvent queues env for processing. It never blocks.
func (a *Actor) OnEvent(topicID string, env domain.Envelope) error {
	a.mu.Lock()
	if a.state == domain.ActorStopped || a.retired {
		a.mu.Unlock()
		return domain.NewDomainError("Actor.OnEvent", domain.ErrActorStopped, a.agentID)
	}
	dropped, err := a.mailbox.Push(Delivery{TopicID: topicID, Envelope: env})
	a.mu.Unlock()
	if err != nil {
		a.metrics.Dropped("mailbox_full")
		return domain.NewDomainError("Actor.OnEvent", err, a.agentID)
	}
	if dropped {
		a.metrics.Dropped("overflow")
		a.logger.Warn("mailbox overflow, envelope dropped", "topic_id", topicID)
		if a.mailbox.policy == OverflowDropNewest {
			return nil
		}
	}
	a.metrics.Routed(string(env.Type))
	a.metrics.SetMailboxDepth(a.agentID, a.mailbox.Len())
	return nil
}

// SubscribeTopic makes the actor receive the topic's envelopes. Repeated
// calls for the same topic do nothing.
func (a *Actor) SubscribeTopic(ctx context.Context, topicID string) error {
	_, err := a.subscribeTopic(ctx, topicID)
	return err
}

func (a *Actor) subscribeTopic(ctx context.Context, topicID string) (bool, error) {
	channel := topic.ChannelName(topicID)
	a.mu.Lock()
	if a.channels[channel] {
		a.mu.Unlock()
		return false, nil
	}
	a.channels[channel] = true
	a.mu.Unlock()

	if err := a.subs.SubscribeForAgent(ctx, a, channel); err != nil {
		a.mu.Lock()
		delete(a.channels, channel)
		a.mu.Unlock()
		return false, err
	}
	return true, nil
}

// Status returns a snapshot of the actor.
func (a *Actor) Status() domain.ActorStatus {
	a.mu.Lock()
	channels := make([]string, 0, len(a.channels))
	for ch := range a.channels {
		channels = append(channels, ch)
	}
	state := a.state
	a.mu.Unlock()
	slices.Sort(channels)

	return domain.ActorStatus{
		AgentID:      a.agentID,
		State:        state,
		MailboxDepth: a.mailbox.Len(),
		Processed:    a.processed.Load(),
		Dropped:      a.mailbox.Dropped(),
		Channels:     channels,
		LastActivity: time.Unix(0, a.lastActivity.Load()),
	}
}

func (a *Actor) channelList() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.channels))
	for ch := range a.channels {
		out = append(out, ch)
	}
	return out
}

// adoptChannels records channels whose routes the registry kept while the
// agent was retired, so a later stop releases them.
func (a *Actor) adoptChannels(channels []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ch := range channels {
		a.channels[ch] = true
	}
}

// retireIfIdle marks a running actor retired when it has nothing queued,
// is not handling a delivery and was last active at or before cutoff. A
// retired actor rejects OnEvent; the caller still has to Stop it.
func (a *Actor) retireIfIdle(cutoff time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != domain.ActorRunning || a.retired || a.busy || a.mailbox.Len() > 0 {
		return false
	}
	if time.Unix(0, a.lastActivity.Load()).After(cutoff) {
		return false
	}
	a.retired = true
	return true
}

func (a *Actor) touch() {
	a.lastActivity.Store(time.Now().UnixNano())
}

// next pops the oldest delivery and marks the actor busy while it is handled.
func (a *Actor) next() (Delivery, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.mailbox.Pop()
	a.busy = ok
	return d, ok
}

func (a *Actor) finish() {
	a.touch()
	a.mu.Lock()
	a.busy = false
	a.mu.Unlock()
}

func (a *Actor) run(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	a.logger.Debug("actor started")
	for {
		select {
		case <-a.stop:
			a.logger.Debug("actor stopped")
			return
		case <-a.mailbox.Ready():
		case <-ticker.C:
		}

		for {
			select {
			case <-a.stop:
				a.logger.Debug("actor stopped", "pending", a.mailbox.Len())
				return
			default:
			}
			d, ok := a.next()
			if !ok {
				break
			}
			a.metrics.SetMailboxDepth(a.agentID, a.mailbox.Len())
			a.handle(ctx, d)
			a.finish()
		}
	}
}

// handle processes one delivery. Panics are contained so the worker keeps
// draining its mailbox.
func (a *Actor) handle(ctx context.Context, d Delivery) {
	defer a.processed.Add(1)
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("actor delivery panicked", "topic_id", d.TopicID, "panic", r)
		}
	}()

	env := d.Envelope
	if env.SenderID() == a.agentID {
		a.metrics.Dropped("self_sender")
		return
	}

	switch p := env.Payload.(type) {
	case *domain.NewMessage:
		a.onMessage(ctx, d.TopicID, p)
	case *domain.TopicUpdated:
		a.mu.Lock()
		delete(a.topics, p.TopicID)
		a.mu.Unlock()
	case *domain.ParticipantLeft:
		if p.ParticipantID == a.agentID {
			a.logger.Info("removed from topic", "topic_id", p.TopicID)
		}
	}
}

func (a *Actor) onMessage(ctx context.Context, topicID string, msg *domain.NewMessage) {
	t, err := a.topic(ctx, topicID)
	if err != nil {
		a.logger.Warn("topic lookup failed", "topic_id", topicID, "error", err)
		return
	}
	if !a.shouldReply(t, msg) {
		return
	}

	ic, err := a.runner.Run(ctx, iteration.Request{
		AgentID:  a.agentID,
		TopicID:  topicID,
		Message:  msg,
		Agent:    &a.agent,
		Topic:    &t,
		Observer: a.thinkingObserver(topicID),
	})
	if err != nil {
		a.logger.Warn("iteration failed", "topic_id", topicID, "message_id", msg.MessageID, "error", err)
	}
	if ic == nil || !ic.HasReply() {
		return
	}

	ext := domain.MessageExt{Media: ic.Media}
	if _, err := a.bus.SendMessage(ctx, topic.SendRequest{
		TopicID:    topicID,
		SenderID:   a.agentID,
		SenderType: domain.SenderAgent,
		Content:    ic.Content,
		Role:       domain.RoleAssistant,
		Ext:        ext,
	}); err != nil {
		a.logger.Error("reply failed", "topic_id", topicID, "run_id", ic.RunID, "error", err)
	}
}

// shouldReply applies the trigger rule: private chats always get a reply,
// group topics only when the agent is mentioned or its trigger mode is
// always. Always-mode ignores other agents so two such agents cannot talk
// to each other forever.
func (a *Actor) shouldReply(t domain.Topic, msg *domain.NewMessage) bool {
	if t.SessionType.IsPrivate() {
		return true
	}
	if msg.Mentioned(a.agentID) {
		return true
	}
	return a.agent.TriggerMode == domain.TriggerAlways && msg.SenderType != domain.SenderAgent
}

func (a *Actor) topic(ctx context.Context, topicID string) (domain.Topic, error) {
	a.mu.Lock()
	t, ok := a.topics[topicID]
	a.mu.Unlock()
	if ok {
		return t, nil
	}

	loaded, err := a.repo.GetTopic(ctx, topicID)
	if err != nil {
		return domain.Topic{}, err
	}
	a.mu.Lock()
	a.topics[topicID] = *loaded
	a.mu.Unlock()
	return *loaded, nil
}

// thinkingObserver publishes an agent_thinking ping for each step entered.
func (a *Actor) thinkingObserver(topicID string) domain.StepObserver {
	return domain.StepObserverFunc(func(ctx context.Context, snap domain.IterationSnapshot, step domain.ProcessStep) {
		if step.Status != domain.StepRunning {
			return
		}
		a.bus.PublishAgentThinking(ctx, topicID, a.agentID, snap.RunID, step)
	})
}
