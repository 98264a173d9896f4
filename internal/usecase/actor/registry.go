package actor

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"parley/internal/domain"
	"parley/internal/infra/metrics"
	"parley/internal/usecase/topic"
)

// Deps holds the collaborators shared by the registry and its actors.
type Deps struct {
	Transport domain.Transport
	Repo      domain.Repository
	Runner    Runner
	Bus       TopicBus
	Options   Options
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Registry is the process-wide directory of actors and the channel routing
// table. A single listener goroutine routes transport messages to mailboxes.
type Registry struct {
	deps Deps

	mu       sync.Mutex
	actors   map[string]*Actor
	channels map[string]map[string]struct{}
	// retired maps agents reaped as idle to the channels they keep routes
	// on. The next envelope on one of them restarts the agent.
	retired map[string][]string
	closed  bool

	listening    bool
	quit         chan struct{}
	listenerDone chan struct{}

	logger *slog.Logger
}

// NewRegistry creates an empty registry. Nothing runs until the first
// subscription.
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Registry{
		deps:         deps,
		actors:       make(map[string]*Actor),
		channels:     make(map[string]map[string]struct{}),
		retired:      make(map[string][]string),
		quit:         make(chan struct{}),
		listenerDone: make(chan struct{}),
		logger:       deps.Logger,
	}
}

// GetOrCreate returns the running actor of agentID, creating and starting
// it on first use. Concurrent callers get the same actor.
func (r *Registry) GetOrCreate(ctx context.Context, agentID string) (*Actor, error) {
	if a := r.lookup(agentID); a != nil {
		return a, nil
	}

	cfg, err := r.deps.Repo.FindAgentConfig(ctx, agentID)
	if err != nil {
		return nil, domain.WrapOp("Registry.GetOrCreate", err)
	}
	if cfg.ID == "" {
		cfg.ID = agentID
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.NewDomainError("Registry.GetOrCreate", domain.ErrActorStopped, "registry closed")
	}
	if a, ok := r.actors[agentID]; ok {
		r.mu.Unlock()
		return a, nil
	}
	a := newActor(*cfg, r.deps.Repo, r.deps.Runner, r.deps.Bus, r, r.deps.Options, r.deps.Metrics, r.logger)
	restored, wasRetired := r.retired[agentID]
	if wasRetired {
		a.adoptChannels(restored)
		delete(r.retired, agentID)
	}
	r.actors[agentID] = a
	a.Start(ctx)
	r.mu.Unlock()

	r.logger.Info("actor created", "agent_id", agentID, "restored_channels", len(restored))
	return a, nil
}

// RetireIdle stops the actor of agentID if it has been idle since cutoff,
// keeping its channel routes. It reports whether the actor was retired.
func (r *Registry) RetireIdle(agentID string, cutoff time.Time) bool {
	r.mu.Lock()
	a, ok := r.actors[agentID]
	if !ok || !a.retireIfIdle(cutoff) {
		r.mu.Unlock()
		return false
	}
	delete(r.actors, agentID)
	r.retired[agentID] = a.channelList()
	r.mu.Unlock()

	a.Stop()
	r.deps.Metrics.ForgetAgent(agentID)
	r.logger.Info("idle actor retired", "agent_id", agentID)
	return true
}

func (r *Registry) lookup(agentID string) *Actor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actors[agentID]
}

// SubscribeForAgent routes channel to a. The first subscriber of a channel
// subscribes the transport and, if needed, starts the listener.
func (r *Registry) SubscribeForAgent(ctx context.Context, a *Actor, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.NewDomainError("Registry.SubscribeForAgent", domain.ErrActorStopped, "registry closed")
	}

	subs, ok := r.channels[channel]
	if !ok {
		if err := r.deps.Transport.Subscribe(ctx, channel); err != nil {
			return domain.NewDomainError("Registry.SubscribeForAgent", domain.ErrTransport, err.Error())
		}
		subs = make(map[string]struct{})
		r.channels[channel] = subs
		r.logger.Debug("channel subscribed", "channel", channel)
	}
	subs[a.agentID] = struct{}{}

	if !r.listening {
		r.listening = true
		go r.listen()
	}
	return nil
}

// ActivateAgent ensures agentID has a running actor subscribed to topicID
// and announces the agent on the topic the first time.
func (r *Registry) ActivateAgent(ctx context.Context, agentID, topicID string) (*Actor, error) {
	a, err := r.GetOrCreate(ctx, agentID)
	if err != nil {
		return nil, err
	}
	added, err := a.subscribeTopic(ctx, topicID)
	if err != nil {
		return nil, err
	}
	if added {
		r.deps.Bus.PublishAgentJoined(ctx, topicID, agentID)
	}
	return a, nil
}

// Status lists every live actor sorted by agent id.
func (r *Registry) Status() []domain.ActorStatus {
	r.mu.Lock()
	actors := make([]*Actor, 0, len(r.actors))
	for _, a := range r.actors {
		actors = append(actors, a)
	}
	r.mu.Unlock()

	out := make([]domain.ActorStatus, 0, len(actors))
	for _, a := range actors {
		out = append(out, a.Status())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AgentID < out[j].AgentID
	})
	return out
}

// StopAgent stops the actor of agentID and removes its routes. Channels left
// without subscribers are unsubscribed from the transport.
func (r *Registry) StopAgent(ctx context.Context, agentID string) error {
	r.mu.Lock()
	a, ok := r.actors[agentID]
	var channels []string
	switch {
	case ok:
		delete(r.actors, agentID)
		channels = a.channelList()
	default:
		retired, wasRetired := r.retired[agentID]
		if !wasRetired {
			r.mu.Unlock()
			return domain.NewDomainError("Registry.StopAgent", domain.ErrAgentNotFound, agentID)
		}
		delete(r.retired, agentID)
		channels = retired
	}

	var empty []string
	for _, ch := range channels {
		subs := r.channels[ch]
		delete(subs, agentID)
		if len(subs) == 0 {
			delete(r.channels, ch)
			empty = append(empty, ch)
		}
	}
	r.mu.Unlock()

	if a != nil {
		a.Stop()
		r.deps.Metrics.ForgetAgent(agentID)
	}
	if len(empty) > 0 {
		if err := r.deps.Transport.Unsubscribe(ctx, empty...); err != nil {
			r.logger.Warn("unsubscribe failed", "channels", empty, "error", err)
		}
	}
	r.logger.Info("actor stopped", "agent_id", agentID)
	return nil
}

// Close stops every actor and the listener and drops all transport
// subscriptions. The transport itself stays open.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	actors := r.actors
	r.actors = make(map[string]*Actor)
	channels := make([]string, 0, len(r.channels))
	for ch := range r.channels {
		channels = append(channels, ch)
	}
	r.channels = make(map[string]map[string]struct{})
	r.retired = make(map[string][]string)
	listening := r.listening
	r.mu.Unlock()

	for id, a := range actors {
		a.Stop()
		r.deps.Metrics.ForgetAgent(id)
	}
	close(r.quit)
	if listening {
		<-r.listenerDone
	}

	var err error
	if len(channels) > 0 {
		err = r.deps.Transport.Unsubscribe(ctx, channels...)
	}
	r.logger.Info("registry closed", "actors", len(actors), "channels", len(channels))
	return err
}

// listen is the single routing loop. It only decodes and enqueues.
func (r *Registry) listen() {
	defer close(r.listenerDone)
	msgs := r.deps.Transport.Messages()
	for {
		select {
		case <-r.quit:
			return
		case m, ok := <-msgs:
			if !ok {
				r.logger.Warn("transport closed, listener exiting")
				return
			}
			r.route(m)
		}
	}
}

func (r *Registry) route(m domain.TransportMessage) {
	topicID, ok := topic.TopicIDFromChannel(m.Channel)
	if !ok {
		r.logger.Debug("ignoring message on foreign channel", "channel", m.Channel)
		return
	}
	env, err := domain.DecodeEnvelope(m.Payload)
	if err != nil {
		r.deps.Metrics.Dropped("decode")
		r.logger.Warn("undecodable envelope", "channel", m.Channel, "error", err)
		return
	}

	r.mu.Lock()
	subs := r.channels[m.Channel]
	ids := make([]string, 0, len(subs))
	for id := range subs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		if err := r.deliver(id, topicID, env); err != nil {
			r.logger.Warn("delivery failed", "agent_id", id, "channel", m.Channel, "error", err)
		}
	}
}

// deliver queues env for agentID, restarting a retired agent first. An
// actor retired between lookup and enqueue is restarted once.
func (r *Registry) deliver(agentID, topicID string, env domain.Envelope) error {
	for attempt := 0; ; attempt++ {
		a, err := r.routable(agentID)
		if err != nil || a == nil {
			return err
		}
		err = a.OnEvent(topicID, env)
		if err == nil || attempt > 0 || !errors.Is(err, domain.ErrActorStopped) {
			return err
		}
	}
}

// routable returns the live actor of agentID, restarts it when retired, and
// returns nil when the agent was stopped for good.
func (r *Registry) routable(agentID string) (*Actor, error) {
	r.mu.Lock()
	a, live := r.actors[agentID]
	_, retired := r.retired[agentID]
	r.mu.Unlock()
	switch {
	case live:
		return a, nil
	case retired:
		return r.GetOrCreate(context.Background(), agentID)
	default:
		return nil, nil
	}
}
