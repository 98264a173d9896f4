package domain

import "context"

// Repository is the persistence collaborator for agents, topics and messages.
type Repository interface {
	FindAgentConfig(ctx context.Context, agentID string) (*AgentConfig, error)
	// PersistMessage stores the draft and returns the stored message with its
	// assigned id and timestamp.
	PersistMessage(ctx context.Context, draft NewMessageDraft) (*Message, error)
	GetParticipants(ctx context.Context, topicID string) ([]Participant, error)
	GetTopic(ctx context.Context, topicID string) (*Topic, error)
	// RecentMessages returns up to limit messages of the topic, oldest first.
	RecentMessages(ctx context.Context, topicID string, limit int) ([]Message, error)
	// MessagesUpTo returns up to limit messages of the topic ending with
	// messageID, oldest first. An unknown messageID is ErrNotFound.
	MessagesUpTo(ctx context.Context, topicID, messageID string, limit int) ([]Message, error)
}

// TokenCounter estimates the prompt size of a conversation.
type TokenCounter interface {
	CountTokens(text string) int
	CountMessages(msgs []ChatMessage) int
}

// StepObserver receives every step append or update of an iteration. It is
// called synchronously; panics are recovered by the caller.
type StepObserver interface {
	OnStep(ctx context.Context, snapshot IterationSnapshot, step ProcessStep)
}

// StepObserverFunc adapts a function to StepObserver.
type StepObserverFunc func(ctx context.Context, snapshot IterationSnapshot, step ProcessStep)

func (f StepObserverFunc) OnStep(ctx context.Context, snapshot IterationSnapshot, step ProcessStep) {
	f(ctx, snapshot, step)
}

// IterationSnapshot is a read-only view of an iteration handed to observers.
type IterationSnapshot struct {
	RunID         string
	AgentID       string
	TopicID       string
	Phase         Phase
	Iteration     int
	MaxIterations int
	IsComplete    bool
	IsInterrupted bool
}

// TransportMessage is a raw payload received on a channel.
type TransportMessage struct {
	Channel string
	Payload []byte
}

// Transport is the pub/sub substrate under the topic bus.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	// Messages delivers every payload published on a subscribed channel. The
	// channel is closed by Close.
	Messages() <-chan TransportMessage
	Close() error
}
