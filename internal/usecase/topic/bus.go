// Package topic is the sole producer of topic events: it persists messages
// and publishes envelopes on the topic's channel.
package topic

import (
	"context"
	"log/slog"
	"time"

	"parley/internal/domain"
	"parley/internal/infra/metrics"
	"parley/internal/infra/tracer"
)

const channelPrefix = "topic:"

// ChannelName returns the bus channel of a topic. No other code builds
// channel names.
func ChannelName(topicID string) string {
	return channelPrefix + topicID
}

// TopicIDFromChannel is the inverse of ChannelName.
func TopicIDFromChannel(channel string) (string, bool) {
	if len(channel) <= len(channelPrefix) || channel[:len(channelPrefix)] != channelPrefix {
		return "", false
	}
	return channel[len(channelPrefix):], true
}

// SendRequest is the input of SendMessage.
type SendRequest struct {
	TopicID    string
	SenderID   string
	SenderType domain.SenderType
	Content    string
	Role       string
	Mentions   []string
	Ext        domain.MessageExt
}

// Bus persists messages and publishes topic envelopes.
type Bus struct {
	transport domain.Transport
	repo      domain.Repository
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewBus creates a topic bus. m may be nil.
func NewBus(transport domain.Transport, repo domain.Repository, m *metrics.Metrics, logger *slog.Logger) *Bus {
	return &Bus{
		transport: transport,
		repo:      repo,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Publish encodes env and sends it on the topic's channel. Failures are
// logged and swallowed: the write that caused the event already committed.
func (b *Bus) Publish(ctx context.Context, topicID string, env domain.Envelope) {
	channel := ChannelName(topicID)
	data, err := domain.EncodeEnvelope(env)
	if err == nil {
		err = b.transport.Publish(ctx, channel, data)
	}
	if err != nil {
		b.metrics.PublishFailed(string(env.Type))
		b.logger.Warn("topic publish failed",
			"channel", channel,
			"event", string(env.Type),
			"error", err,
		)
	}
}

// SendMessage persists the message and then publishes a new_message
// envelope. When persistence fails nothing is published.
func (b *Bus) SendMessage(ctx context.Context, req SendRequest) (*domain.Message, error) {
	ctx, span := tracer.StartSpan(ctx, "topic.send_message")
	span.SetAttributes(
		tracer.StringAttr("topic.id", req.TopicID),
		tracer.StringAttr("sender.id", req.SenderID),
	)

	if req.TopicID == "" || req.SenderID == "" {
		err := domain.NewDomainError("Topic.SendMessage", domain.ErrInvalidInput, "topic and sender are required")
		tracer.End(span, err)
		return nil, err
	}
	if req.Role == "" {
		req.Role = defaultRole(req.SenderType)
	}

	msg, err := b.repo.PersistMessage(ctx, domain.NewMessageDraft{
		TopicID:    req.TopicID,
		SenderID:   req.SenderID,
		SenderType: req.SenderType,
		Content:    req.Content,
		Role:       req.Role,
		Mentions:   req.Mentions,
		Ext:        req.Ext,
	})
	if err != nil {
		err = domain.NewDomainError("Topic.SendMessage", domain.ErrPersistence, err.Error())
		tracer.End(span, err)
		return nil, err
	}

	b.Publish(ctx, req.TopicID, domain.NewEnvelope(&domain.NewMessage{
		MessageID:  msg.ID,
		TopicID:    msg.TopicID,
		SenderID:   msg.SenderID,
		SenderType: msg.SenderType,
		Content:    msg.Content,
		Role:       msg.Role,
		Mentions:   msg.Mentions,
		Ext:        msg.Ext,
		Timestamp:  b.now(),
	}))
	tracer.End(span, nil)
	return msg, nil
}

// PublishAgentJoined announces an agent activated on a topic.
func (b *Bus) PublishAgentJoined(ctx context.Context, topicID, agentID string) {
	b.Publish(ctx, topicID, domain.NewEnvelope(&domain.AgentJoined{
		TopicID:   topicID,
		AgentID:   agentID,
		Timestamp: b.now(),
	}))
}

// PublishParticipantLeft announces a user or agent leaving a topic.
func (b *Bus) PublishParticipantLeft(ctx context.Context, topicID, participantID string, kind domain.SenderType) {
	b.Publish(ctx, topicID, domain.NewEnvelope(&domain.ParticipantLeft{
		TopicID:         topicID,
		ParticipantID:   participantID,
		ParticipantType: kind,
		Timestamp:       b.now(),
	}))
}

// PublishTopicUpdated announces a title or session type change.
func (b *Bus) PublishTopicUpdated(ctx context.Context, t domain.Topic) {
	b.Publish(ctx, t.ID, domain.NewEnvelope(&domain.TopicUpdated{
		TopicID:     t.ID,
		Title:       t.Title,
		SessionType: t.SessionType,
		Timestamp:   b.now(),
	}))
}

// PublishAgentThinking sends a progress ping for the step being executed.
func (b *Bus) PublishAgentThinking(ctx context.Context, topicID, agentID, runID string, step domain.ProcessStep) {
	b.Publish(ctx, topicID, domain.NewEnvelope(&domain.AgentThinking{
		TopicID:   topicID,
		AgentID:   agentID,
		RunID:     runID,
		Step:      step,
		Timestamp: b.now(),
	}))
}

func defaultRole(t domain.SenderType) string {
	switch t {
	case domain.SenderAgent:
		return domain.RoleAssistant
	case domain.SenderSystem:
		return domain.RoleSystem
	}
	return domain.RoleUser
}
