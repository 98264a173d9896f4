package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"parley/internal/domain"
	"parley/internal/usecase/topic"
)

// MessageSender is the topic bus operation the message tool needs.
type MessageSender interface {
	SendMessage(ctx context.Context, req topic.SendRequest) (*domain.Message, error)
}

// MessageTool lets an agent post into a topic on its own behalf, either as a
// plain message or as a relay that hands the conversation to another agent.
type MessageTool struct {
	sender MessageSender
	logger *slog.Logger
}

// NewMessageTool creates the topic_message tool.
func NewMessageTool(sender MessageSender, logger *slog.Logger) *MessageTool {
	return &MessageTool{sender: sender, logger: logger}
}

func (t *MessageTool) Name() string { return "topic_message" }
func (t *MessageTool) Description() string {
	return "Post a message into a topic, or relay a request to another agent so it answers in the same topic."
}

func (t *MessageTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"action": {
					"type": "string",
					"enum": ["send", "relay"],
					"description": "send posts content; relay posts content addressed to target_agent",
					"default": "send"
				},
				"topic_id": {"type": "string", "description": "Topic to post into"},
				"content": {"type": "string", "description": "Message text"},
				"target_agent": {"type": "string", "description": "Agent to hand over to (relay only)"}
			},
			"required": ["topic_id", "content"]
		}`),
	}
}

type messageParams struct {
	Action      string `json:"action"`
	TopicID     string `json:"topic_id"`
	Content     string `json:"content"`
	TargetAgent string `json:"target_agent"`
}

func (t *MessageTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.topic_message", t.logger, params,
		func(ctx context.Context, span trace.Span, p messageParams) (any, error) {
			if p.Action == "" {
				p.Action = "send"
			}
			return Dispatch(func(p messageParams) string { return p.Action }, ActionMap[messageParams]{
				"send":  t.handleSend,
				"relay": t.handleRelay,
			})(ctx, span, p)
		},
	)
}

func (t *MessageTool) handleSend(ctx context.Context, p messageParams) (any, error) {
	if err := RequireFields("topic_id", p.TopicID, "content", p.Content); err != nil {
		return nil, err
	}
	msg, err := t.send(ctx, p, nil, domain.MessageExt{})
	if err != nil {
		return nil, err
	}
	return map[string]any{"sent": true, "message_id": msg.ID, "topic_id": msg.TopicID}, nil
}

// handleRelay posts with chain_append and a mention of the target so only
// that agent is triggered in a group topic.
func (t *MessageTool) handleRelay(ctx context.Context, p messageParams) (any, error) {
	if err := RequireFields("topic_id", p.TopicID, "content", p.Content, "target_agent", p.TargetAgent); err != nil {
		return nil, err
	}
	msg, err := t.send(ctx, p, []string{p.TargetAgent}, domain.MessageExt{ChainAppend: true})
	if err != nil {
		return nil, err
	}
	t.logger.Info("message relayed",
		"topic_id", p.TopicID,
		"from", msg.SenderID,
		"to", p.TargetAgent,
	)
	return map[string]any{"relayed": true, "message_id": msg.ID, "target_agent": p.TargetAgent}, nil
}

func (t *MessageTool) send(ctx context.Context, p messageParams, mentions []string, ext domain.MessageExt) (*domain.Message, error) {
	agentID := domain.AgentIDFromContext(ctx)
	if agentID == "" {
		return nil, fmt.Errorf("topic_message needs an acting agent")
	}
	return t.sender.SendMessage(ctx, topic.SendRequest{
		TopicID:    p.TopicID,
		SenderID:   agentID,
		SenderType: domain.SenderAgent,
		Content:    p.Content,
		Role:       domain.RoleAssistant,
		Mentions:   mentions,
		Ext:        ext,
	})
}
