package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of envelope published on a topic channel.
type EventType string

const (
	EventNewMessage      EventType = "new_message"
	EventTopicUpdated    EventType = "topic_updated"
	EventAgentJoined     EventType = "agent_joined"
	EventParticipantLeft EventType = "participant_left"
	EventAgentThinking   EventType = "agent_thinking"
)

// EventPayload is implemented by every envelope variant. The set of variants
// is closed: DecodeEnvelope rejects unknown types.
type EventPayload interface {
	EventType() EventType
	eventPayload()
}

// NewMessage announces a freshly persisted message.
type NewMessage struct {
	MessageID  string     `json:"message_id"`
	TopicID    string     `json:"topic_id"`
	SenderID   string     `json:"sender_id"`
	SenderType SenderType `json:"sender_type"`
	Content    string     `json:"content"`
	Role       string     `json:"role"`
	Mentions   []string   `json:"mentions,omitempty"`
	Ext        MessageExt `json:"ext,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// Mentioned reports whether agentID is in the mention list.
func (m *NewMessage) Mentioned(agentID string) bool {
	for _, id := range m.Mentions {
		if id == agentID {
			return true
		}
	}
	return false
}

// TopicUpdated announces a change of the topic's session type or title.
type TopicUpdated struct {
	TopicID     string      `json:"topic_id"`
	Title       string      `json:"title,omitempty"`
	SessionType SessionType `json:"session_type,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
}

// AgentJoined announces an agent activated on a topic.
type AgentJoined struct {
	TopicID   string    `json:"topic_id"`
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ParticipantLeft announces a user or agent leaving a topic.
type ParticipantLeft struct {
	TopicID         string     `json:"topic_id"`
	ParticipantID   string     `json:"participant_id"`
	ParticipantType SenderType `json:"participant_type"`
	Timestamp       time.Time  `json:"timestamp"`
}

// AgentThinking is a progress ping emitted while an agent works on a reply.
type AgentThinking struct {
	TopicID   string      `json:"topic_id"`
	AgentID   string      `json:"agent_id"`
	RunID     string      `json:"run_id"`
	Step      ProcessStep `json:"step"`
	Timestamp time.Time   `json:"timestamp"`
}

func (*NewMessage) EventType() EventType      { return EventNewMessage }
func (*TopicUpdated) EventType() EventType    { return EventTopicUpdated }
func (*AgentJoined) EventType() EventType     { return EventAgentJoined }
func (*ParticipantLeft) EventType() EventType { return EventParticipantLeft }
func (*AgentThinking) EventType() EventType   { return EventAgentThinking }

func (*NewMessage) eventPayload()      {}
func (*TopicUpdated) eventPayload()    {}
func (*AgentJoined) eventPayload()     {}
func (*ParticipantLeft) eventPayload() {}
func (*AgentThinking) eventPayload()   {}

// Envelope is the immutable unit published on a channel.
type Envelope struct {
	Type    EventType
	Payload EventPayload
}

// NewEnvelope wraps a payload, deriving the type from the variant.
func NewEnvelope(p EventPayload) Envelope {
	return Envelope{Type: p.EventType(), Payload: p}
}

// SenderID returns the id of whoever caused the envelope, or "" for
// lifecycle events without a sender.
func (e Envelope) SenderID() string {
	switch p := e.Payload.(type) {
	case *NewMessage:
		return p.SenderID
	case *AgentThinking:
		return p.AgentID
	case *AgentJoined:
		return p.AgentID
	}
	return ""
}

// AsNewMessage returns the payload when the envelope is a new_message.
func (e Envelope) AsNewMessage() (*NewMessage, bool) {
	m, ok := e.Payload.(*NewMessage)
	return m, ok
}

type wireEnvelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EncodeEnvelope produces the wire form {"type": ..., "data": {...}}.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if e.Payload == nil {
		return nil, NewDomainError("EncodeEnvelope", ErrInvalidInput, "nil payload")
	}
	if e.Type != e.Payload.EventType() {
		return nil, NewDomainError("EncodeEnvelope", ErrInvalidInput,
			fmt.Sprintf("type %q does not match payload %q", e.Type, e.Payload.EventType()))
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return json.Marshal(wireEnvelope{Type: e.Type, Data: data})
}

// DecodeEnvelope parses the wire form into the matching variant.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, NewDomainError("DecodeEnvelope", ErrInvalidInput, err.Error())
	}

	var p EventPayload
	switch w.Type {
	case EventNewMessage:
		p = &NewMessage{}
	case EventTopicUpdated:
		p = &TopicUpdated{}
	case EventAgentJoined:
		p = &AgentJoined{}
	case EventParticipantLeft:
		p = &ParticipantLeft{}
	case EventAgentThinking:
		p = &AgentThinking{}
	default:
		return Envelope{}, NewDomainError("DecodeEnvelope", ErrInvalidInput,
			fmt.Sprintf("unknown event type %q", w.Type))
	}
	if len(w.Data) > 0 {
		if err := json.Unmarshal(w.Data, p); err != nil {
			return Envelope{}, NewDomainError("DecodeEnvelope", ErrInvalidInput,
				fmt.Sprintf("%s payload: %v", w.Type, err))
		}
	}
	return Envelope{Type: w.Type, Payload: p}, nil
}
