package domain

import "time"

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// SenderType tells whether a message was written by a human or an agent.
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

// SessionType is the kind of conversation a topic hosts.
type SessionType string

const (
	// SessionPrivateChat is a 1:1 chat; its agent replies to every message.
	SessionPrivateChat SessionType = "private_chat"
	// SessionGroup is a shared topic; agents reply only when mentioned.
	SessionGroup SessionType = "group"
)

// IsPrivate reports whether the session type requires unconditional replies.
func (s SessionType) IsPrivate() bool { return s == SessionPrivateChat }

// Topic is a named conversation that agents and users participate in.
type Topic struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	SessionType SessionType `json:"session_type"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Participant is a member of a topic.
type Participant struct {
	TopicID  string     `json:"topic_id"`
	ID       string     `json:"id"`
	Type     SenderType `json:"type"`
	JoinedAt time.Time  `json:"joined_at"`
}

// MediaRef points at an attachment stored outside the core.
type MediaRef struct {
	Type string `json:"type,omitempty"` // image, file, audio ...
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// ToolCallRequest is a tool invocation requested by the LLM or carried by a
// relayed agent message.
type ToolCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	// Input is the free text the arguments are extracted from when Arguments
	// is empty.
	Input string `json:"input,omitempty"`
}

// MessageExt carries the optional structured extras of a message.
type MessageExt struct {
	ChainAppend bool             `json:"chain_append,omitempty"`
	AutoTrigger bool             `json:"auto_trigger,omitempty"`
	ToolCall    *ToolCallRequest `json:"tool_call,omitempty"`
	Media       []MediaRef       `json:"media,omitempty"`
	Extra       map[string]any   `json:"extra,omitempty"`
}

// IsZero reports whether no extra field is set.
func (e MessageExt) IsZero() bool {
	return !e.ChainAppend && !e.AutoTrigger && e.ToolCall == nil && len(e.Media) == 0 && len(e.Extra) == 0
}

// Message is a persisted topic message.
type Message struct {
	ID         string     `json:"id"`
	TopicID    string     `json:"topic_id"`
	SenderID   string     `json:"sender_id"`
	SenderType SenderType `json:"sender_type"`
	Content    string     `json:"content"`
	Role       string     `json:"role"`
	Mentions   []string   `json:"mentions,omitempty"`
	Ext        MessageExt `json:"ext,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// NewMessageDraft is the input of Repository.PersistMessage.
type NewMessageDraft struct {
	TopicID    string
	SenderID   string
	SenderType SenderType
	Content    string
	Role       string
	Mentions   []string
	Ext        MessageExt
}

// ChatMessage is a single entry of an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}
