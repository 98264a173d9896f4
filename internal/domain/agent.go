package domain

import "time"

// TriggerMode controls when an agent replies in a group topic.
type TriggerMode string

const (
	// TriggerMention replies only when the agent is mentioned.
	TriggerMention TriggerMode = "mention"
	// TriggerAlways replies to every message of the topics it is subscribed to.
	TriggerAlways TriggerMode = "always"
)

// AgentConfig describes an agent row owned by the repository.
type AgentConfig struct {
	ID            string      `json:"id"             yaml:"id"`
	Name          string      `json:"name"           yaml:"name"`
	Model         string      `json:"model"          yaml:"model"`
	Provider      string      `json:"provider"       yaml:"provider"`
	Persona       string      `json:"persona"        yaml:"persona"`
	TriggerMode   TriggerMode `json:"trigger_mode"   yaml:"trigger_mode"`
	MaxIterations int         `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	Tools         []string    `json:"tools,omitempty"          yaml:"tools,omitempty"`
}

// HasLLM reports whether a model is configured for the agent.
func (a AgentConfig) HasLLM() bool { return a.Model != "" }

// ActorState is the lifecycle state of an actor.
type ActorState string

const (
	ActorCreated ActorState = "created"
	ActorRunning ActorState = "running"
	ActorStopped ActorState = "stopped"
)

// ActorStatus is a read-only snapshot of a live actor.
type ActorStatus struct {
	AgentID      string     `json:"agent_id"`
	State        ActorState `json:"state"`
	MailboxDepth int        `json:"mailbox_depth"`
	Processed    uint64     `json:"processed"`
	Dropped      uint64     `json:"dropped"`
	Channels     []string   `json:"channels"`
	LastActivity time.Time  `json:"last_activity"`
}
