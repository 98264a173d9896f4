package domain

import "time"

// Phase names a stage of the per-event iteration state machine.
type Phase string

const (
	PhaseInit           Phase = "INIT"
	PhaseLoadLLMTool    Phase = "LOAD_LLM_TOOL"
	PhasePrepareContext Phase = "PREPARE_CONTEXT"
	PhaseMsgClassify    Phase = "MSG_CLASSIFY"
	PhaseMsgDeal        Phase = "MSG_DEAL"
	PhaseMCPCall        Phase = "MCP_CALL"
	PhaseComplete       Phase = "COMPLETE"
	PhaseInterrupted    Phase = "INTERRUPTED"
)

// StepStatus is the state of a single process step.
type StepStatus string

const (
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepError     StepStatus = "error"
)

// ProcessStep is one observable unit of work inside an iteration.
type ProcessStep struct {
	Type      string         `json:"type"`
	Thinking  string         `json:"thinking,omitempty"`
	Status    StepStatus     `json:"status"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// MessageKind is the classification of an inbound message.
type MessageKind string

const (
	KindUserNewMessage       MessageKind = "user_new_message"
	KindAgentChainedMessage  MessageKind = "agent_chained_message"
	KindAgentToolCallRequest MessageKind = "agent_tool_call_request"
	KindToolResultMessage    MessageKind = "tool_result_message"
)

// DecisionAction is what the LLM wants to do next.
type DecisionAction string

const (
	DecisionContinue DecisionAction = "continue"
	DecisionComplete DecisionAction = "complete"
	DecisionError    DecisionAction = "error"
)
