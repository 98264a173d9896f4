package domain

import "context"

// DecideRequest is the prepared context handed to the LLM collaborator in
// the MSG_DEAL phase.
type DecideRequest struct {
	Agent     AgentConfig
	Topic     Topic
	RunID     string
	Iteration int
	Kind      MessageKind
	Trigger   *NewMessage
	History   []ChatMessage
	Tools     []ToolSchema
	// ToolResults holds the outcomes folded in by earlier MCP_CALL rounds.
	ToolResults []ToolOutcome
}

// ToolOutcome records one executed tool call.
type ToolOutcome struct {
	Call   ToolCallRequest `json:"call"`
	Result ToolResult      `json:"result"`
}

// Decision is the parsed output of one MSG_DEAL round.
type Decision struct {
	Action   DecisionAction   `json:"action"`
	ToolCall *ToolCallRequest `json:"tool_call,omitempty"`
	Content  string           `json:"content,omitempty"`
	Media    []MediaRef       `json:"media,omitempty"`
	Thinking string           `json:"thinking,omitempty"`
}

// Validate rejects decisions the engine cannot act on.
func (d *Decision) Validate() error {
	if d == nil {
		return NewDomainError("Decision.Validate", ErrDecision, "nil decision")
	}
	switch d.Action {
	case DecisionComplete:
		return nil
	case DecisionContinue:
		if d.ToolCall != nil && d.ToolCall.Name == "" {
			return NewDomainError("Decision.Validate", ErrDecision, "tool call without name")
		}
		if d.ToolCall == nil && d.Content == "" {
			return NewDomainError("Decision.Validate", ErrDecision, "continue without tool call or content")
		}
		return nil
	default:
		return NewDomainError("Decision.Validate", ErrDecision, "unknown action "+string(d.Action))
	}
}

// Decider is the LLM collaborator consulted in MSG_DEAL.
type Decider interface {
	Decide(ctx context.Context, req DecideRequest) (*Decision, error)
}

// ArgumentLLM asks a model to turn free text into a JSON argument object.
// An empty result means the model had nothing usable.
type ArgumentLLM interface {
	ExtractArguments(ctx context.Context, schemaDescription, freeText string) (string, error)
}

// LLMProvider is the chat-completion backend the LLM adapters build on.
type LLMProvider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the provider's identifier.
	Name() string
}

// ChatRequest is sent to an LLM provider.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Tools       []ToolSchema  `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

// ChatResponse is returned from an LLM provider.
type ChatResponse struct {
	ID      string      `json:"id"`
	Model   string      `json:"model"`
	Message ChatMessage `json:"message"`
	Usage   Usage       `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
