package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"parley/internal/domain"
	"parley/internal/infra/tracer"
)

// ChatDecider implements domain.Decider on top of a chat-completion provider.
// The model is asked for a single JSON object that maps onto domain.Decision.
type ChatDecider struct {
	providers *Registry
	logger    *slog.Logger
}

// NewChatDecider resolves each agent's provider through providers.
func NewChatDecider(providers *Registry, logger *slog.Logger) *ChatDecider {
	return &ChatDecider{providers: providers, logger: logger}
}

// Decide implements domain.Decider.
func (d *ChatDecider) Decide(ctx context.Context, req domain.DecideRequest) (*domain.Decision, error) {
	ctx, span := tracer.StartSpan(ctx, "llm.decide",
		trace.WithAttributes(
			tracer.StringAttr("agent.id", req.Agent.ID),
			tracer.IntAttr("iteration", req.Iteration),
		),
	)
	var err error
	defer func() { tracer.End(span, err) }()

	provider, err := d.providers.Get(req.Agent.Provider)
	if err != nil {
		return nil, err
	}

	resp, err := provider.Chat(ctx, domain.ChatRequest{
		Model:    req.Agent.Model,
		Messages: BuildDecisionPrompt(req),
	})
	if err != nil {
		return nil, domain.WrapOp("ChatDecider.Decide", err)
	}

	dec, err := ParseDecision(resp.Message.Content)
	if err != nil {
		d.logger.Debug("unparseable decision",
			"agent_id", req.Agent.ID,
			"run_id", req.RunID,
			"content", resp.Message.Content,
		)
		return nil, err
	}
	return dec, nil
}

// BuildDecisionPrompt renders the request as a chat transcript.
func BuildDecisionPrompt(req domain.DecideRequest) []domain.ChatMessage {
	var sb strings.Builder
	if req.Agent.Persona != "" {
		sb.WriteString(strings.TrimSpace(req.Agent.Persona))
		sb.WriteString("\n\n")
	}
	name := req.Agent.Name
	if name == "" {
		name = req.Agent.ID
	}
	fmt.Fprintf(&sb, "You are %s (id %s) taking part in the %s topic %q.\n",
		name, req.Agent.ID, sessionLabel(req.Topic.SessionType), req.Topic.Title)
	if req.Kind == domain.KindAgentChainedMessage {
		sb.WriteString("The latest message was relayed to you by another agent.\n")
	}
	sb.WriteString(decisionProtocol)

	if len(req.Tools) > 0 {
		sb.WriteString("\nAvailable tools:\n")
		for _, t := range req.Tools {
			fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
			if len(t.Parameters) > 0 {
				fmt.Fprintf(&sb, "  parameters: %s\n", string(t.Parameters))
			}
		}
	} else {
		sb.WriteString("\nNo tools are available; always use action \"complete\".\n")
	}

	msgs := make([]domain.ChatMessage, 0, len(req.History)+3)
	msgs = append(msgs, domain.ChatMessage{Role: domain.RoleSystem, Content: sb.String()})
	msgs = append(msgs, req.History...)
	if len(req.History) == 0 && req.Trigger != nil {
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: req.Trigger.Content, Name: req.Trigger.SenderID})
	}
	if len(req.ToolResults) > 0 {
		var tr strings.Builder
		tr.WriteString("Tool results so far:\n")
		for _, o := range req.ToolResults {
			status := "ok"
			if o.Result.IsError {
				status = "error"
			}
			fmt.Fprintf(&tr, "[%s %s] %s\n", o.Call.Name, status, o.Result.Content)
		}
		tr.WriteString("Decide the next step.")
		msgs = append(msgs, domain.ChatMessage{Role: domain.RoleUser, Content: tr.String()})
	}
	return msgs
}

const decisionProtocol = `Answer with exactly one JSON object and nothing else.
To reply: {"action":"complete","content":"<your reply>"}
To call a tool: {"action":"continue","tool_call":{"name":"<tool>","arguments":{...}}}
If you cannot fill the arguments, put the user's words in "input" instead of "arguments".
You may add a short "thinking" field describing your reasoning.
`

func sessionLabel(s domain.SessionType) string {
	if s.IsPrivate() {
		return "private"
	}
	return "group"
}

// ParseDecision decodes model output into a validated decision. Code fences
// and text around the outermost JSON object are ignored.
func ParseDecision(text string) (*domain.Decision, error) {
	raw, ok := outermostObject(text)
	if !ok {
		return nil, domain.NewDomainError("ParseDecision", domain.ErrDecision, "no JSON object in reply")
	}
	var dec domain.Decision
	if err := json.Unmarshal([]byte(raw), &dec); err != nil {
		return nil, domain.NewDomainError("ParseDecision", domain.ErrDecision, err.Error())
	}
	dec.Action = domain.DecisionAction(strings.ToLower(strings.TrimSpace(string(dec.Action))))
	if err := dec.Validate(); err != nil {
		return nil, err
	}
	return &dec, nil
}

func outermostObject(text string) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

var _ domain.Decider = (*ChatDecider)(nil)
