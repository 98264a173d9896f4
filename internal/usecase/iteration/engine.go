package iteration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"parley/internal/domain"
	"parley/internal/infra/idgen"
	"parley/internal/infra/metrics"
	"parley/internal/infra/tracer"
	"parley/internal/usecase/argextract"
)

const defaultMaxIterations = 10

// errTerminal stops the phase sequence once a terminal flag is set.
var errTerminal = errors.New("iteration already terminal")

// ArgumentExtractor builds tool arguments from free text.
type ArgumentExtractor interface {
	Extract(ctx context.Context, schema domain.ToolSchema, text string, media []domain.MediaRef) (map[string]any, error)
}

// Deps holds the collaborators of the engine. Tools, Invoker, Extractor and
// Counter are optional.
type Deps struct {
	Repo      domain.Repository
	Decider   domain.Decider
	Tools     domain.ToolCatalog
	Invoker   domain.ToolInvoker
	Extractor ArgumentExtractor
	Counter   domain.TokenCounter
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	MaxIterations int
	HistoryLimit  int
	TokenBudget   int
}

// Engine drives iteration contexts. It keeps no per-event state and may be
// shared by every actor.
type Engine struct {
	deps Deps
}

// NewEngine creates an Engine.
func NewEngine(deps Deps) *Engine {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = defaultMaxIterations
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Engine{deps: deps}
}

// Request is one inbound event handed to the engine by an actor.
type Request struct {
	AgentID string
	TopicID string
	Message *domain.NewMessage
	// Agent and Topic are the actor's cached rows; nil means load them.
	Agent    *domain.AgentConfig
	Topic    *domain.Topic
	Observer domain.StepObserver
}

// run carries what the phases share beyond the public Context.
type run struct {
	ic      *Context
	req     Request
	agent   domain.AgentConfig
	topic   domain.Topic
	tools   []domain.ToolSchema
	history []domain.ChatMessage
}

// Run processes req to a terminal state. The returned Context is never nil.
// The error is non-nil when the context was interrupted: decision failures,
// unexpected phase failures and the iteration bound.
func (e *Engine) Run(ctx context.Context, req Request) (*Context, error) {
	runID := idgen.New()
	ctx = domain.ContextWithAgentID(ctx, req.AgentID)
	ctx = domain.ContextWithRunID(ctx, runID)
	ctx, span := tracer.StartSpan(ctx, "iteration.run",
		trace.WithAttributes(
			tracer.StringAttr("agent.id", req.AgentID),
			tracer.StringAttr("topic.id", req.TopicID),
			tracer.StringAttr("run.id", runID),
		),
	)

	r := &run{
		ic:  newContext(runID, req.AgentID, req.TopicID, e.deps.MaxIterations, req.Observer, e.deps.Logger),
		req: req,
	}
	e.execute(ctx, r)

	ic := r.ic
	span.SetAttributes(
		tracer.IntAttr("iteration.count", ic.Iteration),
		tracer.BoolAttr("iteration.complete", ic.IsComplete),
	)
	tracer.End(span, ic.Err)
	e.deps.Metrics.IterationFinished(outcome(ic))
	return ic, ic.Err
}

func (e *Engine) execute(ctx context.Context, r *run) {
	ic := r.ic
	defer func() {
		if rec := recover(); rec != nil {
			ic.interrupt(ctx, fmt.Errorf("iteration panicked: %v", rec))
		}
	}()

	if r.req.Message == nil {
		ic.interrupt(ctx, domain.NewDomainError("Iteration.Run", domain.ErrInvalidInput, "no message"))
		return
	}

	phases := []struct {
		phase    domain.Phase
		thinking string
		fn       func(context.Context, *run) error
	}{
		{domain.PhaseInit, "event received", func(context.Context, *run) error { return nil }},
		{domain.PhaseLoadLLMTool, "loading agent and tools", e.loadLLMTool},
		{domain.PhasePrepareContext, "loading history", e.prepareContext},
		{domain.PhaseMsgClassify, "classifying message", e.classify},
	}
	for _, p := range phases {
		if err := e.runPhase(ctx, ic, p.phase, p.thinking, func(ctx context.Context) error { return p.fn(ctx, r) }); err != nil {
			e.fail(ctx, ic, err)
			return
		}
		if ic.Skipped {
			ic.complete(ctx, "own chained message, skipped")
			return
		}
	}

	e.loop(ctx, r)
}

// loop alternates MSG_DEAL and MCP_CALL until a terminal state.
func (e *Engine) loop(ctx context.Context, r *run) {
	ic := r.ic
	for !ic.Done() {
		if ic.PendingTool != nil {
			call := *ic.PendingTool
			ic.PendingTool = nil
			failed, err := e.callTool(ctx, r, call)
			if err != nil {
				e.fail(ctx, ic, err)
				return
			}
			if failed {
				ic.complete(ctx, "tool failed, reply sent without further decisions")
				return
			}
		}

		var decision *domain.Decision
		err := e.runPhase(ctx, ic, domain.PhaseMsgDeal, "asking the model", func(ctx context.Context) error {
			d, err := e.decide(ctx, r)
			decision = d
			return err
		})
		if err != nil {
			e.fail(ctx, ic, err)
			return
		}

		if decision.Action == domain.DecisionComplete {
			ic.Content = decision.Content
			ic.Media = decision.Media
			ic.complete(ctx, "model completed")
			return
		}

		ic.Decision = domain.DecisionContinue
		if decision.Content != "" {
			r.history = append(r.history, domain.ChatMessage{Role: domain.RoleAssistant, Content: decision.Content})
		}
		ic.Iteration++
		if ic.Iteration >= ic.MaxIterations {
			ic.interrupt(ctx, domain.NewDomainError("Iteration.Run", domain.ErrMaxIterations,
				fmt.Sprintf("%d iterations", ic.MaxIterations)))
			return
		}
		if decision.ToolCall != nil {
			call := *decision.ToolCall
			ic.PendingTool = &call
		}
	}
}

// runPhase enters phase, runs fn under recover and closes the step.
func (e *Engine) runPhase(ctx context.Context, ic *Context, phase domain.Phase, thinking string, fn func(context.Context) error) (err error) {
	if !ic.enter(ctx, phase, thinking) {
		return errTerminal
	}
	ctx, span := tracer.StartSpan(ctx, "iteration."+strings.ToLower(string(phase)),
		trace.WithAttributes(tracer.IntAttr("iteration", ic.Iteration)),
	)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("phase %s panicked: %v", phase, rec)
		}
		if err != nil {
			ic.closeStep(ctx, domain.StepError, map[string]any{"error": err.Error()})
		} else {
			ic.closeStep(ctx, domain.StepCompleted, nil)
		}
		tracer.End(span, err)
	}()
	return fn(ctx)
}

// fail interrupts the context unless it is already terminal.
func (e *Engine) fail(ctx context.Context, ic *Context, err error) {
	if errors.Is(err, errTerminal) {
		return
	}
	e.deps.Logger.Warn("iteration interrupted",
		"run_id", ic.RunID,
		"agent_id", ic.AgentID,
		"topic_id", ic.TopicID,
		"phase", string(ic.Phase),
		"error", err,
	)
	ic.interrupt(ctx, err)
}

func (e *Engine) loadLLMTool(ctx context.Context, r *run) error {
	if r.req.Agent != nil {
		r.agent = *r.req.Agent
	} else {
		a, err := e.deps.Repo.FindAgentConfig(ctx, r.req.AgentID)
		if err != nil {
			return domain.WrapOp("load agent", err)
		}
		r.agent = *a
	}
	if r.req.Topic != nil {
		r.topic = *r.req.Topic
	} else {
		t, err := e.deps.Repo.GetTopic(ctx, r.req.TopicID)
		if err != nil {
			return domain.WrapOp("load topic", err)
		}
		r.topic = *t
	}
	if r.agent.MaxIterations > 0 {
		r.ic.MaxIterations = r.agent.MaxIterations
	}
	if e.deps.Tools != nil {
		r.tools = e.deps.Tools.Schemas(r.req.AgentID)
	}
	r.ic.annotate(map[string]any{"model": r.agent.Model, "tools": len(r.tools)})
	return nil
}

// prepareContext loads the conversation as it stood when the trigger was
// sent. The trigger is always the last turn, so trimming never drops it.
func (e *Engine) prepareContext(ctx context.Context, r *run) error {
	trigger := r.req.Message
	msgs, err := e.historyUpTo(ctx, r.req.TopicID, trigger)
	if err != nil {
		return domain.WrapOp("load history", err)
	}
	if trigger != nil && (len(msgs) == 0 || msgs[len(msgs)-1].ID != trigger.MessageID) {
		msgs = append(msgs, domain.Message{
			ID:         trigger.MessageID,
			TopicID:    trigger.TopicID,
			SenderID:   trigger.SenderID,
			SenderType: trigger.SenderType,
			Content:    trigger.Content,
			Role:       trigger.Role,
			CreatedAt:  trigger.Timestamp,
		})
	}
	history := toChatHistory(msgs, r.req.AgentID)
	r.history = trimToBudget(history, e.deps.TokenBudget, e.deps.Counter)
	r.ic.annotate(map[string]any{"history": len(r.history), "dropped": len(history) - len(r.history)})
	return nil
}

// historyUpTo returns the topic history ending at trigger. Messages persisted
// after it belong to later events. A trigger the repository does not know
// falls back to recent history cut at the trigger's timestamp.
func (e *Engine) historyUpTo(ctx context.Context, topicID string, trigger *domain.NewMessage) ([]domain.Message, error) {
	if trigger != nil && trigger.MessageID != "" {
		msgs, err := e.deps.Repo.MessagesUpTo(ctx, topicID, trigger.MessageID, e.deps.HistoryLimit)
		if err == nil {
			return msgs, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	msgs, err := e.deps.Repo.RecentMessages(ctx, topicID, e.deps.HistoryLimit)
	if err != nil || trigger == nil || trigger.Timestamp.IsZero() {
		return msgs, err
	}
	cut := len(msgs)
	for cut > 0 && msgs[cut-1].CreatedAt.After(trigger.Timestamp) {
		cut--
	}
	return msgs[:cut], nil
}

func (e *Engine) classify(_ context.Context, r *run) error {
	msg := r.req.Message
	kind := Classify(msg)
	r.ic.Kind = kind
	r.ic.annotate(map[string]any{"kind": string(kind)})

	switch {
	case isSelfChain(kind, msg, r.req.AgentID):
		r.ic.Skipped = true
	case kind == domain.KindAgentToolCallRequest:
		call := *msg.Ext.ToolCall
		if call.Input == "" && len(call.Arguments) == 0 {
			call.Input = msg.Content
		}
		r.ic.PendingTool = &call
	}
	return nil
}

func (e *Engine) decide(ctx context.Context, r *run) (*domain.Decision, error) {
	if e.deps.Decider == nil {
		return nil, domain.NewDomainError("Iteration.Decide", domain.ErrDecision, "no decider configured")
	}
	d, err := e.deps.Decider.Decide(ctx, domain.DecideRequest{
		Agent:       r.agent,
		Topic:       r.topic,
		RunID:       r.ic.RunID,
		Iteration:   r.ic.Iteration,
		Kind:        r.ic.Kind,
		Trigger:     r.req.Message,
		History:     r.history,
		Tools:       r.tools,
		ToolResults: r.ic.ToolResults,
	})
	if err != nil {
		if errors.Is(err, domain.ErrDecision) {
			return nil, err
		}
		return nil, domain.NewDomainError("Iteration.Decide", domain.ErrDecision, err.Error())
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	r.ic.annotate(map[string]any{"action": string(d.Action)})
	if d.Thinking != "" {
		r.ic.Steps[len(r.ic.Steps)-1].Thinking = d.Thinking
	}
	return d, nil
}

// callTool runs one MCP_CALL phase. failed is true when the tool could not
// be run or reported an error; the reply is then already set on the context.
// err is reserved for failures of the phase itself.
func (e *Engine) callTool(ctx context.Context, r *run, call domain.ToolCallRequest) (failed bool, err error) {
	ic := r.ic
	var toolErr error
	err = e.runPhase(ctx, ic, domain.PhaseMCPCall, "calling "+call.Name, func(ctx context.Context) error {
		ic.annotate(map[string]any{"tool": call.Name})
		res, err := e.invoke(ctx, r, call)
		if err != nil {
			toolErr = err
			return err
		}
		ic.ToolResults = append(ic.ToolResults, domain.ToolOutcome{Call: call, Result: *res})
		ic.annotate(map[string]any{"result_bytes": len(res.Content)})
		if len(res.Media) > 0 {
			ic.Media = append(ic.Media, res.Media...)
		}
		return nil
	})
	if toolErr != nil {
		ic.Content = fmt.Sprintf("tool %s failed: %s", call.Name, toolErr.Error())
		e.deps.Logger.Warn("tool call failed",
			"run_id", ic.RunID,
			"agent_id", ic.AgentID,
			"tool", call.Name,
			"error", toolErr,
		)
		return true, nil
	}
	return false, err
}

func (e *Engine) invoke(ctx context.Context, r *run, call domain.ToolCallRequest) (*domain.ToolResult, error) {
	if e.deps.Invoker == nil || e.deps.Tools == nil {
		return nil, domain.NewDomainError("Iteration.MCPCall", domain.ErrToolNotFound, "no tools configured")
	}
	schema, ok := findSchema(r.tools, call.Name)
	if !ok {
		return nil, domain.NewDomainError("Iteration.MCPCall", domain.ErrToolNotFound, call.Name)
	}

	args, err := e.arguments(ctx, r, schema, call)
	if err != nil {
		return nil, err
	}
	if v, ok := e.deps.Tools.(domain.ArgumentValidator); ok {
		if err := v.ValidateArguments(call.Name, args); err != nil {
			return nil, err
		}
	}

	res, err := e.deps.Invoker.Invoke(ctx, call.Name, args)
	if err != nil {
		return nil, domain.NewDomainError("Iteration.MCPCall", domain.ErrToolFailure, err.Error())
	}
	if res == nil {
		return nil, domain.NewDomainError("Iteration.MCPCall", domain.ErrToolFailure, "empty result")
	}
	if res.IsError {
		return nil, domain.NewDomainError("Iteration.MCPCall", domain.ErrToolFailure, res.Content)
	}
	return res, nil
}

// arguments converts explicit arguments against the schema, or extracts
// them from the call input or the triggering message.
func (e *Engine) arguments(ctx context.Context, r *run, schema domain.ToolSchema, call domain.ToolCallRequest) (map[string]any, error) {
	if len(call.Arguments) > 0 {
		spec, err := schema.Spec()
		if err != nil {
			return nil, err
		}
		return argextract.Convert(spec, call.Arguments), nil
	}
	if e.deps.Extractor == nil {
		return map[string]any{}, nil
	}
	text := call.Input
	if text == "" {
		text = r.req.Message.Content
	}
	return e.deps.Extractor.Extract(ctx, schema, text, r.req.Message.Ext.Media)
}

func findSchema(tools []domain.ToolSchema, name string) (domain.ToolSchema, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return domain.ToolSchema{}, false
}

func outcome(ic *Context) string {
	switch {
	case ic.Skipped:
		return "skipped"
	case ic.IsComplete:
		return "complete"
	case errors.Is(ic.Err, domain.ErrMaxIterations):
		return "bound"
	case errors.Is(ic.Err, domain.ErrDecision):
		return "decision_error"
	default:
		return "interrupted"
	}
}
