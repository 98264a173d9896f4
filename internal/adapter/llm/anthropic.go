package llm

import (
	"context"
	"log/slog"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/otel/trace"

	"parley/internal/domain"
	"parley/internal/infra/config"
	"parley/internal/infra/tracer"
)

const (
	anthropicAPIBase          = "https://api.anthropic.com"
	anthropicDefaultMaxTokens = 1024
)

// AnthropicProvider implements domain.LLMProvider for the Anthropic Messages API.
type AnthropicProvider struct {
	name        string
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	client      anthropic.Client
	logger      *slog.Logger
}

// NewAnthropicProvider creates a provider from its config entry.
func NewAnthropicProvider(cfg config.ProviderConfig, logger *slog.Logger) *AnthropicProvider {
	return &AnthropicProvider{
		name:        cfg.Name,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		client: anthropic.NewClient(
			aoption.WithAPIKey(cfg.APIKey),
			aoption.WithBaseURL(normalizeBaseURL(cfg.BaseURL, anthropicAPIBase, "/v1/messages")),
			aoption.WithMaxRetries(2),
		),
		logger: logger,
	}
}

// Chat implements domain.LLMProvider. System messages are joined into the
// top-level system prompt.
func (p *AnthropicProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}
	ctx, span := tracer.StartSpan(ctx, "llm.chat",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	system, msgs := toAnthropicMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(firstPositive(req.MaxTokens, p.maxTokens, anthropicDefaultMaxTokens)),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if t := firstNonZero(req.Temperature, p.temperature); t != 0 {
		params.Temperature = anthropic.Float(t)
	}

	start := time.Now()
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("anthropic.Chat", err)
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			parts = append(parts, block.Text)
		}
	}

	p.logger.Debug("llm response",
		"provider", p.name,
		"model", string(resp.Model),
		"stop_reason", string(resp.StopReason),
		"prompt_tokens", resp.Usage.InputTokens,
		"completion_tokens", resp.Usage.OutputTokens,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	tracer.SetOK(span)

	return &domain.ChatResponse{
		ID:    resp.ID,
		Model: string(resp.Model),
		Message: domain.ChatMessage{
			Role:    domain.RoleAssistant,
			Content: strings.Join(parts, "\n"),
		},
		Usage: domain.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}, nil
}

// Name implements domain.LLMProvider.
func (p *AnthropicProvider) Name() string { return p.name }

// toAnthropicMessages splits out the system prompt and merges consecutive
// same-role turns, which the Messages API rejects.
func toAnthropicMessages(msgs []domain.ChatMessage) (string, []anthropic.MessageParam) {
	var system []string
	var out []anthropic.MessageParam
	lastRole := ""
	var pending []string

	flush := func() {
		if len(pending) == 0 {
			return
		}
		block := anthropic.NewTextBlock(strings.Join(pending, "\n\n"))
		if lastRole == domain.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
		pending = nil
	}

	for _, m := range msgs {
		if m.Role == domain.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := domain.RoleUser
		if m.Role == domain.RoleAssistant {
			role = domain.RoleAssistant
		}
		if role != lastRole {
			flush()
			lastRole = role
		}
		pending = append(pending, m.Content)
	}
	flush()
	return strings.Join(system, "\n\n"), out
}

var _ domain.LLMProvider = (*AnthropicProvider)(nil)
