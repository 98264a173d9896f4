package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	oaioption "github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"go.opentelemetry.io/otel/trace"

	"parley/internal/domain"
	"parley/internal/infra/config"
	"parley/internal/infra/tracer"
)

const openAIAPIBase = "https://api.openai.com/v1"

// OpenAIProvider implements domain.LLMProvider for any OpenAI-compatible
// chat completions API.
type OpenAIProvider struct {
	name        string
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	client      openai.Client
	logger      *slog.Logger
}

// NewOpenAIProvider creates a provider from its config entry.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	opts := []oaioption.RequestOption{
		oaioption.WithBaseURL(normalizeBaseURL(cfg.BaseURL, openAIAPIBase, "/chat/completions")),
		oaioption.WithMaxRetries(2),
	}
	if cfg.APIKey != "" {
		opts = append(opts, oaioption.WithAPIKey(cfg.APIKey))
	}
	return &OpenAIProvider{
		name:        cfg.Name,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		timeout:     cfg.Timeout,
		client:      openai.NewClient(opts...),
		logger:      logger,
	}
}

// Chat implements domain.LLMProvider.
func (p *OpenAIProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
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

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: toOpenAIMessages(req.Messages),
	}
	if n := firstPositive(req.MaxTokens, p.maxTokens); n > 0 {
		params.MaxTokens = openai.Int(int64(n))
	}
	if t := firstNonZero(req.Temperature, p.temperature); t != 0 {
		params.Temperature = openai.Float(t)
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, domain.WrapOp("openai.Chat", err)
	}
	if len(resp.Choices) == 0 {
		err := fmt.Errorf("provider %q returned no choices", p.name)
		tracer.RecordError(span, err)
		return nil, err
	}

	p.logger.Debug("llm response",
		"provider", p.name,
		"model", resp.Model,
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	tracer.SetOK(span)

	return &domain.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Message: domain.ChatMessage{
			Role:    domain.RoleAssistant,
			Content: resp.Choices[0].Message.Content,
		},
		Usage: domain.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// Name implements domain.LLMProvider.
func (p *OpenAIProvider) Name() string { return p.name }

func toOpenAIMessages(msgs []domain.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case domain.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case domain.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			// Tool output travels as user text; decisions are plain JSON.
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// normalizeBaseURL trims a trailing endpoint path from a configured base URL
// so both "https://host/v1" and "https://host/v1/chat/completions" work.
func normalizeBaseURL(raw, defaultBase string, suffixes ...string) string {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		return defaultBase
	}
	for _, s := range suffixes {
		if strings.HasSuffix(base, s) {
			base = strings.TrimRight(strings.TrimSuffix(base, s), "/")
			break
		}
	}
	if base == "" {
		return defaultBase
	}
	return base
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonZero(vals ...float64) float64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

var _ domain.LLMProvider = (*OpenAIProvider)(nil)
