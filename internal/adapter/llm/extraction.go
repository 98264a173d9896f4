package llm

import (
	"context"

	"parley/internal/domain"
)

const extractionPrompt = `You convert free text into tool arguments.
Return only a JSON object matching the parameter description below. Omit
parameters the text does not mention. Do not explain.

Parameters:
`

// ArgumentExtractor implements domain.ArgumentLLM with a chat provider.
type ArgumentExtractor struct {
	provider domain.LLMProvider
	model    string
}

// NewArgumentExtractor returns nil when provider is nil so callers can pass
// the result straight to argextract.New and get the rule-only path.
func NewArgumentExtractor(provider domain.LLMProvider, model string) domain.ArgumentLLM {
	if provider == nil {
		return nil
	}
	return &ArgumentExtractor{provider: provider, model: model}
}

// ExtractArguments implements domain.ArgumentLLM.
func (e *ArgumentExtractor) ExtractArguments(ctx context.Context, schemaDescription, freeText string) (string, error) {
	resp, err := e.provider.Chat(ctx, domain.ChatRequest{
		Model: e.model,
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: extractionPrompt + schemaDescription},
			{Role: domain.RoleUser, Content: freeText},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", domain.WrapOp("ArgumentExtractor.ExtractArguments", err)
	}
	return resp.Message.Content, nil
}
