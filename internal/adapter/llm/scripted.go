package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"parley/internal/domain"
)

// ScriptedProvider replays canned replies in order and repeats the last one
// once the script runs out. It lets a deployment run without API keys and
// backs the adapter tests.
type ScriptedProvider struct {
	name string

	mu      sync.Mutex
	replies []string
	next    int
	calls   []domain.ChatRequest
}

// NewScriptedProvider returns a provider that answers with replies.
func NewScriptedProvider(name string, replies ...string) *ScriptedProvider {
	return &ScriptedProvider{name: name, replies: replies}
}

// Chat implements domain.LLMProvider.
func (p *ScriptedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls = append(p.calls, req)
	var content string
	switch {
	case len(p.replies) == 0:
		content = echoReply(req)
	case p.next < len(p.replies):
		content = p.replies[p.next]
		p.next++
	default:
		content = p.replies[len(p.replies)-1]
	}
	return &domain.ChatResponse{
		ID:      fmt.Sprintf("%s-%d", p.name, len(p.calls)),
		Model:   req.Model,
		Message: domain.ChatMessage{Role: domain.RoleAssistant, Content: content},
	}, nil
}

// Name implements domain.LLMProvider.
func (p *ScriptedProvider) Name() string { return p.name }

// Calls returns the requests seen so far.
func (p *ScriptedProvider) Calls() []domain.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.ChatRequest(nil), p.calls...)
}

// echoReply completes with the last user turn quoted back.
func echoReply(req domain.ChatRequest) string {
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			last = req.Messages[i].Content
			break
		}
	}
	out, _ := json.Marshal(map[string]string{
		"action":  string(domain.DecisionComplete),
		"content": "echo: " + strings.TrimSpace(last),
	})
	return string(out)
}

var _ domain.LLMProvider = (*ScriptedProvider)(nil)
