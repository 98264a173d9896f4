package iteration

import (
	"log/slog"

	"github.com/pkoukk/tiktoken-go"

	"parley/internal/domain"
)

// DefaultEncoding is the BPE used to size prompts.
const DefaultEncoding = "cl100k_base"

// Per-message framing overhead, as counted for chat completions.
const (
	tokensPerMessage = 4
	tokensPriming    = 3
)

// TiktokenCounter counts tokens with a tiktoken encoding. A zero value, or
// one whose encoding failed to load, estimates four bytes per token.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

var _ domain.TokenCounter = (*TiktokenCounter)(nil)

// NewTiktokenCounter loads encoding. Load failures are logged and the
// counter falls back to the estimate.
func NewTiktokenCounter(encoding string, logger *slog.Logger) *TiktokenCounter {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		logger.Warn("tiktoken encoding unavailable, estimating token counts", "encoding", encoding, "error", err)
		return &TiktokenCounter{}
	}
	return &TiktokenCounter{enc: enc}
}

func (c *TiktokenCounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}
	if c == nil || c.enc == nil {
		return (len(text) + 3) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}

func (c *TiktokenCounter) CountMessages(msgs []domain.ChatMessage) int {
	total := tokensPriming
	for _, m := range msgs {
		total += tokensPerMessage
		total += c.CountTokens(m.Role)
		total += c.CountTokens(m.Content)
		total += c.CountTokens(m.Name)
	}
	return total
}

// trimToBudget drops the oldest messages until the rest fit in budget. The
// newest message is always kept. A zero budget or nil counter keeps all.
func trimToBudget(msgs []domain.ChatMessage, budget int, counter domain.TokenCounter) []domain.ChatMessage {
	if budget <= 0 || counter == nil {
		return msgs
	}
	for len(msgs) > 1 && counter.CountMessages(msgs) > budget {
		msgs = msgs[1:]
	}
	return msgs
}

// toChatHistory converts stored messages into the agent's view: its own
// messages are assistant turns, everyone else speaks as a named user.
func toChatHistory(msgs []domain.Message, agentID string) []domain.ChatMessage {
	out := make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		cm := domain.ChatMessage{Content: m.Content, Name: m.SenderID}
		switch {
		case m.SenderID == agentID:
			cm.Role = domain.RoleAssistant
			cm.Name = ""
		case m.SenderType == domain.SenderSystem:
			cm.Role = domain.RoleSystem
		default:
			cm.Role = domain.RoleUser
		}
		out = append(out, cm)
	}
	return out
}
