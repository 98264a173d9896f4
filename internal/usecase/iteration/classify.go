package iteration

import "parley/internal/domain"

// Classify maps an inbound message to its kind.
func Classify(msg *domain.NewMessage) domain.MessageKind {
	if msg == nil || msg.SenderType != domain.SenderAgent {
		return domain.KindUserNewMessage
	}
	if msg.Ext.ChainAppend || msg.Ext.AutoTrigger {
		return domain.KindAgentChainedMessage
	}
	if msg.Ext.ToolCall != nil && msg.Ext.ToolCall.Name != "" {
		return domain.KindAgentToolCallRequest
	}
	return domain.KindUserNewMessage
}

// isSelfChain reports a chained message that came back to its own author.
func isSelfChain(kind domain.MessageKind, msg *domain.NewMessage, agentID string) bool {
	return kind == domain.KindAgentChainedMessage && msg.SenderID == agentID
}
