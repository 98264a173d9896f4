package domain

import "context"

type ctxKey string

const (
	agentCtxKey ctxKey = "agent_id"
	runCtxKey   ctxKey = "run_id"
)

// ContextWithAgentID returns a new context carrying the acting agent's id.
func ContextWithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentCtxKey, agentID)
}

// AgentIDFromContext extracts the agent id from the context.
// Returns empty string if not set.
func AgentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(agentCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithRunID returns a new context carrying the iteration run id (ULID).
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runCtxKey, runID)
}

// RunIDFromContext extracts the iteration run id from the context.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runCtxKey).(string); ok {
		return v
	}
	return ""
}
