// Package tool hosts the tool catalog and the tool implementations agents
// can call: MCP-backed tools, the topic message tool, and rate limiting
// around invocation.
package tool

import (
	"context"
	"encoding/json"

	"parley/internal/domain"
)

// Tool is a single executable capability.
type Tool interface {
	Name() string
	Description() string
	Schema() domain.ToolSchema
	// Execute runs the tool. Failures the model should see come back as a
	// result with IsError set; a returned error means the call never ran.
	Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error)
}
