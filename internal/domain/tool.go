package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolSchema describes a tool for the LLM function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Spec parses Parameters into a ParamSpec tree. An empty schema yields an
// object spec without properties.
func (s ToolSchema) Spec() (*ParamSpec, error) {
	if len(s.Parameters) == 0 || string(s.Parameters) == "null" {
		return &ParamSpec{Type: "object"}, nil
	}
	var spec ParamSpec
	if err := json.Unmarshal(s.Parameters, &spec); err != nil {
		return nil, NewDomainError("ToolSchema.Spec", ErrInvalidInput, fmt.Sprintf("%s: %v", s.Name, err))
	}
	if spec.Type == "" {
		spec.Type = "object"
	}
	return &spec, nil
}

// ParamSpec is the subset of JSON Schema the argument extractor understands.
type ParamSpec struct {
	Type        string                `json:"type,omitempty"`
	Description string                `json:"description,omitempty"`
	Enum        []any                 `json:"enum,omitempty"`
	Items       *ParamSpec            `json:"items,omitempty"`
	Properties  map[string]*ParamSpec `json:"properties,omitempty"`
	Required    []string              `json:"required,omitempty"`
	Default     any                   `json:"default,omitempty"`

	// HasDefault distinguishes an explicit "default": null from no default.
	HasDefault bool `json:"-"`
}

// UnmarshalJSON accepts "type" as a string or a list of strings (first
// non-null entry wins) and records whether a default was present.
func (p *ParamSpec) UnmarshalJSON(data []byte) error {
	type alias ParamSpec
	aux := struct {
		Type json.RawMessage `json:"type,omitempty"`
		*alias
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	_, p.HasDefault = probe["default"]

	p.Type = ""
	if len(aux.Type) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(aux.Type, &single); err == nil {
		p.Type = single
		return nil
	}
	var many []string
	if err := json.Unmarshal(aux.Type, &many); err != nil {
		return fmt.Errorf("type: %w", err)
	}
	for _, t := range many {
		if t != "null" {
			p.Type = t
			break
		}
	}
	return nil
}

// IsRequired reports whether name is in the required list.
func (p *ParamSpec) IsRequired(name string) bool {
	for _, r := range p.Required {
		if r == name {
			return true
		}
	}
	return false
}

// ToolResult is the outcome of executing a tool.
type ToolResult struct {
	Content string     `json:"content"`
	IsError bool       `json:"is_error"`
	Media   []MediaRef `json:"media,omitempty"`
}

// ToolInvoker executes a named tool with validated arguments.
type ToolInvoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]any) (*ToolResult, error)
}

// ToolCatalog exposes the tool schemas available to agents.
type ToolCatalog interface {
	// Schemas returns the schemas the agent may call. Agents without an
	// allowlist get none.
	Schemas(agentID string) []ToolSchema
	// Lookup returns the schema registered under name.
	Lookup(name string) (ToolSchema, bool)
}

// ArgumentValidator is optionally implemented by a ToolCatalog to check
// arguments against the tool's schema before invocation.
type ArgumentValidator interface {
	ValidateArguments(toolName string, args map[string]any) error
}
