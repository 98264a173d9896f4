package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"parley/internal/domain"
)

// Wildcard in an agent's allowlist grants every registered tool.
const Wildcard = "*"

// Catalog holds named tools, their compiled parameter schemas and the
// per-agent allowlists. It implements domain.ToolCatalog,
// domain.ArgumentValidator and domain.ToolInvoker.
type Catalog struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	allow   map[string][]string
	logger  *slog.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	return &Catalog{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
		allow:   make(map[string][]string),
		logger:  logger,
	}
}

// Register adds a tool and compiles its parameter schema. A schema that does
// not compile is logged and the tool registers without argument validation.
func (c *Catalog) Register(t Tool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	name := t.Name()
	if _, exists := c.tools[name]; exists {
		return domain.NewDomainError("Catalog.Register", domain.ErrDuplicate, "tool "+name)
	}
	c.tools[name] = t

	compiled, err := compileSchema(name, t.Schema().Parameters)
	if err != nil {
		c.logger.Warn("schema validation disabled for tool", "tool", name, "error", err)
		return nil
	}
	if compiled != nil {
		c.schemas[name] = compiled
	}
	return nil
}

// RegisterAll registers each tool, stopping at the first error.
func (c *Catalog) RegisterAll(tools ...Tool) error {
	for _, t := range tools {
		if err := c.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// Allow sets the tools agentID may call. Agents without an entry get no tools.
func (c *Catalog) Allow(agentID string, names []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allow[agentID] = slices.Clone(names)
}

// Schemas implements domain.ToolCatalog. Unknown names in the allowlist are
// skipped. The result is sorted by name.
func (c *Catalog) Schemas(agentID string) []domain.ToolSchema {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := c.allow[agentID]
	if slices.Contains(names, Wildcard) {
		names = make([]string, 0, len(c.tools))
		for name := range c.tools {
			names = append(names, name)
		}
	}

	out := make([]domain.ToolSchema, 0, len(names))
	for _, name := range names {
		if t, ok := c.tools[name]; ok {
			out = append(out, t.Schema())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup implements domain.ToolCatalog.
func (c *Catalog) Lookup(name string) (domain.ToolSchema, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tools[name]
	if !ok {
		return domain.ToolSchema{}, false
	}
	return t.Schema(), true
}

// Names returns all registered tool names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.tools))
	for name := range c.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateArguments implements domain.ArgumentValidator.
func (c *Catalog) ValidateArguments(toolName string, args map[string]any) error {
	c.mu.RLock()
	_, known := c.tools[toolName]
	schema := c.schemas[toolName]
	c.mu.RUnlock()

	if !known {
		return domain.NewDomainError("Catalog.ValidateArguments", domain.ErrToolNotFound, toolName)
	}
	if schema == nil {
		return nil
	}

	// Round-trip so numbers and nested values have the shapes the validator
	// expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return domain.NewDomainError("Catalog.ValidateArguments", domain.ErrInvalidInput, err.Error())
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.NewDomainError("Catalog.ValidateArguments", domain.ErrInvalidInput, err.Error())
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if err := schema.Validate(doc); err != nil {
		return domain.NewDomainError("Catalog.ValidateArguments", domain.ErrInvalidInput,
			fmt.Sprintf("%s: %v", toolName, err))
	}
	return nil
}

// Invoke implements domain.ToolInvoker.
func (c *Catalog) Invoke(ctx context.Context, name string, args map[string]any) (*domain.ToolResult, error) {
	c.mu.RLock()
	t, ok := c.tools[name]
	c.mu.RUnlock()
	if !ok {
		return nil, domain.NewDomainError("Catalog.Invoke", domain.ErrToolNotFound, name)
	}

	if args == nil {
		args = map[string]any{}
	}
	params, err := json.Marshal(args)
	if err != nil {
		return nil, domain.NewDomainError("Catalog.Invoke", domain.ErrInvalidInput, err.Error())
	}
	return t.Execute(ctx, params)
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}
	return compiled, nil
}

var (
	_ domain.ToolCatalog       = (*Catalog)(nil)
	_ domain.ArgumentValidator = (*Catalog)(nil)
	_ domain.ToolInvoker       = (*Catalog)(nil)
)
