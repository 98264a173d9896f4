// Package argextract turns free text plus a tool schema into a typed
// argument map for the MCP_CALL phase.
package argextract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kaptinlin/jsonschema"

	"parley/internal/domain"
)

// Extractor builds tool arguments, asking an LLM first and falling back to
// name and type heuristics.
type Extractor struct {
	llm    domain.ArgumentLLM
	logger *slog.Logger
}

// New creates an Extractor. llm may be nil, in which case only the rule
// path runs.
func New(llm domain.ArgumentLLM, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{llm: llm, logger: logger}
}

// Extract returns the argument map for schema derived from text and media.
// It only fails when the schema itself cannot be parsed; LLM problems fall
// back silently to the rule path.
func (e *Extractor) Extract(ctx context.Context, schema domain.ToolSchema, text string, media []domain.MediaRef) (map[string]any, error) {
	spec, err := schema.Spec()
	if err != nil {
		return nil, domain.WrapOp("argextract.Extract", err)
	}

	if args, ok := e.fromLLM(ctx, schema, spec, text); ok {
		return args, nil
	}
	return Convert(spec, ByRules(spec, text, media)), nil
}

func (e *Extractor) fromLLM(ctx context.Context, schema domain.ToolSchema, spec *domain.ParamSpec, text string) (map[string]any, bool) {
	if e.llm == nil {
		return nil, false
	}

	raw, err := e.llm.ExtractArguments(ctx, Describe(schema), text)
	if err != nil {
		e.logger.Debug("argument llm failed, using rules", "tool", schema.Name, "error", err)
		return nil, false
	}
	raw = stripCodeFences(raw)
	if raw == "" || raw == "null" {
		e.logger.Debug("argument llm returned nothing, using rules", "tool", schema.Name)
		return nil, false
	}

	var parsed map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil || parsed == nil {
		e.logger.Debug("argument llm returned non-object, using rules", "tool", schema.Name, "error", err)
		return nil, false
	}

	args := Convert(spec, fillDefaults(spec, parsed))
	if err := validateJSONSchema(schema.Parameters, args); err != nil {
		e.logger.Debug("argument llm output rejected by schema, using rules", "tool", schema.Name, "error", err)
		return nil, false
	}
	return args, true
}

// Describe renders the schema as the JSON description handed to the LLM.
func Describe(schema domain.ToolSchema) string {
	params := schema.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object"}`)
	}
	b, err := json.Marshal(struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters"`
	}{schema.Name, schema.Description, params})
	if err != nil {
		return schema.Name
	}
	return string(b)
}

// Convert applies ValidateAndConvert to every declared property present in
// args. Undeclared keys pass through unchanged.
func Convert(spec *domain.ParamSpec, args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if p, ok := spec.Properties[k]; ok {
			out[k] = ValidateAndConvert(v, p)
			continue
		}
		out[k] = v
	}
	return out
}

func fillDefaults(spec *domain.ParamSpec, args map[string]any) map[string]any {
	for name, p := range spec.Properties {
		if _, set := args[name]; !set && p.HasDefault {
			args[name] = p.Default
		}
	}
	return args
}

func validateJSONSchema(schemaBytes json.RawMessage, data map[string]any) error {
	if len(schemaBytes) == 0 || string(schemaBytes) == "null" {
		return nil
	}
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile([]byte(schemaBytes))
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	// Validate the JSON form so Go ints are seen as JSON numbers.
	encoded, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return err
	}
	result := schema.Validate(doc)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}

var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// stripCodeFences removes markdown code fences if the LLM wrapped its output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}
