package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/trace"

	"parley/internal/domain"
	"parley/internal/infra/tracer"
)

// Execute is the shared tool pipeline: decode params, open a span, run the
// handler, shape the result.
//
// The handler may return a *domain.ToolResult (passed through), a string
// (plain text result), any other value (JSON-encoded), or an error (error
// result, logged at warn).
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.StringAttr("tool.name", spanName)),
	)
	defer span.End()

	var p P
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &p); err != nil {
			tracer.RecordError(span, err)
			return ErrResult("invalid params: %v", err)
		}
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn(spanName+" failed", "agent_id", domain.AgentIDFromContext(ctx), "error", err)
		content := err.Error()
		if isTransient(err) {
			content += " (transient error, may succeed on retry)"
		}
		return &domain.ToolResult{IsError: true, Content: content}, nil
	}
	return formatResult(span, result)
}

func formatResult(span trace.Span, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		if v.IsError {
			tracer.RecordError(span, fmt.Errorf("%s", v.Content))
		} else {
			tracer.SetOK(span)
		}
		return v, nil
	case string:
		tracer.SetOK(span)
		return &domain.ToolResult{Content: v}, nil
	default:
		data, err := json.Marshal(result)
		if err != nil {
			tracer.RecordError(span, err)
			return ErrResult("failed to format response: %v", err)
		}
		tracer.SetOK(span)
		return &domain.ToolResult{Content: string(data)}, nil
	}
}

// ErrResult creates an error ToolResult.
func ErrResult(format string, args ...any) (*domain.ToolResult, error) {
	return &domain.ToolResult{
		IsError: true,
		Content: fmt.Sprintf(format, args...),
	}, nil
}

// ActionHandler handles one action of an action-based tool.
type ActionHandler[P any] func(ctx context.Context, p P) (any, error)

// ActionMap maps action names to their handlers.
type ActionMap[P any] map[string]ActionHandler[P]

// Dispatch builds an Execute handler that routes on the action name
// extracted by getAction.
func Dispatch[P any](getAction func(P) string, actions ActionMap[P]) func(context.Context, trace.Span, P) (any, error) {
	valid := make([]string, 0, len(actions))
	for name := range actions {
		valid = append(valid, name)
	}
	sort.Strings(valid)

	return func(ctx context.Context, span trace.Span, p P) (any, error) {
		action := getAction(p)
		span.SetAttributes(tracer.StringAttr("tool.action", action))
		handler, ok := actions[action]
		if !ok {
			return nil, fmt.Errorf("unknown action %q (want: %s)", action, joinComma(valid))
		}
		return handler(ctx, p)
	}
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}
