package tool

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"parley/internal/domain"
)

// AuditedInvoker records every invocation on an audit trail. Argument
// names are recorded, values are not.
type AuditedInvoker struct {
	inner  domain.ToolInvoker
	audit  domain.AuditLogger
	logger *slog.Logger
	now    func() time.Time
}

// NewAuditedInvoker wraps inner.
func NewAuditedInvoker(inner domain.ToolInvoker, audit domain.AuditLogger, logger *slog.Logger) *AuditedInvoker {
	return &AuditedInvoker{inner: inner, audit: audit, logger: logger, now: time.Now}
}

// Invoke implements domain.ToolInvoker.
func (a *AuditedInvoker) Invoke(ctx context.Context, name string, args map[string]any) (*domain.ToolResult, error) {
	start := a.now()
	res, err := a.inner.Invoke(ctx, name, args)

	event := domain.AuditEvent{
		Timestamp: start.UTC(),
		Type:      domain.AuditToolExec,
		Actor:     domain.AgentIDFromContext(ctx),
		Resource:  name,
		RunID:     domain.RunIDFromContext(ctx),
		Outcome:   "success",
		Detail: map[string]string{
			"duration_ms": strconv.FormatInt(a.now().Sub(start).Milliseconds(), 10),
			"args":        argNames(args),
		},
	}
	switch {
	case errors.Is(err, domain.ErrRateLimit):
		event.Type = domain.AuditToolLimited
		event.Outcome = "denied"
	case err != nil:
		event.Outcome = "error"
		event.Detail["error"] = err.Error()
	case res != nil && res.IsError:
		event.Outcome = "error"
	}

	if logErr := a.audit.Log(ctx, event); logErr != nil {
		a.logger.Warn("audit write failed", "tool", name, "error", logErr)
	}
	return res, err
}

func argNames(args map[string]any) string {
	names := make([]string, 0, len(args))
	for k := range args {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

var _ domain.ToolInvoker = (*AuditedInvoker)(nil)
