package domain

import (
	"context"
	"time"
)

// AuditEventType classifies audit log entries.
type AuditEventType string

const (
	AuditToolExec    AuditEventType = "tool_exec"
	AuditToolLimited AuditEventType = "tool_rate_limited"
)

// AuditEvent is one entry of the tool audit trail.
type AuditEvent struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      AuditEventType    `json:"type"`
	Actor     string            `json:"actor"`    // agent id
	Resource  string            `json:"resource"` // tool name
	RunID     string            `json:"run_id,omitempty"`
	Outcome   string            `json:"outcome"` // "success", "error" or "denied"
	Detail    map[string]string `json:"detail,omitempty"`
}

// AuditLogger records audit events.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}
