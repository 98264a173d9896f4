package domain

import (
	"errors"
	"fmt"
)

// Category sentinels.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrDisabled     = fmt.Errorf("disabled")
)

// Sentinel errors for the runtime. Each maps to one class of the error taxonomy:
// transport failures are absorbed, persistence and decision failures surface to
// the caller, tool failures become steps and replies.
var (
	ErrTransport     = fmt.Errorf("bus transport failure")
	ErrPersistence   = fmt.Errorf("message persistence failed")
	ErrDecision      = fmt.Errorf("malformed llm decision")
	ErrToolFailure   = fmt.Errorf("tool execution failed")
	ErrToolNotFound  = fmt.Errorf("tool not found")
	ErrMaxIterations = fmt.Errorf("agent reached max iterations")
	ErrAgentNotFound = fmt.Errorf("agent not found")
	ErrTopicNotFound = fmt.Errorf("topic not found")
	ErrMailboxFull   = fmt.Errorf("mailbox full")
	ErrActorStopped  = fmt.Errorf("actor stopped")
	ErrBusClosed     = fmt.Errorf("bus closed")
	ErrConfigLoad    = fmt.Errorf("failed to load configuration")
	ErrDecryption    = fmt.Errorf("decryption failed")
	ErrEncryption    = fmt.Errorf("encryption operation failed")
	ErrInterrupted   = fmt.Errorf("iteration interrupted")
	ErrRateLimit     = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Topic.SendMessage")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for logs and metrics labels.
type ErrorCode string

const (
	CodeUnknown       ErrorCode = "UNKNOWN"
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeDuplicate     ErrorCode = "DUPLICATE"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeDisabled      ErrorCode = "DISABLED"
	CodeTransport     ErrorCode = "TRANSPORT"
	CodePersistence   ErrorCode = "PERSISTENCE"
	CodeDecision      ErrorCode = "DECISION"
	CodeToolFailure   ErrorCode = "TOOL_FAILURE"
	CodeToolNotFound  ErrorCode = "TOOL_NOT_FOUND"
	CodeMaxIterations ErrorCode = "MAX_ITERATIONS"
	CodeAgentNotFound ErrorCode = "AGENT_NOT_FOUND"
	CodeTopicNotFound ErrorCode = "TOPIC_NOT_FOUND"
	CodeMailboxFull   ErrorCode = "MAILBOX_FULL"
	CodeActorStopped  ErrorCode = "ACTOR_STOPPED"
	CodeBusClosed     ErrorCode = "BUS_CLOSED"
	CodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	CodeDecryption    ErrorCode = "DECRYPTION"
	CodeEncryption    ErrorCode = "ENCRYPTION"
	CodeInterrupted   ErrorCode = "INTERRUPTED"
	CodeRateLimit     ErrorCode = "RATE_LIMIT"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrDuplicate:     CodeDuplicate,
	ErrInvalidInput:  CodeInvalidInput,
	ErrDisabled:      CodeDisabled,
	ErrTransport:     CodeTransport,
	ErrPersistence:   CodePersistence,
	ErrDecision:      CodeDecision,
	ErrToolFailure:   CodeToolFailure,
	ErrToolNotFound:  CodeToolNotFound,
	ErrMaxIterations: CodeMaxIterations,
	ErrAgentNotFound: CodeAgentNotFound,
	ErrTopicNotFound: CodeTopicNotFound,
	ErrMailboxFull:   CodeMailboxFull,
	ErrActorStopped:  CodeActorStopped,
	ErrBusClosed:     CodeBusClosed,
	ErrConfigLoad:    CodeConfigLoad,
	ErrDecryption:    CodeDecryption,
	ErrEncryption:    CodeEncryption,
	ErrInterrupted:   CodeInterrupted,
	ErrRateLimit:     CodeRateLimit,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
