// Package iteration runs the per-event state machine of an actor: classify
// the inbound message, ask the LLM what to do, call tools, and stop at a
// reply or the iteration bound.
package iteration

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/domain"
)

// Context is the state of one inbound event processed to a reply or a
// give-up. It is owned by a single Engine.Run call.
type Context struct {
	RunID         string
	AgentID       string
	TopicID       string
	Phase         domain.Phase
	Iteration     int
	MaxIterations int
	Kind          domain.MessageKind

	// Steps is append-only; only the last step is ever updated in place.
	Steps       []domain.ProcessStep
	PhaseStatus map[domain.Phase]domain.StepStatus

	Decision    domain.DecisionAction
	PendingTool *domain.ToolCallRequest
	ToolResults []domain.ToolOutcome

	Content string
	Media   []domain.MediaRef

	IsComplete    bool
	IsInterrupted bool
	// Skipped is set when classification decided no reply is due.
	Skipped bool
	Err     error

	observer domain.StepObserver
	logger   *slog.Logger
	now      func() time.Time
}

func newContext(runID, agentID, topicID string, maxIterations int, observer domain.StepObserver, logger *slog.Logger) *Context {
	return &Context{
		RunID:         runID,
		AgentID:       agentID,
		TopicID:       topicID,
		Phase:         domain.PhaseInit,
		MaxIterations: maxIterations,
		PhaseStatus:   make(map[domain.Phase]domain.StepStatus),
		observer:      observer,
		logger:        logger,
		now:           time.Now,
	}
}

// Done reports whether a terminal flag is set.
func (c *Context) Done() bool {
	return c.IsComplete || c.IsInterrupted
}

// HasReply reports whether the context produced something to post.
func (c *Context) HasReply() bool {
	return c.IsComplete && !c.Skipped && (c.Content != "" || len(c.Media) > 0)
}

// Snapshot returns the read-only view handed to observers.
func (c *Context) Snapshot() domain.IterationSnapshot {
	return domain.IterationSnapshot{
		RunID:         c.RunID,
		AgentID:       c.AgentID,
		TopicID:       c.TopicID,
		Phase:         c.Phase,
		Iteration:     c.Iteration,
		MaxIterations: c.MaxIterations,
		IsComplete:    c.IsComplete,
		IsInterrupted: c.IsInterrupted,
	}
}

// ErrorSteps counts steps that ended in error.
func (c *Context) ErrorSteps() int {
	n := 0
	for _, s := range c.Steps {
		if s.Status == domain.StepError {
			n++
		}
	}
	return n
}

// StepCount returns how many steps of the given phase were recorded.
func (c *Context) StepCount(phase domain.Phase) int {
	n := 0
	for _, s := range c.Steps {
		if s.Type == string(phase) {
			n++
		}
	}
	return n
}

// enter moves to phase and appends a running step. It refuses once the
// context is terminal.
func (c *Context) enter(ctx context.Context, phase domain.Phase, thinking string) bool {
	if c.Done() {
		return false
	}
	c.Phase = phase
	c.appendStep(ctx, domain.ProcessStep{
		Type:      string(phase),
		Thinking:  thinking,
		Status:    domain.StepRunning,
		Fields:    map[string]any{"iteration": c.Iteration},
		Timestamp: c.now(),
	})
	return true
}

// closeStep sets the status of the last step and merges fields into it.
func (c *Context) closeStep(ctx context.Context, status domain.StepStatus, fields map[string]any) {
	if len(c.Steps) == 0 {
		return
	}
	last := &c.Steps[len(c.Steps)-1]
	last.Status = status
	if last.Fields == nil && len(fields) > 0 {
		last.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		last.Fields[k] = v
	}
	c.PhaseStatus[domain.Phase(last.Type)] = status
	c.notify(ctx, *last)
}

// annotate merges fields into the running step without changing its status.
func (c *Context) annotate(fields map[string]any) {
	if len(c.Steps) == 0 {
		return
	}
	last := &c.Steps[len(c.Steps)-1]
	if last.Fields == nil {
		last.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		last.Fields[k] = v
	}
}

func (c *Context) appendStep(ctx context.Context, step domain.ProcessStep) {
	c.Steps = append(c.Steps, step)
	c.PhaseStatus[domain.Phase(step.Type)] = step.Status
	c.notify(ctx, step)
}

// complete sets the normal terminal flag and records the final step.
func (c *Context) complete(ctx context.Context, thinking string) {
	if c.Done() {
		return
	}
	c.IsComplete = true
	c.Decision = domain.DecisionComplete
	c.Phase = domain.PhaseComplete
	c.appendStep(ctx, domain.ProcessStep{
		Type:      string(domain.PhaseComplete),
		Thinking:  thinking,
		Status:    domain.StepCompleted,
		Fields:    map[string]any{"iteration": c.Iteration, "skipped": c.Skipped},
		Timestamp: c.now(),
	})
}

// interrupt sets the forced terminal flag, remembering err as the cause.
func (c *Context) interrupt(ctx context.Context, err error) {
	if c.Done() {
		return
	}
	c.IsInterrupted = true
	c.Decision = domain.DecisionError
	c.Err = err
	c.Phase = domain.PhaseInterrupted
	c.appendStep(ctx, domain.ProcessStep{
		Type:      string(domain.PhaseInterrupted),
		Thinking:  err.Error(),
		Status:    domain.StepError,
		Fields:    map[string]any{"iteration": c.Iteration},
		Timestamp: c.now(),
	})
}

// notify calls the observer synchronously. Observer panics never reach the
// engine.
func (c *Context) notify(ctx context.Context, step domain.ProcessStep) {
	if c.observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("step observer panicked",
				"run_id", c.RunID,
				"agent_id", c.AgentID,
				"phase", step.Type,
				"panic", fmt.Sprint(r),
			)
		}
	}()
	c.observer.OnStep(ctx, c.Snapshot(), step)
}
