// Package agent implements the per-agent control loop and its execution
// context.
package agent

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TrafficGuard/typedai-agent/internal/budget"
	"github.com/TrafficGuard/typedai-agent/internal/capability"
	"github.com/TrafficGuard/typedai-agent/internal/knowledge"
	"github.com/TrafficGuard/typedai-agent/internal/sandbox"
)

// State is the lifecycle state of an agent run.
type State string

const (
	StatePlanning         State = "planning"
	StateExecuting        State = "executing"
	StateCompleted        State = "completed"
	StateAwaitingFeedback State = "awaiting_feedback"
	StateError            State = "error"
	StateCancelled        State = "cancelled"
	StateTimeout          State = "timeout"
)

// Terminal reports whether s ends the control loop.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateAwaitingFeedback, StateError, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// ExecutionContext is the full mutable state of one agent run. It is
// owned exclusively by the control loop driving it; a child context is
// always a fresh instance, never aliased with its parent's.
type ExecutionContext struct {
	AgentID     string `json:"agent_id"`
	ExecutionID string `json:"execution_id"`
	ParentID    string `json:"parent_id,omitempty"`
	Name        string `json:"name,omitempty"`

	// Task is immutable after creation.
	Task string `json:"task"`

	Iteration               int `json:"iteration"`
	LastCompactionIteration int `json:"last_compaction_iteration"`

	CostUSD         float64 `json:"cost_usd"`
	BudgetRemaining float64 `json:"budget_remaining"`
	MaxIterations   int     `json:"max_iterations"`

	State State  `json:"state"`
	Error string `json:"error,omitempty"`

	// Output is the completion note once the run finishes.
	Output string `json:"output,omitempty"`
	// FeedbackQuestion is set when the run pauses for human input.
	FeedbackQuestion string `json:"feedback_question,omitempty"`
	// LastIterationError is fed back into the next prompt so the model
	// can react to a failed iteration.
	LastIterationError string `json:"last_iteration_error,omitempty"`

	CallHistory []sandbox.CallResult `json:"call_history"`
	Memory      map[string]string    `json:"memory"`

	Stack     *budget.MessageStack     `json:"message_stack"`
	ToolState *capability.LoadingState `json:"tool_state"`

	// Live sub-agent handles are runtime-only; settled results persist.
	ActiveSubAgents    map[string]*SubAgentExecution `json:"-"`
	CompletedSubAgents []SubAgentResult              `json:"completed_sub_agents,omitempty"`

	Learnings   []knowledge.Learning `json:"learnings,omitempty"`
	Compactions []CompactionRecord   `json:"compactions,omitempty"`

	// Attachments produced by the last sandbox execution, pending
	// inclusion in the next prompt.
	PendingAttachments []sandbox.Attachment `json:"pending_attachments,omitempty"`

	// HITL bookkeeping: the point of the last human approval.
	LastApprovalIteration int     `json:"last_approval_iteration"`
	CostAtLastApproval    float64 `json:"cost_at_last_approval"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewExecutionContext creates a fresh context in the planning state.
func NewExecutionContext(name, task string, stack *budget.MessageStack, toolState *capability.LoadingState) *ExecutionContext {
	now := time.Now()
	return &ExecutionContext{
		AgentID:         uuid.NewString(),
		ExecutionID:     uuid.NewString(),
		Name:            name,
		Task:            task,
		State:           StatePlanning,
		Memory:          make(map[string]string),
		Stack:           stack,
		ToolState:       toolState,
		ActiveSubAgents: make(map[string]*SubAgentExecution),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// NewChildContext creates a fresh context for a sub-agent run.
func NewChildContext(parent *ExecutionContext, role, task string, stack *budget.MessageStack, toolState *capability.LoadingState) *ExecutionContext {
	child := NewExecutionContext(role, task, stack, toolState)
	child.ParentID = parent.AgentID
	return child
}

// RecentCalls returns up to n most recent call results, newest last.
func (ec *ExecutionContext) RecentCalls(n int) []sandbox.CallResult {
	if n <= 0 || len(ec.CallHistory) <= n {
		return ec.CallHistory
	}
	return ec.CallHistory[len(ec.CallHistory)-n:]
}

// CompactionRecord is the immutable record of one compaction event.
type CompactionRecord struct {
	Trigger        budget.Trigger       `json:"trigger"`
	Summary        string               `json:"summary"`
	KeyDecisions   []string             `json:"key_decisions,omitempty"`
	Learnings      []knowledge.Learning `json:"learnings,omitempty"`
	UnloadedGroups []string             `json:"unloaded_groups,omitempty"`
	IterationStart int                  `json:"iteration_start"`
	IterationEnd   int                  `json:"iteration_end"`
	TokensSaved    int                  `json:"tokens_saved"`
	Timestamp      time.Time            `json:"timestamp"`
}

// IterationRecord captures one full iteration for forensic replay.
type IterationRecord struct {
	AgentID        string            `json:"agent_id"`
	Iteration      int               `json:"iteration"`
	Prompt         string            `json:"prompt,omitempty"`
	Code           string            `json:"code,omitempty"`
	Result         string            `json:"result,omitempty"`
	Error          string            `json:"error,omitempty"`
	CostDelta      float64           `json:"cost_delta"`
	MemorySnapshot map[string]string `json:"memory_snapshot,omitempty"`
	ActiveGroups   []string          `json:"active_groups,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	DurationMs     int64             `json:"duration_ms"`
}

// SubAgentResult is the immutable terminal outcome of a child run.
type SubAgentResult struct {
	ID             string                 `json:"id"`
	Role           string                 `json:"role,omitempty"`
	State          State                  `json:"state"`
	Output         string                 `json:"output,omitempty"`
	StructuredData map[string]interface{} `json:"structured_data,omitempty"`
	CostUSD        float64                `json:"cost_usd"`
	Iterations     int                    `json:"iterations"`
	Error          string                 `json:"error,omitempty"`
	DurationMs     int64                  `json:"duration_ms"`
}

// SubAgentExecution is a live handle on a running child. It is owned by
// the parent context until the child settles, after which the result
// moves to the parent's completed list and the handle is removed from
// the active map.
type SubAgentExecution struct {
	ID      string
	Role    string
	Context *ExecutionContext

	cancel func()
	done   chan struct{}
	once   sync.Once
	result *SubAgentResult
}

// NewSubAgentExecution creates a live handle. cancel aborts the child's
// run context.
func NewSubAgentExecution(role string, child *ExecutionContext, cancel func()) *SubAgentExecution {
	return &SubAgentExecution{
		ID:      uuid.NewString(),
		Role:    role,
		Context: child,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Settle records the terminal result and releases waiters. Only the
// first settlement wins; later calls are no-ops.
func (e *SubAgentExecution) Settle(result SubAgentResult) {
	e.once.Do(func() {
		result.ID = e.ID
		result.Role = e.Role
		e.result = &result
		close(e.done)
	})
}

// Done is closed when the child has settled.
func (e *SubAgentExecution) Done() <-chan struct{} { return e.done }

// Result returns the terminal outcome, or nil before settlement.
func (e *SubAgentExecution) Result() *SubAgentResult { return e.result }

// Cancel requests cooperative cancellation of the child.
func (e *SubAgentExecution) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}
