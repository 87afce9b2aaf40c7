// Package subagent spawns, budgets, coordinates, and aggregates child
// agent runs.
package subagent

import (
	"context"
	"fmt"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/TrafficGuard/typedai-agent/internal/agent"
)

// ChildSpec configures one child run.
type ChildSpec struct {
	Role string `json:"role,omitempty"`
	// Task overrides the spawn task for this child.
	Task string `json:"task,omitempty"`
	// BudgetFraction of the parent's remaining budget; zero means an
	// even split of the configured default.
	BudgetFraction float64 `json:"budget_fraction,omitempty"`
	MaxIterations  int     `json:"max_iterations,omitempty"`
}

// Aggregation selects how child results are combined.
type Aggregation string

const (
	AggregateMerge    Aggregation = "merge"
	AggregateVote     Aggregation = "vote"
	AggregateBest     Aggregation = "best"
	AggregatePipeline Aggregation = "pipeline"
)

// Coordination describes how children run and how results combine.
type Coordination struct {
	// Type is "parallel" or "sequential".
	Type        string      `json:"type"`
	Aggregation Aggregation `json:"aggregation,omitempty"`
	// PassContext feeds each child's output into the next child's
	// memory during sequential execution.
	PassContext bool `json:"pass_context,omitempty"`
}

// SpawnConfig is the immutable input to one spawn operation.
type SpawnConfig struct {
	Children     []ChildSpec  `json:"children"`
	Coordination Coordination `json:"coordination"`
	// DefaultBudgetFraction is split evenly among children without an
	// explicit fraction. Defaults to 1.0.
	DefaultBudgetFraction float64 `json:"default_budget_fraction,omitempty"`
	DefaultMaxIterations  int     `json:"default_max_iterations,omitempty"`
}

// ContextFactory creates a fresh child context for a role and task.
type ContextFactory func(parent *agent.ExecutionContext, role, task string) (*agent.ExecutionContext, error)

// Executor runs one child context to a terminal state. It is the
// control-loop entry point, injected to decouple orchestration from
// loop internals.
type Executor func(ctx context.Context, ec *agent.ExecutionContext) error

// Orchestrator manages child agent runs for a parent context.
type Orchestrator struct {
	factory  ContextFactory
	executor Executor
	logger   *logging.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(factory ContextFactory, executor Executor) *Orchestrator {
	return &Orchestrator{
		factory:  factory,
		executor: executor,
		logger:   logging.New().WithComponent("subagent"),
	}
}

// Spawn creates one child context per configured child, allocates each
// a fraction of the parent's remaining budget and an iteration cap,
// registers the live executions on the parent, and starts them.
func (o *Orchestrator) Spawn(ctx context.Context, parent *agent.ExecutionContext, cfg SpawnConfig, task string) ([]*agent.SubAgentExecution, error) {
	if len(cfg.Children) == 0 {
		return nil, fmt.Errorf("spawn config has no children")
	}

	executions := make([]*agent.SubAgentExecution, 0, len(cfg.Children))
	for i := range cfg.Children {
		exec, err := o.spawnOne(ctx, parent, cfg, cfg.Children[i], task)
		if err != nil {
			return executions, err
		}
		executions = append(executions, exec)
	}
	return executions, nil
}

// spawnOne creates, registers, and starts a single child.
func (o *Orchestrator) spawnOne(ctx context.Context, parent *agent.ExecutionContext, cfg SpawnConfig, spec ChildSpec, task string) (*agent.SubAgentExecution, error) {
	childTask := spec.Task
	if childTask == "" {
		childTask = task
	}

	child, err := o.factory(parent, spec.Role, childTask)
	if err != nil {
		return nil, fmt.Errorf("failed to create context for child %q: %w", spec.Role, err)
	}
	child.BudgetRemaining = parent.BudgetRemaining * budgetFraction(cfg, spec)
	child.MaxIterations = iterationCap(cfg, spec, parent)

	runCtx, cancel := context.WithCancel(ctx)
	exec := agent.NewSubAgentExecution(spec.Role, child, cancel)
	if parent.ActiveSubAgents == nil {
		parent.ActiveSubAgents = make(map[string]*agent.SubAgentExecution)
	}
	parent.ActiveSubAgents[exec.ID] = exec

	o.logger.Info("spawning sub-agent", map[string]interface{}{
		"parent_id": parent.AgentID,
		"child_id":  child.AgentID,
		"role":      spec.Role,
		"budget":    child.BudgetRemaining,
	})

	go o.runChild(runCtx, exec)
	return exec, nil
}

// runChild executes one child to settlement. Executor panics and errors
// are synthesized into results; they never escape the goroutine.
func (o *Orchestrator) runChild(ctx context.Context, exec *agent.SubAgentExecution) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			exec.Settle(agent.SubAgentResult{
				State:      agent.StateError,
				Error:      fmt.Sprintf("executor panic: %v", r),
				DurationMs: time.Since(start).Milliseconds(),
			})
		}
	}()

	err := o.executor(ctx, exec.Context)
	exec.Settle(resultFrom(exec.Context, err, time.Since(start)))
}

// resultFrom derives the terminal result from a settled child context.
func resultFrom(child *agent.ExecutionContext, err error, elapsed time.Duration) agent.SubAgentResult {
	result := agent.SubAgentResult{
		State:          child.State,
		Output:         child.Output,
		StructuredData: structuredOutput(child.Output),
		CostUSD:        child.CostUSD,
		Iterations:     child.Iteration,
		DurationMs:     elapsed.Milliseconds(),
	}
	if err != nil {
		result.Error = err.Error()
	}
	if !result.State.Terminal() {
		result.State = agent.StateError
	}
	return result
}

// AwaitAll waits for every execution to settle, racing against an
// optional overall timeout. A timed-out child is cancelled and its
// result synthesized with the timeout state; an executor failure
// surfaces as an error-state result. AwaitAll itself never fails. On
// settlement each execution moves from the parent's active map to its
// completed list.
func (o *Orchestrator) AwaitAll(parent *agent.ExecutionContext, executions []*agent.SubAgentExecution, timeout time.Duration) []agent.SubAgentResult {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	// The timer channel fires once; expired keeps the deadline in force
	// for every execution after the first timed-out one.
	expired := false
	results := make([]agent.SubAgentResult, 0, len(executions))
	for _, exec := range executions {
		if !expired {
			select {
			case <-exec.Done():
			case <-deadline:
				expired = true
			}
		}
		if expired {
			exec.Cancel()
			exec.Settle(agent.SubAgentResult{
				State: agent.StateTimeout,
				Error: fmt.Sprintf("timed out after %s", timeout),
			})
			<-exec.Done()
		}
		result := *exec.Result()
		o.settle(parent, exec, result)
		results = append(results, result)
	}
	return results
}

// SpawnAndExecuteSequentially runs children one at a time in spec
// order. With PassContext enabled each child's output is stored in the
// next child's memory before it starts; output that is not structured
// data is passed through as opaque text.
func (o *Orchestrator) SpawnAndExecuteSequentially(ctx context.Context, parent *agent.ExecutionContext, cfg SpawnConfig, task string) ([]agent.SubAgentResult, error) {
	if len(cfg.Children) == 0 {
		return nil, fmt.Errorf("spawn config has no children")
	}

	var (
		results    []agent.SubAgentResult
		prevOutput string
	)
	for i, spec := range cfg.Children {
		exec, runCtx, err := o.spawnOneDeferred(ctx, parent, cfg, spec, task)
		if err != nil {
			return results, err
		}
		if cfg.Coordination.PassContext && i > 0 && prevOutput != "" {
			exec.Context.Memory["previous_agent_output"] = prevOutput
		}

		start := time.Now()
		runErr := o.runSynchronously(runCtx, exec)
		result := resultFrom(exec.Context, runErr, time.Since(start))
		exec.Settle(result)
		result = *exec.Result()
		o.settle(parent, exec, result)
		results = append(results, result)
		prevOutput = result.Output
	}
	return results, nil
}

// spawnOneDeferred registers a child without starting its goroutine.
// The returned context is what the child must run under; cancelling the
// execution cancels it.
func (o *Orchestrator) spawnOneDeferred(ctx context.Context, parent *agent.ExecutionContext, cfg SpawnConfig, spec ChildSpec, task string) (*agent.SubAgentExecution, context.Context, error) {
	childTask := spec.Task
	if childTask == "" {
		childTask = task
	}
	child, err := o.factory(parent, spec.Role, childTask)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create context for child %q: %w", spec.Role, err)
	}
	child.BudgetRemaining = parent.BudgetRemaining * budgetFraction(cfg, spec)
	child.MaxIterations = iterationCap(cfg, spec, parent)

	runCtx, cancel := context.WithCancel(ctx)
	exec := agent.NewSubAgentExecution(spec.Role, child, cancel)
	if parent.ActiveSubAgents == nil {
		parent.ActiveSubAgents = make(map[string]*agent.SubAgentExecution)
	}
	parent.ActiveSubAgents[exec.ID] = exec
	return exec, runCtx, nil
}

func (o *Orchestrator) runSynchronously(ctx context.Context, exec *agent.SubAgentExecution) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return o.executor(ctx, exec.Context)
}

// settle moves an execution from the active map to the completed list.
func (o *Orchestrator) settle(parent *agent.ExecutionContext, exec *agent.SubAgentExecution, result agent.SubAgentResult) {
	delete(parent.ActiveSubAgents, exec.ID)
	parent.CompletedSubAgents = append(parent.CompletedSubAgents, result)
	o.logger.Info("sub-agent settled", map[string]interface{}{
		"parent_id": parent.AgentID,
		"child_id":  exec.Context.AgentID,
		"state":     string(result.State),
	})
}

// CancelAll cancels every live execution and clears the active map.
func (o *Orchestrator) CancelAll(parent *agent.ExecutionContext) int {
	cancelled := 0
	for id, exec := range parent.ActiveSubAgents {
		exec.Cancel()
		delete(parent.ActiveSubAgents, id)
		cancelled++
	}
	return cancelled
}

// budgetFraction resolves a child's share of the parent budget.
func budgetFraction(cfg SpawnConfig, spec ChildSpec) float64 {
	if spec.BudgetFraction > 0 {
		return spec.BudgetFraction
	}
	def := cfg.DefaultBudgetFraction
	if def <= 0 {
		def = 1.0
	}
	return def / float64(len(cfg.Children))
}

// iterationCap resolves a child's iteration limit.
func iterationCap(cfg SpawnConfig, spec ChildSpec, parent *agent.ExecutionContext) int {
	switch {
	case spec.MaxIterations > 0:
		return spec.MaxIterations
	case cfg.DefaultMaxIterations > 0:
		return cfg.DefaultMaxIterations
	default:
		return parent.MaxIterations
	}
}
