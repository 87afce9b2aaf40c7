package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	akllm "github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/TrafficGuard/typedai-agent/internal/budget"
	"github.com/TrafficGuard/typedai-agent/internal/capability"
	llmclient "github.com/TrafficGuard/typedai-agent/internal/llm"
	"github.com/TrafficGuard/typedai-agent/internal/notify"
	"github.com/TrafficGuard/typedai-agent/internal/sandbox"
)

const repairSystemPrompt = "You fix scripts that failed validation. Respond with only the corrected script in a single fenced code block."

// Config tunes the control loop.
type Config struct {
	// MaxIterations caps a run when the context carries no cap of its own.
	MaxIterations int
	// SyntaxRepairAttempts bounds the compile-and-repair passes per iteration.
	SyntaxRepairAttempts int
	// HITLCostThreshold pauses for approval after this much spend (USD)
	// since the last approval. Zero disables the cost gate.
	HITLCostThreshold float64
	// HITLIterationThreshold pauses for approval after this many
	// iterations since the last approval. Zero disables the gate.
	HITLIterationThreshold int
	// Pricing per million tokens, used for cost accounting.
	InputCostPerMTok  float64
	OutputCostPerMTok float64
}

// DefaultConfig returns the standard loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:          50,
		SyntaxRepairAttempts:   5,
		HITLCostThreshold:      2.0,
		HITLIterationThreshold: 20,
		InputCostPerMTok:       3.0,
		OutputCostPerMTok:      15.0,
	}
}

// Deps are the loop's collaborators. Compactor, Approver and Notifier
// may be nil; the corresponding behavior is skipped.
type Deps struct {
	Client    *llmclient.Client
	Assembler *budget.Assembler
	Loader    *capability.Loader
	Registry  *capability.Registry
	Bridge    *sandbox.Bridge
	Compactor Compactor
	Persister Persister
	Approver  Approver
	Notifier  notify.Dispatcher
	// Supervisor, when set, reviews progress between iterations and can
	// inject course corrections or pause the run.
	Supervisor DriftChecker
}

// Loop drives one agent run through repeated plan, execute, observe
// iterations. A Loop instance owns its registry's core-group bindings
// and must not be shared across concurrently running agents.
type Loop struct {
	deps   Deps
	cfg    Config
	logger *logging.Logger
}

// NewLoop creates a control loop.
func NewLoop(deps Deps, cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if cfg.SyntaxRepairAttempts <= 0 {
		cfg.SyntaxRepairAttempts = DefaultConfig().SyntaxRepairAttempts
	}
	return &Loop{
		deps:   deps,
		cfg:    cfg,
		logger: logging.New().WithComponent("agent"),
	}
}

// Run executes iterations until the context reaches a terminal state or
// a fatal error occurs. The context is mutated in place and persisted
// every iteration; on a fatal error the terminal state is StateError
// with the error recorded on the context.
func (l *Loop) Run(ctx context.Context, ec *ExecutionContext) error {
	ctx, span := startRunSpan(ctx, ec)
	start := time.Now()
	l.logger.ExecutionStart(ec.AgentID)

	var runErr error
	defer func() {
		endRunSpan(span, ec, runErr)
		l.logger.ExecutionComplete(ec.AgentID, time.Since(start), string(ec.State))
	}()

	if err := l.bindCore(ec); err != nil {
		runErr = fmt.Errorf("failed to register core capabilities: %w", err)
		l.fail(ec, runErr)
		return runErr
	}

	maxIterations := ec.MaxIterations
	if maxIterations <= 0 {
		maxIterations = l.cfg.MaxIterations
	}
	budgeted := ec.BudgetRemaining > 0

	// A resumed run re-enters planning.
	if ec.State.Terminal() {
		ec.State = StatePlanning
		ec.Error = ""
	}

	for !ec.State.Terminal() {
		select {
		case <-ctx.Done():
			ec.State = StateCancelled
			ec.Error = ctx.Err().Error()
			l.persistBestEffort(ec)
			runErr = ctx.Err()
			l.notifyTerminal(ec)
			return runErr
		default:
		}

		if ec.Iteration >= maxIterations {
			runErr = fmt.Errorf("iteration limit %d reached", maxIterations)
			l.fail(ec, runErr)
			break
		}
		if budgeted && ec.BudgetRemaining <= 0 {
			runErr = fmt.Errorf("budget exhausted after $%.4f", ec.CostUSD)
			l.fail(ec, runErr)
			l.send(notify.EventBudgetExceeded, ec, runErr.Error())
			break
		}

		if err := l.gate(ctx, ec); err != nil {
			runErr = err
			l.fail(ec, err)
			break
		}

		if err := l.runIteration(ctx, ec); err != nil {
			runErr = err
			l.fail(ec, err)
			break
		}

		l.supervise(ctx, ec)
	}

	l.notifyTerminal(ec)
	return runErr
}

// fail moves the context into the error state and persists best-effort.
func (l *Loop) fail(ec *ExecutionContext, err error) {
	ec.State = StateError
	ec.Error = err.Error()
	ec.UpdatedAt = time.Now()
	l.persistBestEffort(ec)
}

func (l *Loop) persistBestEffort(ec *ExecutionContext) {
	if l.deps.Persister == nil {
		return
	}
	if err := l.deps.Persister.Save(ec); err != nil {
		l.logger.Error("failed to persist terminal context", map[string]interface{}{
			"agent_id": ec.AgentID,
			"error":    err.Error(),
		})
	}
}

// gate enforces the human-in-the-loop policy: crossing a cost or
// iteration threshold pauses the loop until an operator approves.
// Denial ends the run.
func (l *Loop) gate(ctx context.Context, ec *ExecutionContext) error {
	if l.deps.Approver == nil {
		return nil
	}

	var reason string
	costSince := ec.CostUSD - ec.CostAtLastApproval
	itersSince := ec.Iteration - ec.LastApprovalIteration
	switch {
	case l.cfg.HITLCostThreshold > 0 && costSince >= l.cfg.HITLCostThreshold:
		reason = fmt.Sprintf("spent $%.4f since last approval", costSince)
	case l.cfg.HITLIterationThreshold > 0 && itersSince >= l.cfg.HITLIterationThreshold:
		reason = fmt.Sprintf("%d iterations since last approval", itersSince)
	default:
		return nil
	}

	l.logger.Info("pausing for operator approval", map[string]interface{}{
		"agent_id": ec.AgentID,
		"reason":   reason,
	})
	approved, err := l.deps.Approver.Approve(ctx, ApprovalRequest{
		AgentID:   ec.AgentID,
		Reason:    reason,
		CostUSD:   ec.CostUSD,
		Iteration: ec.Iteration,
	})
	if err != nil {
		return fmt.Errorf("approval check failed: %w", err)
	}
	if !approved {
		return errors.New("continuation denied by operator")
	}
	ec.LastApprovalIteration = ec.Iteration
	ec.CostAtLastApproval = ec.CostUSD
	return nil
}

// runIteration performs one full plan/execute/observe cycle. The
// context and an iteration record are persisted on every exit path;
// a persistence failure is fatal. Sandbox and validation failures are
// recorded and fed into the next prompt instead of ending the run.
func (l *Loop) runIteration(ctx context.Context, ec *ExecutionContext) (err error) {
	ec.Iteration++
	iterStart := time.Now()
	ctx, span := startIterationSpan(ctx, ec)

	rec := IterationRecord{
		AgentID:   ec.AgentID,
		Iteration: ec.Iteration,
		Timestamp: iterStart,
	}
	defer func() {
		rec.DurationMs = time.Since(iterStart).Milliseconds()
		rec.MemorySnapshot = copyMemory(ec.Memory)
		rec.ActiveGroups = ec.ToolState.ActiveGroups()
		ec.UpdatedAt = time.Now()
		endIterationSpan(span, rec.Code, err)
		if l.deps.Persister == nil {
			return
		}
		if perr := l.deps.Persister.Save(ec); perr != nil && err == nil {
			err = fmt.Errorf("failed to persist context: %w", perr)
		}
		if perr := l.deps.Persister.SaveIterationRecord(rec); perr != nil && err == nil {
			err = fmt.Errorf("failed to persist iteration record: %w", perr)
		}
	}()

	ec.State = StatePlanning

	if decision := l.deps.Assembler.ShouldCompact(ec.Stack, ec.Iteration, ec.LastCompactionIteration); decision.Should {
		l.compact(ctx, ec, decision.Trigger)
	}

	prompt := iterationPrompt(ec.Iteration, ec.LastIterationError, ec.PendingAttachments)
	ec.PendingAttachments = nil
	ec.Stack.SetCurrentIteration(prompt)
	defer ec.Stack.ClearCurrentIteration()
	rec.Prompt = prompt

	if _, berr := l.deps.Assembler.EnsureAvailable(ec.Stack); berr != nil {
		// Out of budget without a compaction trigger having fired: force
		// one compaction, then give up if the stack still does not fit.
		l.compact(ctx, ec, budget.TriggerUsageRatio)
		if _, berr = l.deps.Assembler.EnsureAvailable(ec.Stack); berr != nil {
			return fmt.Errorf("context does not fit the token budget: %w", berr)
		}
	}

	messages := l.deps.Assembler.BuildPrompt(ec.Stack)
	resp, cerr := l.deps.Client.Chat(ctx, akllm.ChatRequest{Messages: messages})
	if cerr != nil {
		rec.Error = cerr.Error()
		return fmt.Errorf("model call failed: %w", cerr)
	}
	costDelta := l.costOf(resp)
	ec.CostUSD += costDelta
	ec.BudgetRemaining -= costDelta
	rec.CostDelta = costDelta

	code, verr := l.validateAndRepair(ctx, ExtractCodeBlock(resp.Content))
	rec.Code = code
	if verr != nil {
		rec.Error = verr.Error()
		ec.LastIterationError = verr.Error()
		ec.Stack.AddToHistory("assistant", resp.Content, true)
		ec.Stack.AddToHistory("user", "The script could not be validated: "+verr.Error(), false)
		return nil
	}

	ec.State = StateExecuting
	res, xerr := l.deps.Bridge.Execute(ctx, code, l.activeDescriptors(ec))
	ec.CallHistory = append(ec.CallHistory, res.Calls...)
	l.markUsedGroups(ec, res.Calls)
	ec.PendingAttachments = append(ec.PendingAttachments, res.Attachments...)

	rendered := renderExecution(res)
	rec.Result = rendered
	ec.Stack.AddToHistory("assistant", resp.Content, true)
	ec.Stack.AddToHistory("user", rendered, false)

	if xerr != nil {
		rec.Error = xerr.Error()
		ec.LastIterationError = xerr.Error()
		ec.State = StatePlanning
		return nil
	}
	ec.LastIterationError = ""

	l.applyTerminalCall(ec, res.LastCall())
	return nil
}

// applyTerminalCall maps the last bridged call onto the next state.
func (l *Loop) applyTerminalCall(ec *ExecutionContext, last *sandbox.CallResult) {
	ec.State = StatePlanning
	if last == nil || !last.Succeeded() {
		return
	}
	switch last.Function {
	case capability.NameCompleted:
		ec.State = StateCompleted
		ec.Output = paramString(last.Parameters, "note")
	case capability.NameRequestFeedback:
		ec.State = StateAwaitingFeedback
		ec.FeedbackQuestion = paramString(last.Parameters, "question")
	}
}

// supervise runs the drift checker after an iteration. A reorient
// verdict injects guidance into the next prompt; a pause verdict hands
// the run back to the operator. Checker failures are advisory only.
func (l *Loop) supervise(ctx context.Context, ec *ExecutionContext) {
	if l.deps.Supervisor == nil || ec.State.Terminal() {
		return
	}
	res, err := l.deps.Supervisor.Check(ctx, ec)
	if err != nil {
		l.logger.Warn("drift check failed", map[string]interface{}{
			"agent_id": ec.AgentID,
			"error":    err.Error(),
		})
		return
	}
	if res == nil {
		return
	}
	switch res.Verdict {
	case VerdictReorient:
		if res.Correction != "" {
			l.logger.Info("supervisor issued course correction", map[string]interface{}{
				"agent_id":   ec.AgentID,
				"correction": res.Correction,
			})
			ec.Stack.AddToHistory("user", "Course correction from the supervisor: "+res.Correction, false)
		}
	case VerdictPause:
		ec.State = StateAwaitingFeedback
		ec.FeedbackQuestion = res.Question
		l.persistBestEffort(ec)
	}
}

// compact runs the compaction engine; a compaction failure is logged
// and absorbed, never fatal.
func (l *Loop) compact(ctx context.Context, ec *ExecutionContext, trigger budget.Trigger) {
	if l.deps.Compactor == nil {
		return
	}
	if _, err := l.deps.Compactor.Compact(ctx, ec, trigger); err != nil {
		l.logger.Warn("compaction failed", map[string]interface{}{
			"agent_id": ec.AgentID,
			"trigger":  string(trigger),
			"error":    err.Error(),
		})
	}
}

// validateAndRepair runs bounded compile-and-repair passes over the
// emitted code.
func (l *Loop) validateAndRepair(ctx context.Context, code string) (string, error) {
	var synErr error
	for attempt := 0; attempt < l.cfg.SyntaxRepairAttempts; attempt++ {
		synErr = sandbox.CheckSyntax(code)
		if synErr == nil {
			return code, nil
		}
		l.logger.Debug("repairing invalid script", map[string]interface{}{
			"attempt": attempt + 1,
			"error":   synErr.Error(),
		})
		fixed, gerr := l.deps.Client.Generate(ctx, repairSystemPrompt, repairPrompt(code, synErr))
		if gerr != nil {
			return code, fmt.Errorf("script validation failed and repair was unavailable: %w", synErr)
		}
		code = ExtractCodeBlock(fixed)
	}
	if synErr = sandbox.CheckSyntax(code); synErr == nil {
		return code, nil
	}
	return code, fmt.Errorf("script validation failed after %d repair attempts: %w", l.cfg.SyntaxRepairAttempts, synErr)
}

// activeDescriptors collects the descriptors of every loaded group.
func (l *Loop) activeDescriptors(ec *ExecutionContext) []*capability.Descriptor {
	var descriptors []*capability.Descriptor
	for _, group := range ec.ToolState.ActiveGroups() {
		descriptors = append(descriptors, l.deps.Registry.Group(group)...)
	}
	return descriptors
}

// markUsedGroups records which groups the iteration's calls touched.
func (l *Loop) markUsedGroups(ec *ExecutionContext, calls []sandbox.CallResult) {
	for _, call := range calls {
		if d, ok := l.deps.Registry.Get(call.Function); ok {
			ec.ToolState.MarkUsed(d.Group)
		}
	}
}

// bindCore wires the core agent group to this run's context and makes
// sure it is loaded into the run's tool state, so the terminal
// capabilities are always callable from the sandbox.
func (l *Loop) bindCore(ec *ExecutionContext) error {
	if err := capability.RegisterCore(l.deps.Registry, capability.CoreHandlers{
		SaveMemory: func(_ context.Context, key, value string) error {
			if key == "" {
				return errors.New("memory key must not be empty")
			}
			ec.Memory[key] = value
			return nil
		},
		Notify: func(cctx context.Context, message string) error {
			if l.deps.Notifier != nil {
				l.deps.Notifier.Send(cctx, notify.Notification{
					Event:     notify.EventCompleted,
					AgentID:   ec.AgentID,
					AgentName: ec.Name,
					Message:   message,
					Timestamp: time.Now(),
				})
			}
			return nil
		},
	}); err != nil {
		return err
	}
	if l.deps.Loader == nil {
		return nil
	}
	return l.deps.Loader.EnsureCoreLoaded(ec.ToolState, ec.Stack)
}

// send dispatches one notification, ignoring channel failures.
func (l *Loop) send(event notify.Event, ec *ExecutionContext, message string) {
	if l.deps.Notifier == nil {
		return
	}
	l.deps.Notifier.Send(context.Background(), notify.Notification{
		Event:     event,
		AgentID:   ec.AgentID,
		AgentName: ec.Name,
		Message:   message,
		Timestamp: time.Now(),
	})
}

func (l *Loop) notifyTerminal(ec *ExecutionContext) {
	if l.deps.Notifier == nil {
		return
	}
	switch ec.State {
	case StateCompleted:
		l.send(notify.EventCompleted, ec, ec.Output)
	case StateAwaitingFeedback:
		l.send(notify.EventFeedbackRequired, ec, ec.FeedbackQuestion)
	case StateError:
		l.send(notify.EventError, ec, ec.Error)
	}
}

func (l *Loop) costOf(resp *akllm.ChatResponse) float64 {
	in := float64(resp.InputTokens) * l.cfg.InputCostPerMTok / 1e6
	out := float64(resp.OutputTokens) * l.cfg.OutputCostPerMTok / 1e6
	return in + out
}


func copyMemory(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func paramString(params map[string]interface{}, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}
