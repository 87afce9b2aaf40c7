// Package supervision provides drift detection and course correction
// for agent runs. A supervisor periodically reviews a run's recent
// activity against its task and can continue, reorient, or pause it.
package supervision

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/TrafficGuard/typedai-agent/internal/agent"
	llmclient "github.com/TrafficGuard/typedai-agent/internal/llm"
)

// Trigger names a static condition that forces a review.
type Trigger string

const (
	TriggerRepeatedErrors  Trigger = "repeated_errors"
	TriggerFailedCalls     Trigger = "failed_calls"
	TriggerReviewScheduled Trigger = "review_scheduled"
)

// Config holds supervisor configuration.
type Config struct {
	// Interval schedules a review every N iterations.
	Interval int
	// ErrorStreak forces a review after this many consecutive
	// iteration errors.
	ErrorStreak int
}

// DefaultConfig returns the standard supervision thresholds.
func DefaultConfig() Config {
	return Config{Interval: 5, ErrorStreak: 3}
}

// Supervisor implements agent.DriftChecker with an LLM review backed
// by static trigger checks.
type Supervisor struct {
	client *llmclient.Client
	cfg    Config
	logger *logging.Logger

	mu          sync.Mutex
	lastChecked map[string]int
	errorStreak map[string]int
}

func New(client *llmclient.Client, cfg Config) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.ErrorStreak <= 0 {
		cfg.ErrorStreak = DefaultConfig().ErrorStreak
	}
	return &Supervisor{
		client:      client,
		cfg:         cfg,
		logger:      logging.New().WithComponent("supervisor"),
		lastChecked: make(map[string]int),
		errorStreak: make(map[string]int),
	}
}

// Check reviews the run if a trigger fired or a review is due.
// Returning (nil, nil) means nothing to report this iteration.
func (s *Supervisor) Check(ctx context.Context, ec *agent.ExecutionContext) (*agent.SupervisionResult, error) {
	triggers := s.reconcile(ec)
	if len(triggers) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	s.lastChecked[ec.AgentID] = ec.Iteration
	s.mu.Unlock()

	content, err := s.client.Generate(ctx, supervisorSystemPrompt, s.buildReviewPrompt(ec, triggers))
	if err != nil {
		return nil, fmt.Errorf("supervisor review failed: %w", err)
	}

	verdict, correction, question := parseVerdict(content)
	s.logger.Info("drift review complete", map[string]interface{}{
		"agent_id": ec.AgentID,
		"verdict":  verdict,
		"triggers": triggerNames(triggers),
	})
	if verdict == agent.VerdictContinue {
		return nil, nil
	}
	return &agent.SupervisionResult{
		Verdict:    verdict,
		Correction: correction,
		Question:   question,
	}, nil
}

// reconcile runs the static checks and returns the fired triggers.
func (s *Supervisor) reconcile(ec *agent.ExecutionContext) []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()

	var triggers []Trigger

	if ec.LastIterationError != "" {
		s.errorStreak[ec.AgentID]++
	} else {
		s.errorStreak[ec.AgentID] = 0
	}
	if s.errorStreak[ec.AgentID] >= s.cfg.ErrorStreak {
		triggers = append(triggers, TriggerRepeatedErrors)
	}

	if failed := trailingFailedCalls(ec); failed >= s.cfg.ErrorStreak {
		triggers = append(triggers, TriggerFailedCalls)
	}

	if ec.Iteration-s.lastChecked[ec.AgentID] >= s.cfg.Interval {
		triggers = append(triggers, TriggerReviewScheduled)
	}

	return triggers
}

// trailingFailedCalls counts consecutive failed calls at the end of
// the call history.
func trailingFailedCalls(ec *agent.ExecutionContext) int {
	n := 0
	for i := len(ec.CallHistory) - 1; i >= 0; i-- {
		if ec.CallHistory[i].Succeeded() {
			break
		}
		n++
	}
	return n
}

func (s *Supervisor) buildReviewPrompt(ec *agent.ExecutionContext, triggers []Trigger) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "TASK: %s\n\n", ec.Task)
	fmt.Fprintf(&sb, "PROGRESS: iteration %d, $%.4f spent\n", ec.Iteration, ec.CostUSD)
	if ec.LastIterationError != "" {
		fmt.Fprintf(&sb, "LAST ERROR: %s\n", ec.LastIterationError)
	}
	sb.WriteString("\n")

	if calls := ec.RecentCalls(10); len(calls) > 0 {
		sb.WriteString("RECENT FUNCTION CALLS:\n")
		for _, call := range calls {
			status := "ok"
			if !call.Succeeded() {
				status = "failed: " + call.Stderr
			}
			fmt.Fprintf(&sb, "- %s (%s)\n", call.Function, status)
		}
		sb.WriteString("\n")
	}

	if len(ec.Memory) > 0 {
		sb.WriteString("AGENT MEMORY:\n")
		for k, v := range ec.Memory {
			fmt.Fprintf(&sb, "- %s: %s\n", k, v)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "TRIGGERED BY: %s\n\n", strings.Join(triggerNames(triggers), ", "))

	sb.WriteString(`Evaluate:
1. Is the agent making real progress toward the task?
2. Do the recent failures indicate a wrong approach?
3. Should execution continue, be corrected, or paused for human input?

Respond with ONE of:
- CONTINUE: Progress is acceptable, proceed
- REORIENT: Course correct with guidance: "<correction>"
- PAUSE: Need human input: "<question>"`)

	return sb.String()
}

// parseVerdict extracts the verdict line from a review response.
// An unclear response defaults to continue.
func parseVerdict(content string) (verdict, correction, question string) {
	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		line = strings.TrimSpace(line)
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "CONTINUE"):
			return agent.VerdictContinue, "", ""
		case strings.HasPrefix(upper, "REORIENT"):
			return agent.VerdictReorient, afterColon(line), ""
		case strings.HasPrefix(upper, "PAUSE"):
			return agent.VerdictPause, "", afterColon(line)
		}
	}
	return agent.VerdictContinue, "", ""
}

func afterColon(line string) string {
	if idx := strings.Index(line, ":"); idx != -1 {
		return strings.Trim(strings.TrimSpace(line[idx+1:]), `"`)
	}
	return ""
}

func triggerNames(triggers []Trigger) []string {
	names := make([]string, len(triggers))
	for i, t := range triggers {
		names[i] = string(t)
	}
	return names
}

const supervisorSystemPrompt = `You are a supervision agent reviewing another agent's progress on its task.

Your job is to detect drift - when the agent's execution diverges from what the task actually requires, or when it is stuck repeating a failing approach.

Be pragmatic:
- Slow but real progress is acceptable
- Retrying a failed call once or twice with adjustments is fine
- Only flag issues that materially affect the outcome

Be conservative:
- When in doubt, ask for human input (PAUSE)
- Repeated identical failures are a red flag

Respond with exactly one verdict:
- CONTINUE: Work is on track, proceed
- REORIENT: Work is drifting, provide correction guidance
- PAUSE: Uncertain, need human to clarify`
