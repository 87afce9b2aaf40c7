package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/TrafficGuard/typedai-agent/internal/agent"
	"github.com/TrafficGuard/typedai-agent/internal/knowledge"
	"github.com/TrafficGuard/typedai-agent/internal/replay"
)

// Version information set at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	// Best effort; a missing .env is not an error.
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("typedai-agent"),
		kong.Description("Autonomous coding agent with budgeted context and dynamic capabilities"),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// signalContext cancels on SIGINT/SIGTERM so a run can checkpoint and
// exit as cancelled instead of dying mid-iteration.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// stdinApprover asks the operator on the terminal before continuing
// past a human-in-the-loop threshold.
type stdinApprover struct{}

func (stdinApprover) Approve(_ context.Context, req agent.ApprovalRequest) (bool, error) {
	fmt.Printf("\nAgent %s at iteration %d has spent $%.2f (%s).\nContinue? [y/N] ",
		req.AgentID, req.Iteration, req.CostUSD, req.Reason)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

// autoApprover approves everything; used with --yes.
type autoApprover struct{}

func (autoApprover) Approve(context.Context, agent.ApprovalRequest) (bool, error) {
	return true, nil
}

func pickApprover(yes bool) agent.Approver {
	if yes {
		return autoApprover{}
	}
	return stdinApprover{}
}

// Run starts a fresh agent run.
func (c *RunCmd) Run() error {
	rt, err := newRuntime(c.Config)
	if err != nil {
		return err
	}
	defer rt.Close()

	name := c.Name
	if name == "" {
		name = rt.cfg.Agent.Name
	}
	if name == "" {
		name = "agent"
	}

	ec, err := rt.newContext(name, c.Task, c.MaxIterations, c.Budget)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Starting agent %s (%s)\n", name, ec.AgentID)
	loop := rt.newLoop(pickApprover(c.Yes))
	if err := loop.Run(ctx, ec); err != nil {
		return err
	}
	printOutcome(ec)
	return nil
}

// Run resumes a persisted run from its last checkpoint.
func (c *ResumeCmd) Run() error {
	rt, err := newRuntime(c.Config)
	if err != nil {
		return err
	}
	defer rt.Close()

	ec, err := rt.sessions.Load(c.AgentID)
	if err != nil {
		return err
	}

	if c.Feedback != "" {
		if ec.State != agent.StateAwaitingFeedback {
			fmt.Printf("Note: agent was not awaiting feedback (state %s)\n", ec.State)
		}
		ec.Stack.AddToHistory("user", "Operator feedback: "+c.Feedback, false)
		ec.FeedbackQuestion = ""
	} else if ec.State == agent.StateAwaitingFeedback {
		return fmt.Errorf("agent is awaiting feedback: %q (answer with --feedback)", ec.FeedbackQuestion)
	}

	if err := rt.bindSpawnGroup(rt.registry, ec); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Printf("Resuming agent %s at iteration %d\n", ec.AgentID, ec.Iteration)
	loop := rt.newLoop(pickApprover(c.Yes))
	if err := loop.Run(ctx, ec); err != nil {
		return err
	}
	printOutcome(ec)
	return nil
}

// Run lists persisted agent runs.
func (c *ListCmd) Run() error {
	rt, err := newRuntime(c.Config)
	if err != nil {
		return err
	}
	defer rt.Close()

	previews, err := rt.sessions.List()
	if err != nil {
		return err
	}
	if len(previews) == 0 {
		fmt.Println("No persisted runs.")
		return nil
	}
	for _, p := range previews {
		fmt.Printf("%s  %-18s iter %-3d %-10s %s\n",
			p.AgentID, p.State, p.Iteration, p.Name, p.Task)
	}
	return nil
}

// Run renders a persisted run's iteration timeline.
func (c *ReplayCmd) Run() error {
	rt, err := newRuntime(c.Config)
	if err != nil {
		return err
	}
	defer rt.Close()

	ec, err := rt.sessions.Load(c.AgentID)
	if err != nil {
		return err
	}
	records, err := rt.sessions.IterationRecords(c.AgentID)
	if err != nil {
		return err
	}
	replay.New(os.Stdout, replay.Options{Verbose: c.Verbose}).Replay(ec, records)
	return nil
}

// Run queries the knowledge store.
func (c *LearningsCmd) Run() error {
	rt, err := newRuntime(c.Config)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	if c.Stats {
		stats, err := rt.store.GetStats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Total learnings: %d\n", stats.Total)
		for typ, n := range stats.ByType {
			fmt.Printf("  %-20s %d\n", typ, n)
		}
		return nil
	}

	filter := knowledge.Filter{
		MinConfidence: c.MinConfidence,
		Limit:         c.Limit,
	}
	if c.Category != "" {
		filter.Categories = []string{c.Category}
	}
	learnings, err := rt.store.Retrieve(ctx, filter)
	if err != nil {
		return err
	}
	if len(learnings) == 0 {
		fmt.Println("No learnings match.")
		return nil
	}
	for _, l := range learnings {
		fmt.Printf("[%s] %s (%.2f)\n  %s\n", l.Type, l.Category, l.Confidence, l.Content)
	}
	return nil
}

// Run prints version information.
func (c *VersionCmd) Run() error {
	fmt.Printf("typedai-agent %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
	return nil
}

func printOutcome(ec *agent.ExecutionContext) {
	fmt.Printf("\nAgent %s finished: %s (iterations: %d, cost: $%.4f)\n",
		ec.AgentID, ec.State, ec.Iteration, ec.CostUSD)
	switch ec.State {
	case agent.StateCompleted:
		if ec.Output != "" {
			fmt.Printf("\n%s\n", ec.Output)
		}
	case agent.StateAwaitingFeedback:
		fmt.Printf("\nQuestion: %s\nAnswer with: typedai-agent resume %s --feedback \"...\"\n",
			ec.FeedbackQuestion, ec.AgentID)
	case agent.StateError:
		if ec.Error != "" {
			fmt.Printf("\nError: %s\n", ec.Error)
		}
	}
}
