// Package main defines the CLI structure using kong.
package main

// CLI defines the command-line interface.
type CLI struct {
	Run       RunCmd       `cmd:"" help:"Run an agent on a task"`
	Resume    ResumeCmd    `cmd:"" help:"Resume a persisted agent run"`
	List      ListCmd      `cmd:"" help:"List persisted agent runs"`
	Replay    ReplayCmd    `cmd:"" help:"Replay a run's iteration timeline"`
	Learnings LearningsCmd `cmd:"" help:"Query the knowledge store"`
	Version   VersionCmd   `cmd:"" help:"Show version information"`
}

// RunCmd starts a fresh agent run.
type RunCmd struct {
	Task          string  `arg:"" help:"Task description"`
	Name          string  `short:"n" help:"Agent name"`
	Config        string  `help:"Config file path"`
	MaxIterations int     `help:"Iteration cap (overrides config)"`
	Budget        float64 `help:"Budget in USD (overrides config)"`
	Yes           bool    `short:"y" help:"Auto-approve human-in-the-loop gates"`
}

// ResumeCmd re-enters a persisted run from its last checkpoint.
type ResumeCmd struct {
	AgentID  string `arg:"" help:"Agent id to resume"`
	Config   string `help:"Config file path"`
	Feedback string `help:"Answer to a pending feedback question"`
	Yes      bool   `short:"y" help:"Auto-approve human-in-the-loop gates"`
}

// ListCmd shows previews of persisted runs.
type ListCmd struct {
	Config string `help:"Config file path"`
}

// ReplayCmd renders a persisted run's iteration records.
type ReplayCmd struct {
	AgentID string `arg:"" help:"Agent id to replay"`
	Config  string `help:"Config file path"`
	Verbose bool   `short:"v" help:"Include prompts and memory snapshots"`
}

// LearningsCmd queries accumulated learnings.
type LearningsCmd struct {
	Config        string  `help:"Config file path"`
	Category      string  `help:"Filter by category"`
	MinConfidence float64 `help:"Minimum confidence"`
	Limit         int     `default:"20" help:"Maximum results"`
	Stats         bool    `help:"Show store statistics instead"`
}

// VersionCmd prints version information.
type VersionCmd struct{}
