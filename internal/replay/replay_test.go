package replay

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/TrafficGuard/typedai-agent/internal/agent"
)

func TestReplayTimeline(t *testing.T) {
	ec := agent.NewExecutionContext("tester", "fix the flaky test", nil, nil)
	ec.State = agent.StateCompleted
	ec.Output = "test stabilized"
	ec.CostUSD = 0.12

	records := []agent.IterationRecord{
		{Iteration: 1, Code: "files = read_file('main.go')", Result: "ok", CostDelta: 0.05, Timestamp: time.Now()},
		{Iteration: 2, Code: "agent_completed('done')", Error: "file not found", CostDelta: 0.07, Timestamp: time.Now()},
	}

	var buf bytes.Buffer
	New(&buf, Options{}).Replay(ec, records)
	out := buf.String()

	for _, want := range []string{"#1", "#2", "fix the flaky test", "file not found", "test stabilized"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestVerboseIncludesPromptAndMemory(t *testing.T) {
	ec := agent.NewExecutionContext("tester", "task", nil, nil)
	records := []agent.IterationRecord{{
		Iteration:      1,
		Prompt:         "full iteration prompt text",
		MemorySnapshot: map[string]string{"branch": "fix/parser"},
		Timestamp:      time.Now(),
	}}

	var terse, verbose bytes.Buffer
	New(&terse, Options{}).Replay(ec, records)
	New(&verbose, Options{Verbose: true}).Replay(ec, records)

	if strings.Contains(terse.String(), "full iteration prompt text") {
		t.Error("terse output should omit the prompt")
	}
	if !strings.Contains(verbose.String(), "full iteration prompt text") {
		t.Error("verbose output should include the prompt")
	}
	if !strings.Contains(verbose.String(), "fix/parser") {
		t.Error("verbose output should include memory entries")
	}
}
