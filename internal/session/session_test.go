package session

import (
	"testing"
	"time"

	"github.com/TrafficGuard/typedai-agent/internal/agent"
	"github.com/TrafficGuard/typedai-agent/internal/budget"
	"github.com/TrafficGuard/typedai-agent/internal/capability"
	"github.com/TrafficGuard/typedai-agent/internal/sandbox"
)

func newTestContext() *agent.ExecutionContext {
	stack := budget.NewMessageStack("system prompt", "repo overview", "build the thing")
	stack.AddToHistory("assistant", "planning", true)
	stack.AddToHistory("user", "results", false)
	stack.AddToolSchema("files", "<tool-group name=\"files\">...</tool-group>")

	state := capability.NewLoadingState()
	state.Active["files"] = time.Now()
	state.MarkUsed("files")

	ec := agent.NewExecutionContext("tester", "build the thing", stack, state)
	ec.Iteration = 3
	ec.LastCompactionIteration = 1
	ec.CostUSD = 0.42
	ec.Memory["branch"] = "feature/x"
	ec.CallHistory = []sandbox.CallResult{{Function: "read_file", Stdout: "contents"}}
	return ec
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ec := newTestContext()

	if err := m.Save(ec); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := m.Load(ec.AgentID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Everything the loop needs to resume must survive the round trip.
	if loaded.Iteration != 3 || loaded.LastCompactionIteration != 1 {
		t.Errorf("iteration counters lost: %+v", loaded)
	}
	if loaded.Memory["branch"] != "feature/x" {
		t.Errorf("memory lost: %v", loaded.Memory)
	}
	if !loaded.ToolState.IsLoaded("files") || !loaded.ToolState.UsedSinceCompaction["files"] {
		t.Errorf("tool loading state lost: %+v", loaded.ToolState)
	}
	if len(loaded.Stack.History) != 2 || loaded.Stack.Task != "build the thing" {
		t.Errorf("message stack lost: %+v", loaded.Stack)
	}
	if len(loaded.Stack.ToolSchemas) != 1 {
		t.Errorf("tool schemas lost: %+v", loaded.Stack.ToolSchemas)
	}
	if len(loaded.CallHistory) != 1 {
		t.Errorf("call history lost: %+v", loaded.CallHistory)
	}
	if loaded.CostUSD != 0.42 {
		t.Errorf("cost lost: %v", loaded.CostUSD)
	}
}

func TestIterationRecordsAppendOrdered(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	for i := 1; i <= 3; i++ {
		if err := m.SaveIterationRecord(agent.IterationRecord{
			AgentID:   "agent-1",
			Iteration: i,
			Code:      "x = 1",
			Timestamp: time.Now(),
		}); err != nil {
			t.Fatalf("save record %d: %v", i, err)
		}
	}

	records, err := m.IterationRecords("agent-1")
	if err != nil {
		t.Fatalf("read records: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	for i, rec := range records {
		if rec.Iteration != i+1 {
			t.Errorf("records out of order: %v", records)
		}
	}
}

func TestList(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	first := newTestContext()
	first.UpdatedAt = time.Now().Add(-time.Hour)
	second := newTestContext()
	second.State = agent.StateCompleted
	second.UpdatedAt = time.Now()

	for _, ec := range []*agent.ExecutionContext{first, second} {
		if err := m.Save(ec); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	previews, err := m.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(previews) != 2 {
		t.Fatalf("expected 2 previews, got %d", len(previews))
	}
	if previews[0].AgentID != second.AgentID {
		t.Error("previews should be ordered most recent first")
	}
	if previews[0].State != agent.StateCompleted {
		t.Errorf("preview state = %s", previews[0].State)
	}
}
