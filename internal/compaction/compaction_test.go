package compaction

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	akllm "github.com/vinayprograms/agentkit/llm"

	"github.com/TrafficGuard/typedai-agent/internal/agent"
	"github.com/TrafficGuard/typedai-agent/internal/budget"
	"github.com/TrafficGuard/typedai-agent/internal/capability"
	"github.com/TrafficGuard/typedai-agent/internal/knowledge"
	llmclient "github.com/TrafficGuard/typedai-agent/internal/llm"
	"github.com/TrafficGuard/typedai-agent/internal/sandbox"
	"github.com/TrafficGuard/typedai-agent/internal/tokens"
)

// queueProvider returns queued responses in order; an empty queue or a
// set error makes every call fail.
type queueProvider struct {
	mu        sync.Mutex
	responses []string
	err       error
}

func (p *queueProvider) Chat(ctx context.Context, req akllm.ChatRequest) (*akllm.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	if len(p.responses) == 0 {
		return nil, errors.New("no response queued")
	}
	resp := p.responses[0]
	p.responses = p.responses[1:]
	return &akllm.ChatResponse{Content: resp}, nil
}

func (p *queueProvider) ChatStream(ctx context.Context, req akllm.ChatRequest, fn func(string)) (*akllm.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *queueProvider) Name() string { return "queue" }

func newTestContext(t *testing.T, loader *capability.Loader) *agent.ExecutionContext {
	t.Helper()
	stack := budget.NewMessageStack("system", "", "refactor the parser")
	state, err := loader.InitializeState(stack)
	if err != nil {
		t.Fatalf("initialize state: %v", err)
	}
	ec := agent.NewExecutionContext("tester", "refactor the parser", stack, state)
	for i := 0; i < 8; i++ {
		stack.AddToHistory("assistant", "working on it", false)
		stack.AddToHistory("user", "results", false)
	}
	ec.Iteration = 8
	return ec
}

func newTestEngine(t *testing.T, provider akllm.Provider, store knowledge.Store, cfg Config) (*Engine, *capability.Loader) {
	t.Helper()
	counter := tokens.Heuristic{}
	registry := capability.NewRegistry()
	if err := capability.RegisterCore(registry, capability.CoreHandlers{}); err != nil {
		t.Fatalf("register core: %v", err)
	}
	loader := capability.NewLoader(registry, capability.DefaultLoaderConfig(), counter)
	assembler := budget.NewAssembler(budget.DefaultConfig(), counter)
	client := llmclient.NewClient(provider)
	client.RetryDelay = time.Millisecond
	return NewEngine(client, assembler, loader, store, cfg), loader
}

func TestSummarizationFailureFallsBack(t *testing.T) {
	provider := &queueProvider{err: errors.New("provider down")}
	engine, loader := newTestEngine(t, provider, nil, DefaultConfig())
	ec := newTestContext(t, loader)

	record, err := engine.Compact(context.Background(), ec, budget.TriggerUsageRatio)
	if err != nil {
		t.Fatalf("compact must not fail on a summarization error: %v", err)
	}
	if !strings.Contains(record.Summary, "Completed iterations 1-8") {
		t.Errorf("expected deterministic fallback summary, got %q", record.Summary)
	}
	if !strings.Contains(ec.Stack.Compacted, record.Summary) {
		t.Error("compacted context should be installed on the stack")
	}
}

func TestCompactionBookkeeping(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExtractLearnings = false
	provider := &queueProvider{responses: []string{
		`{"summary": "Parsed the grammar and fixed two bugs.", "key_decisions": ["kept recursive descent"]}`,
	}}
	engine, loader := newTestEngine(t, provider, nil, cfg)
	ec := newTestContext(t, loader)
	ec.ToolState.MarkUsed(capability.CoreGroup)
	ec.Memory["branch"] = "fix/parser"

	record, err := engine.Compact(context.Background(), ec, budget.TriggerIterationThreshold)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}

	if ec.LastCompactionIteration != 8 {
		t.Errorf("last compaction iteration = %d, want 8", ec.LastCompactionIteration)
	}
	if len(ec.Compactions) != 1 {
		t.Fatalf("expected 1 compaction record, got %d", len(ec.Compactions))
	}
	if len(ec.ToolState.UsedSinceCompaction) != 0 {
		t.Error("used-groups set should be cleared")
	}
	if record.Summary != "Parsed the grammar and fixed two bugs." {
		t.Errorf("summary = %q", record.Summary)
	}
	if len(record.KeyDecisions) != 1 {
		t.Errorf("key decisions = %v", record.KeyDecisions)
	}
	if !strings.Contains(ec.Stack.Compacted, "branch: fix/parser") {
		t.Error("small memory entries should be inlined into the compacted context")
	}
	if ec.Stack.Task == "" {
		t.Error("compaction must never drop the task")
	}
	if record.TokensSaved < 0 {
		t.Errorf("tokens saved must be floored at zero, got %d", record.TokensSaved)
	}

	// History trimmed to the configured number of preserved turns.
	if len(ec.Stack.History) != cfg.PreserveTurns*2 {
		t.Errorf("history length = %d, want %d", len(ec.Stack.History), cfg.PreserveTurns*2)
	}
}

func TestLearningExtraction(t *testing.T) {
	store := knowledge.NewInMemoryStore()
	provider := &queueProvider{responses: []string{
		`{"summary": "Worked through several failures.", "key_decisions": []}`,
		`[
			{"type": "error_resolution", "category": "build", "tags": ["go"], "content": "missing module requires go mod tidy", "confidence": 0.9},
			{"type": "tool_usage", "category": "shell", "content": "low value", "confidence": 0.2}
		]`,
	}}
	engine, loader := newTestEngine(t, provider, store, DefaultConfig())
	ec := newTestContext(t, loader)
	ec.CallHistory = []sandbox.CallResult{
		{Function: "compile", Stderr: "missing module"},
	}

	record, err := engine.Compact(context.Background(), ec, budget.TriggerSubTaskComplete)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}

	if len(record.Learnings) != 1 {
		t.Fatalf("expected 1 learning above the confidence floor, got %d", len(record.Learnings))
	}
	l := record.Learnings[0]
	if l.Type != knowledge.TypeErrorResolution || l.Provenance.AgentID != ec.AgentID {
		t.Errorf("unexpected learning %+v", l)
	}
	if len(ec.Learnings) != 1 {
		t.Errorf("learnings should be appended to the context, got %d", len(ec.Learnings))
	}

	saved, err := store.Retrieve(context.Background(), knowledge.Filter{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(saved) != 1 {
		t.Errorf("learning should be persisted to the store, got %d", len(saved))
	}
}

func TestNoExtractionWithoutEnoughData(t *testing.T) {
	provider := &queueProvider{responses: []string{
		`{"summary": "Quiet period.", "key_decisions": []}`,
	}}
	engine, loader := newTestEngine(t, provider, nil, DefaultConfig())
	ec := newTestContext(t, loader)
	ec.CallHistory = []sandbox.CallResult{
		{Function: "list_files", Stdout: "a.go"},
		{Function: "read_file", Stdout: "package a"},
	}

	record, err := engine.Compact(context.Background(), ec, budget.TriggerUsageRatio)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(record.Learnings) != 0 {
		t.Errorf("two successes and no errors is not enough data, got %d learnings", len(record.Learnings))
	}
}
