package main

import (
	"context"
	"encoding/json"
	"testing"

	akllm "github.com/vinayprograms/agentkit/llm"

	"github.com/TrafficGuard/typedai-agent/internal/budget"
	"github.com/TrafficGuard/typedai-agent/internal/capability"
	"github.com/TrafficGuard/typedai-agent/internal/compaction"
	"github.com/TrafficGuard/typedai-agent/internal/config"
	"github.com/TrafficGuard/typedai-agent/internal/knowledge"
	llmclient "github.com/TrafficGuard/typedai-agent/internal/llm"
	"github.com/TrafficGuard/typedai-agent/internal/session"
	"github.com/TrafficGuard/typedai-agent/internal/tokens"
)

func newTestRuntime(t *testing.T) *runtime {
	t.Helper()
	cfg := config.New()
	cfg.Agent.MaxIterations = 1
	cfg.Storage.Path = t.TempDir()

	rt := &runtime{cfg: cfg, counter: tokens.Heuristic{}}
	rt.client = llmclient.NewClient(akllm.NewMockProvider())
	rt.registry = capability.NewRegistry()
	if err := capability.RegisterCore(rt.registry, capability.CoreHandlers{}); err != nil {
		t.Fatalf("register core: %v", err)
	}
	rt.loader = capability.NewLoader(rt.registry, capability.DefaultLoaderConfig(), rt.counter)
	rt.assembler = budget.NewAssembler(budget.DefaultConfig(), rt.counter)
	rt.store = knowledge.NewInMemoryStore()

	var err error
	rt.sessions, err = session.NewManager(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("session manager: %v", err)
	}
	rt.engine = compaction.NewEngine(rt.client, rt.assembler, rt.loader, rt.store, compaction.Config{})
	return rt
}

func TestNewContextExposesCoreCapabilities(t *testing.T) {
	rt := newTestRuntime(t)

	ec, err := rt.newContext("tester", "do the thing", 5, 1.0)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}
	if !ec.ToolState.IsLoaded(capability.CoreGroup) {
		t.Error("core group must be loaded into a fresh context")
	}
	if _, ok := rt.registry.Get(capability.NameCompleted); !ok {
		t.Errorf("%s must be resolvable before the run starts", capability.NameCompleted)
	}
}

func TestSpawnAgentsUsesInvokingContext(t *testing.T) {
	rt := newTestRuntime(t)

	parent, err := rt.newContext("parent", "coordinate the work", 1, 8.0)
	if err != nil {
		t.Fatalf("new context: %v", err)
	}

	d, ok := rt.registry.Get("spawn_agents")
	if !ok {
		t.Fatal("spawn_agents not registered for the run")
	}
	out, err := d.Invoke(context.Background(), []interface{}{
		[]interface{}{"collect evidence", "draft a summary"}, "merge",
	})
	if err != nil {
		t.Fatalf("spawn_agents: %v", err)
	}

	var outcome map[string]interface{}
	if err := json.Unmarshal([]byte(out.(string)), &outcome); err != nil {
		t.Fatalf("outcome is not JSON: %v", err)
	}

	if len(parent.CompletedSubAgents) != 2 {
		t.Errorf("children must settle on the invoking context, got %d", len(parent.CompletedSubAgents))
	}
	if len(parent.ActiveSubAgents) != 0 {
		t.Errorf("active map should drain after awaiting, got %d", len(parent.ActiveSubAgents))
	}
}
