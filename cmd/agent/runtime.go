package main

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	akllm "github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/telemetry"

	"github.com/TrafficGuard/typedai-agent/internal/agent"
	"github.com/TrafficGuard/typedai-agent/internal/budget"
	"github.com/TrafficGuard/typedai-agent/internal/capability"
	"github.com/TrafficGuard/typedai-agent/internal/compaction"
	"github.com/TrafficGuard/typedai-agent/internal/config"
	"github.com/TrafficGuard/typedai-agent/internal/knowledge"
	llmclient "github.com/TrafficGuard/typedai-agent/internal/llm"
	"github.com/TrafficGuard/typedai-agent/internal/notify"
	"github.com/TrafficGuard/typedai-agent/internal/sandbox"
	"github.com/TrafficGuard/typedai-agent/internal/session"
	"github.com/TrafficGuard/typedai-agent/internal/skills"
	"github.com/TrafficGuard/typedai-agent/internal/subagent"
	"github.com/TrafficGuard/typedai-agent/internal/supervision"
	"github.com/TrafficGuard/typedai-agent/internal/tokens"
)

const defaultSystemPrompt = "You are an autonomous software agent. Each iteration you write a short script " +
	"that calls the available functions to make progress on the task."

// runtime wires the configured collaborators for one CLI invocation.
type runtime struct {
	cfg       *config.Config
	counter   tokens.Counter
	client    *llmclient.Client
	registry  *capability.Registry
	loader    *capability.Loader
	assembler *budget.Assembler
	bridge    *sandbox.Bridge
	sessions  *session.Manager
	store     knowledge.Store
	notifier  notify.Dispatcher
	engine    *compaction.Engine
	telem     telemetry.Exporter
	stopWatch func()
}

func newRuntime(configPath string) (*runtime, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}
	if err := rt.setupTelemetry(); err != nil {
		return nil, err
	}
	rt.counter = tokens.NewCounter(cfg.Budget.Encoding)

	provider, err := buildProvider(cfg)
	if err != nil {
		return nil, err
	}
	rt.client = llmclient.NewClient(provider)

	rt.registry = capability.NewRegistry()
	// The loop rebinds the core handlers to its run context; registering
	// here makes the group resolvable before any context is initialized.
	if err := capability.RegisterCore(rt.registry, capability.CoreHandlers{}); err != nil {
		return nil, err
	}
	if cfg.Capabilities.ManifestDir != "" {
		if _, err := capability.LoadManifestDir(rt.registry, cfg.Capabilities.ManifestDir); err != nil {
			return nil, fmt.Errorf("failed to load capability manifests: %w", err)
		}
	}

	loaderCfg := capability.DefaultLoaderConfig()
	if cfg.Capabilities.TokenCeiling > 0 {
		loaderCfg.TokenCeiling = cfg.Capabilities.TokenCeiling
	}
	loaderCfg.AutoEvict = cfg.Capabilities.AutoEvict
	if len(cfg.Capabilities.CoreGroups) > 0 {
		loaderCfg.CoreGroups = cfg.Capabilities.CoreGroups
	}
	rt.loader = capability.NewLoader(rt.registry, loaderCfg, rt.counter)
	if cfg.Capabilities.ManifestDir != "" {
		stop, err := rt.loader.WatchManifests(cfg.Capabilities.ManifestDir)
		if err == nil {
			rt.stopWatch = stop
		}
	}

	rt.assembler = budget.NewAssembler(budget.Config{
		MaxTokens:       cfg.Budget.MaxTokens,
		ResponseReserve: cfg.Budget.ResponseReserve,
		MaxCacheable:    cfg.Budget.MaxCacheable,
		UsageRatio:      cfg.Budget.UsageRatio,
		IterationGap:    cfg.Budget.IterationGap,
	}, rt.counter)

	interp := sandbox.NewInterpreter(sandbox.InterpreterConfig{
		MaxSteps: cfg.Sandbox.MaxSteps,
		Shared:   cfg.Sandbox.Shared,
	})
	rt.bridge = sandbox.NewBridge(interp, rt.registry.Call,
		sandbox.WithMaxOutputChars(cfg.Sandbox.MaxOutputChars),
		sandbox.WithSummarizer(rt.summarize))

	rt.sessions, err = session.NewManager(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}

	rt.store, err = buildKnowledgeStore(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Notify.NATSURL != "" {
		rt.notifier, err = notify.NewNATSDispatcher(cfg.Notify.NATSURL, cfg.Notify.Subject)
		if err != nil {
			return nil, err
		}
	} else {
		rt.notifier = notify.NewLogDispatcher()
	}

	rt.engine = compaction.NewEngine(rt.client, rt.assembler, rt.loader, rt.store, compaction.Config{
		PreserveTurns:       cfg.Compaction.PreserveTurns,
		RecentCalls:         cfg.Compaction.RecentCalls,
		ExtractLearnings:    cfg.Compaction.ExtractLearnings,
		MinConfidence:       cfg.Compaction.MinConfidence,
		MaxLearnings:        cfg.Compaction.MaxLearnings,
		UnloadTools:         cfg.Compaction.UnloadTools,
		MaxMemoryEntryChars: cfg.Compaction.MaxMemoryEntryChars,
	})

	if err := rt.registerSkillsGroup(); err != nil {
		return nil, err
	}
	return rt, nil
}

// setupTelemetry creates the telemetry exporter.
func (rt *runtime) setupTelemetry() error {
	var err error
	if rt.cfg.Telemetry.Enabled {
		rt.telem, err = telemetry.NewExporter(rt.cfg.Telemetry.Protocol, rt.cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("creating telemetry exporter: %w", err)
		}
	} else {
		rt.telem = telemetry.NewNoopExporter()
	}
	return nil
}

func (rt *runtime) Close() {
	if rt.stopWatch != nil {
		rt.stopWatch()
	}
	if rt.store != nil {
		rt.store.Close()
	}
	if rt.notifier != nil {
		rt.notifier.Close()
	}
	if rt.telem != nil {
		rt.telem.Close()
	}
}

func buildProvider(cfg *config.Config) (akllm.Provider, error) {
	if cfg.LLM.Provider == "mock" {
		return akllm.NewMockProvider(), nil
	}
	if cfg.LLM.Model == "" {
		return nil, fmt.Errorf("llm model not configured")
	}
	return akllm.NewProvider(akllm.ProviderConfig{
		Provider: cfg.LLM.Provider,
		Model:    cfg.LLM.Model,
		APIKey:   cfg.GetAPIKey(),
	})
}

func buildKnowledgeStore(cfg *config.Config) (knowledge.Store, error) {
	switch cfg.Knowledge.Backend {
	case "memory":
		return knowledge.NewInMemoryStore(), nil
	case "bleve":
		return knowledge.NewBleveStore(cfg.Knowledge.Path)
	default:
		return knowledge.NewSQLiteStore(cfg.Knowledge.Path)
	}
}

// summarize condenses oversized capability output for the prompt.
func (rt *runtime) summarize(ctx context.Context, functionName, output string) (string, error) {
	prompt := fmt.Sprintf("Summarize this output of %s in a few sentences, keeping identifiers, paths, and errors:\n\n%s",
		functionName, output)
	return rt.client.Generate(ctx, "", prompt)
}

// newContext creates a fresh run context with core groups pre-loaded.
func (rt *runtime) newContext(name, task string, maxIterations int, budgetUSD float64) (*agent.ExecutionContext, error) {
	system := rt.cfg.Agent.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	stack := budget.NewMessageStack(system, rt.cfg.Agent.RepoOverview, task)

	state, err := rt.loader.InitializeState(stack)
	if err != nil {
		return nil, err
	}

	ec := agent.NewExecutionContext(name, task, stack, state)
	ec.MaxIterations = maxIterations
	if ec.MaxIterations <= 0 {
		ec.MaxIterations = rt.cfg.Agent.MaxIterations
	}
	ec.BudgetRemaining = budgetUSD
	if ec.BudgetRemaining <= 0 {
		ec.BudgetRemaining = rt.cfg.Agent.BudgetUSD
	}

	// Spawn capabilities close over the run's context, so they can only
	// be registered once it exists. Initial groups may include them.
	if err := rt.bindSpawnGroup(rt.registry, ec); err != nil {
		return nil, err
	}
	if _, err := rt.loader.LoadGroups(state, stack, rt.cfg.Capabilities.InitialGroups); err != nil {
		return nil, err
	}
	return ec, nil
}

// newLoop builds a control loop over the shared runtime collaborators.
func (rt *runtime) newLoop(approver agent.Approver) *agent.Loop {
	var supervisor agent.DriftChecker
	if rt.cfg.Supervision.Enabled {
		supervisor = supervision.New(rt.client, supervision.Config{
			Interval:    rt.cfg.Supervision.Interval,
			ErrorStreak: rt.cfg.Supervision.ErrorStreak,
		})
	}
	return agent.NewLoop(agent.Deps{
		Client:     rt.client,
		Assembler:  rt.assembler,
		Loader:     rt.loader,
		Registry:   rt.registry,
		Bridge:     rt.bridge,
		Compactor:  rt.engine,
		Persister:  rt.sessions,
		Approver:   approver,
		Notifier:   rt.notifier,
		Supervisor: supervisor,
	}, agent.Config{
		MaxIterations:          rt.cfg.Agent.MaxIterations,
		SyntaxRepairAttempts:   agent.DefaultConfig().SyntaxRepairAttempts,
		HITLCostThreshold:      rt.cfg.HITL.CostThreshold,
		HITLIterationThreshold: rt.cfg.HITL.IterationThreshold,
		InputCostPerMTok:       rt.cfg.LLM.InputCostPerMTok,
		OutputCostPerMTok:      rt.cfg.LLM.OutputCostPerMTok,
	})
}

// bindSpawnGroup exposes sub-agent orchestration inside the sandbox,
// bound to the invoking run's context: children draw on its remaining
// budget and register in its active map, so the driving loop can
// observe and cancel them. Children run with an isolated registry, so
// parallel runs never share core-group bindings.
func (rt *runtime) bindSpawnGroup(registry *capability.Registry, ec *agent.ExecutionContext) error {
	orchestrator := subagent.NewOrchestrator(rt.childFactory, rt.childExecutor)

	return registry.Register(&capability.Descriptor{
		Name:        "spawn_agents",
		Group:       "subagents",
		Description: "Run child agents on sub-tasks in parallel and merge their results.",
		Parameters: []capability.Parameter{
			{Name: "tasks", Type: "list", Description: "Sub-task descriptions", Required: true},
			{Name: "aggregation", Type: "string", Description: "merge, vote, best, or pipeline"},
		},
		Invoke: func(ctx context.Context, args []interface{}) (interface{}, error) {
			return rt.spawnAgents(ctx, orchestrator, ec, args)
		},
	})
}

// registerSkillsGroup exposes installed skills as a loadable group so
// agents can pull instruction packs into context on demand.
func (rt *runtime) registerSkillsGroup() error {
	dir := rt.cfg.Capabilities.SkillsDir
	if dir == "" {
		return nil
	}

	if err := rt.registry.Register(&capability.Descriptor{
		Name:        "list_skills",
		Group:       "skills",
		Description: "List installed skills with their descriptions.",
		Invoke: func(_ context.Context, _ []interface{}) (interface{}, error) {
			refs, err := skills.Discover(dir)
			if err != nil {
				return nil, err
			}
			var b strings.Builder
			for _, ref := range refs {
				fmt.Fprintf(&b, "%s: %s\n", ref.Name, ref.Description)
			}
			if b.Len() == 0 {
				return "No skills installed.", nil
			}
			return b.String(), nil
		},
	}); err != nil {
		return err
	}

	return rt.registry.Register(&capability.Descriptor{
		Name:        "load_skill",
		Group:       "skills",
		Description: "Load a skill's full instructions by name.",
		Parameters: []capability.Parameter{
			{Name: "name", Type: "string", Description: "Skill name from list_skills", Required: true},
		},
		Invoke: func(_ context.Context, args []interface{}) (interface{}, error) {
			name, ok := args[0].(string)
			if !ok || name == "" {
				return nil, fmt.Errorf("load_skill requires a skill name")
			}
			skill, err := skills.Load(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			return skill.Instructions, nil
		},
	})
}

func (rt *runtime) spawnAgents(ctx context.Context, o *subagent.Orchestrator, parent *agent.ExecutionContext, args []interface{}) (interface{}, error) {
	taskList, ok := args[0].([]interface{})
	if !ok || len(taskList) == 0 {
		return nil, fmt.Errorf("spawn_agents requires a non-empty list of tasks")
	}
	aggregation := subagent.AggregateMerge
	if len(args) > 1 {
		if s, ok := args[1].(string); ok && s != "" {
			aggregation = subagent.Aggregation(s)
		}
	}

	children := make([]subagent.ChildSpec, 0, len(taskList))
	for i, raw := range taskList {
		task, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("task %d is not a string", i)
		}
		children = append(children, subagent.ChildSpec{
			Role: fmt.Sprintf("worker-%d", i+1),
			Task: task,
		})
	}

	cfg := subagent.SpawnConfig{
		Children:     children,
		Coordination: subagent.Coordination{Type: "parallel", Aggregation: aggregation},
	}
	executions, err := o.Spawn(ctx, parent, cfg, parent.Task)
	if err != nil {
		return nil, err
	}
	results := o.AwaitAll(parent, executions, 10*time.Minute)
	outcome := subagent.Aggregate(results, cfg.Coordination)

	data, err := json.Marshal(outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to encode aggregate outcome: %w", err)
	}
	return string(data), nil
}

// childFactory creates an isolated context for a child run.
func (rt *runtime) childFactory(parent *agent.ExecutionContext, role, task string) (*agent.ExecutionContext, error) {
	system := rt.cfg.Agent.SystemPrompt
	if system == "" {
		system = defaultSystemPrompt
	}
	stack := budget.NewMessageStack(system, rt.cfg.Agent.RepoOverview, task)

	registry := capability.NewRegistry()
	if err := capability.RegisterCore(registry, capability.CoreHandlers{}); err != nil {
		return nil, err
	}
	loader := capability.NewLoader(registry, capability.DefaultLoaderConfig(), rt.counter)
	state, err := loader.InitializeState(stack)
	if err != nil {
		return nil, err
	}
	return agent.NewChildContext(parent, role, task, stack, state), nil
}

// childExecutor runs a child context with its own loop, registry, and
// loader so concurrent children never share mutable capability state.
func (rt *runtime) childExecutor(ctx context.Context, ec *agent.ExecutionContext) error {
	registry := capability.NewRegistry()
	if err := rt.bindSpawnGroup(registry, ec); err != nil {
		return err
	}
	loader := capability.NewLoader(registry, capability.DefaultLoaderConfig(), rt.counter)
	bridge := sandbox.NewBridge(sandbox.NewInterpreter(sandbox.InterpreterConfig{
		MaxSteps: rt.cfg.Sandbox.MaxSteps,
	}), registry.Call, sandbox.WithMaxOutputChars(rt.cfg.Sandbox.MaxOutputChars))

	loop := agent.NewLoop(agent.Deps{
		Client:    rt.client,
		Assembler: rt.assembler,
		Loader:    loader,
		Registry:  registry,
		Bridge:    bridge,
		Compactor: rt.engine,
		Persister: rt.sessions,
		Notifier:  rt.notifier,
	}, agent.Config{
		MaxIterations:     ec.MaxIterations,
		InputCostPerMTok:  rt.cfg.LLM.InputCostPerMTok,
		OutputCostPerMTok: rt.cfg.LLM.OutputCostPerMTok,
	})
	return loop.Run(ctx, ec)
}
