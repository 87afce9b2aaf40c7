package capability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/TrafficGuard/typedai-agent/internal/budget"
	"github.com/TrafficGuard/typedai-agent/internal/tokens"
)

func registerGroup(t *testing.T, r *Registry, group string, names ...string) {
	t.Helper()
	for _, name := range names {
		err := r.Register(&Descriptor{
			Name:        name,
			Group:       group,
			Description: strings.Repeat("describes the capability in detail ", 10),
			Parameters:  []Parameter{{Name: "input", Type: "string", Required: true}},
			Invoke: func(ctx context.Context, args []interface{}) (interface{}, error) {
				return "ok", nil
			},
		})
		if err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
}

func newTestLoader(t *testing.T, ceiling int) (*Loader, *Registry) {
	t.Helper()
	r := NewRegistry()
	if err := RegisterCore(r, CoreHandlers{}); err != nil {
		t.Fatalf("register core: %v", err)
	}
	registerGroup(t, r, "files", "read_file", "write_file")
	registerGroup(t, r, "web", "web_fetch", "web_search")
	registerGroup(t, r, "scm", "git_commit", "git_diff")

	l := NewLoader(r, LoaderConfig{
		TokenCeiling: ceiling,
		AutoEvict:    true,
		CoreGroups:   []string{CoreGroup},
	}, tokens.Heuristic{})

	// Deterministic, strictly increasing load timestamps.
	tick := time.Unix(0, 0)
	l.clock = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	return l, r
}

func TestInitializeStateRequiresCoreGroup(t *testing.T) {
	l := NewLoader(NewRegistry(), DefaultLoaderConfig(), tokens.Heuristic{})
	stack := budget.NewMessageStack("s", "", "t")

	if _, err := l.InitializeState(stack); !errors.Is(err, ErrUnknownGroup) {
		t.Fatalf("expected ErrUnknownGroup for an unregistered core group, got %v", err)
	}
}

func TestInitializeStatePreloadsCore(t *testing.T) {
	l, _ := newTestLoader(t, 100000)
	stack := budget.NewMessageStack("s", "", "t")

	state, err := l.InitializeState(stack)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if !state.IsLoaded(CoreGroup) {
		t.Error("core group should be pre-loaded")
	}
	if len(stack.ToolSchemas) != 1 || stack.ToolSchemas[0].Group != CoreGroup {
		t.Errorf("stack should carry the core schema section, got %+v", stack.ToolSchemas)
	}
}

func TestLoadGroupIdempotent(t *testing.T) {
	l, _ := newTestLoader(t, 100000)
	stack := budget.NewMessageStack("s", "", "t")
	state, _ := l.InitializeState(stack)

	first, err := l.LoadGroup(state, stack, "files")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !first.Success || first.TokensAdded == 0 {
		t.Errorf("first load should add tokens, got %+v", first)
	}

	second, err := l.LoadGroup(state, stack, "files")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if !second.Success || second.TokensAdded != 0 {
		t.Errorf("second load should be idempotent with zero tokens, got %+v", second)
	}
}

func TestUnloadCoreGroupFails(t *testing.T) {
	l, _ := newTestLoader(t, 100000)
	stack := budget.NewMessageStack("s", "", "t")
	state, _ := l.InitializeState(stack)

	if err := l.UnloadGroup(state, stack, CoreGroup); !errors.Is(err, ErrCoreGroup) {
		t.Errorf("expected ErrCoreGroup, got %v", err)
	}
	if !state.IsLoaded(CoreGroup) {
		t.Error("core group must stay loaded")
	}
}

func TestLRUEvictionUnderCeiling(t *testing.T) {
	l, _ := newTestLoader(t, 100000)
	stack := budget.NewMessageStack("s", "", "t")
	state, _ := l.InitializeState(stack)

	// Size the ceiling so core + one extra group fits but not two.
	coreSchema, _ := l.GroupSchemas(CoreGroup)
	filesSchema, _ := l.GroupSchemas("files")
	counter := tokens.Heuristic{}
	l.cfg.TokenCeiling = counter.Count(coreSchema) + counter.Count(filesSchema) + 10

	if _, err := l.LoadGroup(state, stack, "files"); err != nil {
		t.Fatalf("load files: %v", err)
	}
	res, err := l.LoadGroup(state, stack, "web")
	if err != nil {
		t.Fatalf("load web: %v", err)
	}

	if state.IsLoaded("files") {
		t.Error("least-recently-loaded group should have been evicted")
	}
	if !state.IsLoaded("web") {
		t.Error("newly loaded group should be present")
	}
	if len(res.Evicted) != 1 || res.Evicted[0] != "files" {
		t.Errorf("expected files evicted, got %v", res.Evicted)
	}
	for _, schema := range stack.ToolSchemas {
		if schema.Group == "files" {
			t.Error("evicted group schema must leave the message stack")
		}
	}
}

func TestUsedGroupsProtectedFromEviction(t *testing.T) {
	l, _ := newTestLoader(t, 100000)
	stack := budget.NewMessageStack("s", "", "t")
	state, _ := l.InitializeState(stack)

	coreSchema, _ := l.GroupSchemas(CoreGroup)
	filesSchema, _ := l.GroupSchemas("files")
	counter := tokens.Heuristic{}
	l.cfg.TokenCeiling = counter.Count(coreSchema) + counter.Count(filesSchema) + 10

	if _, err := l.LoadGroup(state, stack, "files"); err != nil {
		t.Fatalf("load files: %v", err)
	}
	state.MarkUsed("files")

	if _, err := l.LoadGroup(state, stack, "web"); !errors.Is(err, ErrTokenCeiling) {
		t.Errorf("expected token ceiling error when only protected groups remain, got %v", err)
	}
	if !state.IsLoaded("files") {
		t.Error("group used since last compaction must not be evicted")
	}
}

func TestUnloadCompactedGroups(t *testing.T) {
	l, _ := newTestLoader(t, 100000)
	stack := budget.NewMessageStack("s", "", "t")
	state, _ := l.InitializeState(stack)

	l.LoadGroup(state, stack, "files")
	l.LoadGroup(state, stack, "web")
	state.MarkUsed("files")
	state.MarkUsed(CoreGroup)

	unloaded := l.UnloadCompactedGroups(state, stack)
	if len(unloaded) != 1 || unloaded[0] != "files" {
		t.Errorf("expected only used non-core groups unloaded, got %v", unloaded)
	}
	if !state.IsLoaded("web") {
		t.Error("unused group should remain loaded")
	}
	if !state.IsLoaded(CoreGroup) {
		t.Error("core group should remain loaded")
	}
}

func TestRegistryCallByName(t *testing.T) {
	_, r := newTestLoader(t, 100000)

	out, err := r.Call(context.Background(), "read_file", []interface{}{"main.go"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "ok" {
		t.Errorf("unexpected result %v", out)
	}

	if _, err := r.Call(context.Background(), "no_such_tool", nil); err == nil {
		t.Error("expected error for unknown capability")
	}
}
