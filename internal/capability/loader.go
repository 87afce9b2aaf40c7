package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/TrafficGuard/typedai-agent/internal/budget"
	"github.com/TrafficGuard/typedai-agent/internal/tokens"
)

var (
	// ErrCoreGroup is returned when an unload targets a core group.
	ErrCoreGroup = errors.New("core capability group cannot be unloaded")
	// ErrUnknownGroup is returned for a group the registry does not know.
	ErrUnknownGroup = errors.New("unknown capability group")
	// ErrTokenCeiling is returned when a load would exceed the token limit
	// even after eviction.
	ErrTokenCeiling = errors.New("loading group would exceed token limit")
)

// LoadingState tracks which capability groups are loaded for one agent.
type LoadingState struct {
	// Active maps each loaded group to its load timestamp (eviction order).
	Active map[string]time.Time `json:"active"`
	// UsedSinceCompaction marks groups whose capabilities were called since
	// the last compaction.
	UsedSinceCompaction map[string]bool `json:"used_since_compaction"`
}

// NewLoadingState returns an empty state.
func NewLoadingState() *LoadingState {
	return &LoadingState{
		Active:              make(map[string]time.Time),
		UsedSinceCompaction: make(map[string]bool),
	}
}

// IsLoaded reports whether a group is active.
func (s *LoadingState) IsLoaded(group string) bool {
	_, ok := s.Active[group]
	return ok
}

// MarkUsed records that a capability of the group ran.
func (s *LoadingState) MarkUsed(group string) {
	if group != "" {
		s.UsedSinceCompaction[group] = true
	}
}

// ClearUsed resets the used-since-compaction set.
func (s *LoadingState) ClearUsed() {
	s.UsedSinceCompaction = make(map[string]bool)
}

// ActiveGroups returns the loaded group names sorted by name.
func (s *LoadingState) ActiveGroups() []string {
	names := make([]string, 0, len(s.Active))
	for g := range s.Active {
		names = append(names, g)
	}
	sort.Strings(names)
	return names
}

// LoadResult describes the outcome of one LoadGroup call.
type LoadResult struct {
	Success     bool
	TokensAdded int
	Evicted     []string
}

// LoaderConfig tunes group loading.
type LoaderConfig struct {
	// TokenCeiling caps the total schema tokens of loaded groups.
	TokenCeiling int
	// AutoEvict enables LRU eviction of non-core groups when over ceiling.
	AutoEvict bool
	// CoreGroups can never be evicted or unloaded.
	CoreGroups []string
}

// DefaultLoaderConfig returns loader defaults.
func DefaultLoaderConfig() LoaderConfig {
	return LoaderConfig{
		TokenCeiling: 20000,
		AutoEvict:    true,
		CoreGroups:   []string{CoreGroup},
	}
}

// Loader loads and unloads capability groups, keeping the message stack's
// schema section and the loading state in sync.
type Loader struct {
	registry *Registry
	cfg      LoaderConfig
	counter  tokens.Counter
	logger   *logging.Logger

	// Rendered schema text per group. Read-mostly; shared across agents in
	// the same process. Invalidated by the manifest watcher.
	cacheMu     sync.RWMutex
	schemaCache map[string]string

	clock func() time.Time
}

// NewLoader creates a loader over the registry.
func NewLoader(registry *Registry, cfg LoaderConfig, counter tokens.Counter) *Loader {
	if counter == nil {
		counter = tokens.Heuristic{}
	}
	if cfg.TokenCeiling <= 0 {
		cfg.TokenCeiling = DefaultLoaderConfig().TokenCeiling
	}
	if len(cfg.CoreGroups) == 0 {
		cfg.CoreGroups = []string{CoreGroup}
	}
	return &Loader{
		registry:    registry,
		cfg:         cfg,
		counter:     counter,
		logger:      logging.New().WithComponent("capability"),
		schemaCache: make(map[string]string),
		clock:       time.Now,
	}
}

// InitializeState returns a fresh loading state with the core groups
// pre-loaded into the stack. A core group missing from the registry is
// an error; silently skipping one would leave the agent without its
// terminal capabilities.
func (l *Loader) InitializeState(stack *budget.MessageStack) (*LoadingState, error) {
	state := NewLoadingState()
	if err := l.EnsureCoreLoaded(state, stack); err != nil {
		return nil, err
	}
	return state, nil
}

// EnsureCoreLoaded loads any core group missing from the state. Core
// groups bypass the token ceiling; they are never evictable anyway.
func (l *Loader) EnsureCoreLoaded(state *LoadingState, stack *budget.MessageStack) error {
	for _, core := range l.cfg.CoreGroups {
		if state.IsLoaded(core) {
			continue
		}
		if !l.registry.HasGroup(core) {
			return fmt.Errorf("%w: core group %s is not registered", ErrUnknownGroup, core)
		}
		schema, err := l.GroupSchemas(core)
		if err != nil {
			return err
		}
		state.Active[core] = l.clock()
		stack.AddToolSchema(core, schema)
	}
	return nil
}

// IsCore reports whether a group is in the protected core set.
func (l *Loader) IsCore(group string) bool {
	for _, core := range l.cfg.CoreGroups {
		if core == group {
			return true
		}
	}
	return false
}

// GroupSchemas returns the rendered schema text for a group, cached per
// process.
func (l *Loader) GroupSchemas(group string) (string, error) {
	l.cacheMu.RLock()
	cached, ok := l.schemaCache[group]
	l.cacheMu.RUnlock()
	if ok {
		return cached, nil
	}

	if !l.registry.HasGroup(group) {
		return "", fmt.Errorf("%w: %s", ErrUnknownGroup, group)
	}
	rendered := RenderSchemas(group, l.registry.Group(group))

	l.cacheMu.Lock()
	l.schemaCache[group] = rendered
	l.cacheMu.Unlock()
	return rendered, nil
}

// InvalidateSchemaCache drops all cached schema renderings. Called by the
// manifest watcher when manifest files change.
func (l *Loader) InvalidateSchemaCache() {
	l.cacheMu.Lock()
	l.schemaCache = make(map[string]string)
	l.cacheMu.Unlock()
}

// loadedTokens measures the schema tokens of all currently loaded groups.
func (l *Loader) loadedTokens(state *LoadingState) int {
	total := 0
	for group := range state.Active {
		if schema, err := l.GroupSchemas(group); err == nil {
			total += l.counter.Count(schema)
		}
	}
	return total
}

// LoadGroup loads a capability group. Loading an already-loaded group is
// idempotent and reports zero tokens added. When the ceiling would be
// exceeded and auto-eviction is enabled, the least-recently-loaded
// non-core, not-recently-used groups are evicted first.
func (l *Loader) LoadGroup(state *LoadingState, stack *budget.MessageStack, group string) (LoadResult, error) {
	if state.IsLoaded(group) {
		return LoadResult{Success: true, TokensAdded: 0}, nil
	}

	schema, err := l.GroupSchemas(group)
	if err != nil {
		return LoadResult{}, err
	}
	needed := l.counter.Count(schema)

	var evicted []string
	if l.loadedTokens(state)+needed > l.cfg.TokenCeiling {
		if l.cfg.AutoEvict {
			evicted = l.evictFor(state, stack, needed)
		}
		if l.loadedTokens(state)+needed > l.cfg.TokenCeiling {
			return LoadResult{Evicted: evicted}, fmt.Errorf("%w: %s needs %d tokens, ceiling %d",
				ErrTokenCeiling, group, needed, l.cfg.TokenCeiling)
		}
	}

	state.Active[group] = l.clock()
	stack.AddToolSchema(group, schema)
	l.logger.Info("capability group loaded", map[string]interface{}{
		"group":   group,
		"tokens":  needed,
		"evicted": evicted,
	})
	return LoadResult{Success: true, TokensAdded: needed, Evicted: evicted}, nil
}

// LoadGroups loads several groups in order, stopping at the first error.
func (l *Loader) LoadGroups(state *LoadingState, stack *budget.MessageStack, groups []string) ([]LoadResult, error) {
	results := make([]LoadResult, 0, len(groups))
	for _, g := range groups {
		res, err := l.LoadGroup(state, stack, g)
		results = append(results, res)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// evictFor evicts non-core groups in ascending load-time order (pure LRU)
// until enough budget is freed or no evictable groups remain. Groups used
// since the last compaction are protected from mid-run eviction.
func (l *Loader) evictFor(state *LoadingState, stack *budget.MessageStack, needed int) []string {
	type loaded struct {
		group string
		at    time.Time
	}
	var candidates []loaded
	for group, at := range state.Active {
		if l.IsCore(group) || state.UsedSinceCompaction[group] {
			continue
		}
		candidates = append(candidates, loaded{group, at})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].at.Before(candidates[j].at) })

	var evicted []string
	for _, c := range candidates {
		if l.loadedTokens(state)+needed <= l.cfg.TokenCeiling {
			break
		}
		delete(state.Active, c.group)
		stack.RemoveToolSchemas(c.group)
		evicted = append(evicted, c.group)
		l.logger.Info("capability group evicted", map[string]interface{}{"group": c.group})
	}
	return evicted
}

// UnloadGroup unloads a group. Core groups always fail with ErrCoreGroup.
// Unloading a group that is not loaded is a no-op.
func (l *Loader) UnloadGroup(state *LoadingState, stack *budget.MessageStack, group string) error {
	if l.IsCore(group) {
		return fmt.Errorf("%w: %s", ErrCoreGroup, group)
	}
	if !state.IsLoaded(group) {
		return nil
	}
	delete(state.Active, group)
	stack.RemoveToolSchemas(group)
	l.logger.Info("capability group unloaded", map[string]interface{}{"group": group})
	return nil
}

// UnloadCompactedGroups unloads every non-core group used since the last
// compaction and returns the names unloaded.
func (l *Loader) UnloadCompactedGroups(state *LoadingState, stack *budget.MessageStack) []string {
	var unloaded []string
	for _, group := range state.ActiveGroups() {
		if l.IsCore(group) || !state.UsedSinceCompaction[group] {
			continue
		}
		if err := l.UnloadGroup(state, stack, group); err == nil {
			unloaded = append(unloaded, group)
		}
	}
	return unloaded
}
