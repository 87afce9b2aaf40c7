package budget

import (
	"fmt"
	"strings"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"

	"github.com/TrafficGuard/typedai-agent/internal/tokens"
)

// SubTaskCompleteMarker in the latest turn signals that a unit of work
// finished and its conversation can be folded away.
const SubTaskCompleteMarker = "SUB_TASK_COMPLETE"

// Trigger identifies which compaction condition fired.
type Trigger string

const (
	TriggerNone               Trigger = ""
	TriggerSubTaskComplete    Trigger = "subtask_complete"
	TriggerUsageRatio         Trigger = "usage_ratio"
	TriggerIterationThreshold Trigger = "iteration_threshold"
)

// Decision is the outcome of a ShouldCompact evaluation.
type Decision struct {
	Should  bool
	Trigger Trigger
}

// TokenBudget is the per-iteration budget snapshot. It is derived state,
// recomputed before every model call.
type TokenBudget struct {
	MaxTokens       int             `json:"max_tokens"`
	ResponseReserve int             `json:"response_reserve"`
	Sections        map[Section]int `json:"sections"`
	Used            int             `json:"used"`
	Available       int             `json:"available"`
}

// Config tunes the assembler.
type Config struct {
	MaxTokens       int     // model context window
	ResponseReserve int     // tokens held back for the response
	MaxCacheable    int     // newest history sections eligible for caching
	UsageRatio      float64 // used/max fraction that triggers compaction
	IterationGap    int     // iterations since last compaction that trigger it
}

// DefaultConfig returns assembler defaults sized for a 200k context model.
func DefaultConfig() Config {
	return Config{
		MaxTokens:       200000,
		ResponseReserve: 8192,
		MaxCacheable:    4,
		UsageRatio:      0.75,
		IterationGap:    10,
	}
}

// Assembler builds prompts from a MessageStack under a token budget.
type Assembler struct {
	cfg     Config
	counter tokens.Counter
	logger  *logging.Logger
}

// NewAssembler creates an assembler with the given config and counter.
func NewAssembler(cfg Config, counter tokens.Counter) *Assembler {
	if counter == nil {
		counter = tokens.Heuristic{}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.MaxCacheable <= 0 {
		cfg.MaxCacheable = DefaultConfig().MaxCacheable
	}
	return &Assembler{
		cfg:     cfg,
		counter: counter,
		logger:  logging.New().WithComponent("budget"),
	}
}

// Config returns the assembler configuration.
func (a *Assembler) Config() Config { return a.cfg }

// BuildPrompt assembles the ordered message list for a model call.
// Order is fixed: system, repository overview, task, compacted context,
// capability schemas, recent history, current iteration.
func (a *Assembler) BuildPrompt(s *MessageStack) []llm.Message {
	a.enforceCacheLimit(s)

	var msgs []llm.Message
	if s.System != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: s.System})
	}
	if s.RepoOverview != "" {
		msgs = append(msgs, llm.Message{Role: "user", Content: s.RepoOverview})
	}
	if s.Task != "" {
		msgs = append(msgs, llm.Message{Role: "user", Content: s.Task})
	}
	if s.Compacted != "" {
		msgs = append(msgs, llm.Message{Role: "user", Content: s.Compacted})
	}
	for _, schema := range s.ToolSchemas {
		msgs = append(msgs, llm.Message{Role: "user", Content: schema.Content})
	}
	for _, m := range s.History {
		msgs = append(msgs, m.toLLM())
	}
	if s.Current != nil {
		msgs = append(msgs, s.Current.toLLM())
	}
	return msgs
}

// enforceCacheLimit strips cache markers so only the newest MaxCacheable
// history sections remain eligible for upstream caching. Messages are
// never removed here.
func (a *Assembler) enforceCacheLimit(s *MessageStack) {
	remaining := a.cfg.MaxCacheable
	for i := len(s.History) - 1; i >= 0; i-- {
		if !s.History[i].Cache {
			continue
		}
		if remaining > 0 {
			remaining--
			continue
		}
		s.History[i].Cache = false
	}
}

// Calculate measures the stack and returns the current token budget.
func (a *Assembler) Calculate(s *MessageStack) TokenBudget {
	sections := map[Section]int{
		SectionSystem:       a.counter.Count(s.System),
		SectionRepoOverview: a.counter.Count(s.RepoOverview),
		SectionTask:         a.counter.Count(s.Task),
		SectionCompacted:    a.counter.Count(s.Compacted),
	}

	schemaTokens := 0
	for _, schema := range s.ToolSchemas {
		schemaTokens += a.counter.Count(schema.Content)
	}
	sections[SectionToolSchemas] = schemaTokens

	historyTokens := 0
	for _, m := range s.History {
		historyTokens += a.counter.Count(m.Content)
	}
	sections[SectionHistory] = historyTokens

	currentTokens := 0
	if s.Current != nil {
		currentTokens = a.counter.Count(s.Current.Content)
	}
	sections[SectionCurrent] = currentTokens

	used := 0
	for _, n := range sections {
		used += n
	}

	return TokenBudget{
		MaxTokens:       a.cfg.MaxTokens,
		ResponseReserve: a.cfg.ResponseReserve,
		Sections:        sections,
		Used:            used,
		Available:       a.cfg.MaxTokens - used - a.cfg.ResponseReserve,
	}
}

// TrimRecentHistory removes complete turn-pairs (assistant+user) from the
// front of history, keeping the most recent keepTurns turns, and returns
// exactly the removed messages for the caller to summarize or discard.
func (a *Assembler) TrimRecentHistory(s *MessageStack, keepTurns int) []Message {
	if keepTurns < 0 {
		keepTurns = 0
	}
	keepMessages := keepTurns * 2
	if len(s.History) <= keepMessages {
		return nil
	}

	cut := len(s.History) - keepMessages
	trimmed := make([]Message, cut)
	copy(trimmed, s.History[:cut])
	s.History = append(s.History[:0:0], s.History[cut:]...)

	a.logger.Debug("trimmed history", map[string]interface{}{
		"removed": len(trimmed),
		"kept":    len(s.History),
	})
	return trimmed
}

// ShouldCompact evaluates the three compaction triggers in priority order:
// an explicit sub-task-complete marker in the latest turn, the used/max
// ratio, then the iterations-since-last-compaction gap.
func (a *Assembler) ShouldCompact(s *MessageStack, iteration, lastCompaction int) Decision {
	if latest := s.LatestHistory(); latest != nil && strings.Contains(latest.Content, SubTaskCompleteMarker) {
		return Decision{Should: true, Trigger: TriggerSubTaskComplete}
	}

	b := a.Calculate(s)
	if a.cfg.UsageRatio > 0 && float64(b.Used) > a.cfg.UsageRatio*float64(b.MaxTokens) {
		return Decision{Should: true, Trigger: TriggerUsageRatio}
	}

	if a.cfg.IterationGap > 0 && iteration-lastCompaction >= a.cfg.IterationGap {
		return Decision{Should: true, Trigger: TriggerIterationThreshold}
	}

	return Decision{}
}

// EnsureAvailable verifies the budget invariant that must hold immediately
// before a model call.
func (a *Assembler) EnsureAvailable(s *MessageStack) (TokenBudget, error) {
	b := a.Calculate(s)
	if b.Available < 0 {
		return b, fmt.Errorf("token budget exhausted: used %d + reserve %d exceeds max %d",
			b.Used, b.ResponseReserve, b.MaxTokens)
	}
	return b, nil
}
