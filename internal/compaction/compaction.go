// Package compaction reclaims token budget by summarizing and evicting
// older conversation turns while preserving a distilled record.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/TrafficGuard/typedai-agent/internal/agent"
	"github.com/TrafficGuard/typedai-agent/internal/budget"
	"github.com/TrafficGuard/typedai-agent/internal/capability"
	"github.com/TrafficGuard/typedai-agent/internal/knowledge"
	llmclient "github.com/TrafficGuard/typedai-agent/internal/llm"
	"github.com/TrafficGuard/typedai-agent/internal/sandbox"
)

const summarySystemPrompt = "You summarize an agent's working history. Respond with JSON: " +
	`{"summary": "<short natural-language summary>", "key_decisions": ["..."]}`

const learningSystemPrompt = "You extract durable, reusable facts from an agent's working history. " +
	"Respond with a JSON array of objects: " +
	`[{"type": "error_resolution|tool_usage|code_pattern|task_strategy|constraint", ` +
	`"category": "...", "tags": ["..."], "content": "...", "confidence": 0.0}]`

// Config tunes the compaction engine.
type Config struct {
	// PreserveTurns is how many recent turn-pairs survive a compaction.
	PreserveTurns int
	// RecentCalls is how many call results feed the summarization prompt.
	RecentCalls int
	// ExtractLearnings enables learning extraction.
	ExtractLearnings bool
	// MinConfidence filters extracted learnings.
	MinConfidence float64
	// MaxLearnings caps learnings kept per compaction.
	MaxLearnings int
	// UnloadTools unloads capability groups used since the last compaction.
	UnloadTools bool
	// MaxMemoryEntryChars bounds which memory entries are inlined into
	// the compacted context.
	MaxMemoryEntryChars int
}

// DefaultConfig returns the standard compaction configuration.
func DefaultConfig() Config {
	return Config{
		PreserveTurns:       4,
		RecentCalls:         10,
		ExtractLearnings:    true,
		MinConfidence:       0.6,
		MaxLearnings:        5,
		UnloadTools:         true,
		MaxMemoryEntryChars: 500,
	}
}

// Engine performs compactions. It implements agent.Compactor.
type Engine struct {
	client    *llmclient.Client
	assembler *budget.Assembler
	loader    *capability.Loader
	store     knowledge.Store
	cfg       Config
	logger    *logging.Logger
}

// NewEngine creates a compaction engine. store may be nil; learnings
// are then kept on the context only.
func NewEngine(client *llmclient.Client, assembler *budget.Assembler, loader *capability.Loader, store knowledge.Store, cfg Config) *Engine {
	if cfg.PreserveTurns <= 0 {
		cfg.PreserveTurns = DefaultConfig().PreserveTurns
	}
	if cfg.RecentCalls <= 0 {
		cfg.RecentCalls = DefaultConfig().RecentCalls
	}
	if cfg.MaxMemoryEntryChars <= 0 {
		cfg.MaxMemoryEntryChars = DefaultConfig().MaxMemoryEntryChars
	}
	return &Engine{
		client:    client,
		assembler: assembler,
		loader:    loader,
		store:     store,
		cfg:       cfg,
		logger:    logging.New().WithComponent("compaction"),
	}
}

// Compact trims history, summarizes what was removed, extracts
// learnings, unloads used capability groups, and installs the compacted
// context. It never drops the task or memory, and it never fails on a
// summarization error: a deterministic fallback summary is used instead.
func (e *Engine) Compact(ctx context.Context, ec *agent.ExecutionContext, trigger budget.Trigger) (*agent.CompactionRecord, error) {
	start := time.Now()
	iterStart := ec.LastCompactionIteration + 1
	iterEnd := ec.Iteration

	trimmed := e.assembler.TrimRecentHistory(ec.Stack, e.cfg.PreserveTurns)
	recentCalls := ec.RecentCalls(e.cfg.RecentCalls)

	summary, decisions := e.summarize(ctx, trimmed, recentCalls, iterStart, iterEnd)

	var learnings []knowledge.Learning
	if e.cfg.ExtractLearnings && enoughData(recentCalls) {
		learnings = e.extractLearnings(ctx, ec, trimmed, recentCalls, iterStart, iterEnd)
		ec.Learnings = append(ec.Learnings, learnings...)
	}

	var unloaded []string
	if e.cfg.UnloadTools {
		unloaded = e.loader.UnloadCompactedGroups(ec.ToolState, ec.Stack)
	}

	compacted := e.renderCompacted(summary, decisions, unloaded, ec.Memory)
	ec.Stack.SetCompactedContext(compacted)

	ec.LastCompactionIteration = ec.Iteration
	ec.ToolState.ClearUsed()

	record := agent.CompactionRecord{
		Trigger:        trigger,
		Summary:        summary,
		KeyDecisions:   decisions,
		Learnings:      learnings,
		UnloadedGroups: unloaded,
		IterationStart: iterStart,
		IterationEnd:   iterEnd,
		TokensSaved:    tokensSaved(trimmed, compacted),
		Timestamp:      start,
	}
	ec.Compactions = append(ec.Compactions, record)

	e.logger.Info("compacted context", map[string]interface{}{
		"agent_id":     ec.AgentID,
		"trigger":      string(trigger),
		"iterations":   fmt.Sprintf("%d-%d", iterStart, iterEnd),
		"tokens_saved": record.TokensSaved,
		"learnings":    len(learnings),
		"unloaded":     unloaded,
	})
	return &record, nil
}

// summarize asks the model for a summary and key decisions, falling
// back to a deterministic template on any failure.
func (e *Engine) summarize(ctx context.Context, trimmed []budget.Message, calls []sandbox.CallResult, iterStart, iterEnd int) (string, []string) {
	fallback := fmt.Sprintf("Completed iterations %d-%d.", iterStart, iterEnd)
	if len(trimmed) == 0 && len(calls) == 0 {
		return fallback, nil
	}

	raw, err := e.client.Generate(ctx, summarySystemPrompt, summarizationInput(trimmed, calls))
	if err != nil {
		e.logger.Warn("summarization failed, using fallback", map[string]interface{}{
			"error": err.Error(),
		})
		return fallback, nil
	}

	var parsed struct {
		Summary      string   `json:"summary"`
		KeyDecisions []string `json:"key_decisions"`
	}
	if jerr := json.Unmarshal([]byte(extractJSON(raw)), &parsed); jerr != nil || parsed.Summary == "" {
		// Unstructured output still beats the template.
		if strings.TrimSpace(raw) != "" {
			return strings.TrimSpace(raw), nil
		}
		return fallback, nil
	}
	return parsed.Summary, parsed.KeyDecisions
}

// extractLearnings asks the model for durable facts, filters them by
// confidence, caps the count, and persists them to the knowledge store.
// Extraction failures are absorbed.
func (e *Engine) extractLearnings(ctx context.Context, ec *agent.ExecutionContext, trimmed []budget.Message, calls []sandbox.CallResult, iterStart, iterEnd int) []knowledge.Learning {
	raw, err := e.client.Generate(ctx, learningSystemPrompt, summarizationInput(trimmed, calls))
	if err != nil {
		e.logger.Warn("learning extraction failed", map[string]interface{}{"error": err.Error()})
		return nil
	}

	var candidates []struct {
		Type       string   `json:"type"`
		Category   string   `json:"category"`
		Tags       []string `json:"tags"`
		Content    string   `json:"content"`
		Confidence float64  `json:"confidence"`
	}
	if jerr := json.Unmarshal([]byte(extractJSON(raw)), &candidates); jerr != nil {
		e.logger.Warn("learning extraction returned unparsable output", map[string]interface{}{"error": jerr.Error()})
		return nil
	}

	var kept []knowledge.Learning
	for _, c := range candidates {
		if c.Confidence < e.cfg.MinConfidence || c.Content == "" {
			continue
		}
		kept = append(kept, knowledge.Learning{
			Type:       knowledge.LearningType(c.Type),
			Category:   c.Category,
			Tags:       c.Tags,
			Content:    c.Content,
			Confidence: c.Confidence,
			Provenance: knowledge.Provenance{
				AgentID:        ec.AgentID,
				Task:           ec.Task,
				IterationStart: iterStart,
				IterationEnd:   iterEnd,
			},
		})
		if e.cfg.MaxLearnings > 0 && len(kept) >= e.cfg.MaxLearnings {
			break
		}
	}

	if e.store != nil {
		for i := range kept {
			if serr := e.store.Save(ctx, kept[i]); serr != nil {
				e.logger.Warn("failed to persist learning", map[string]interface{}{"error": serr.Error()})
			}
		}
	}
	return kept
}

// renderCompacted assembles the compacted-context text.
func (e *Engine) renderCompacted(summary string, decisions, unloaded []string, memory map[string]string) string {
	var b strings.Builder
	b.WriteString("Previous work summary:\n")
	b.WriteString(summary)
	b.WriteString("\n")

	if len(decisions) > 0 {
		b.WriteString("\nKey decisions:\n")
		for _, d := range decisions {
			b.WriteString("- " + d + "\n")
		}
	}
	if len(unloaded) > 0 {
		b.WriteString("\nCapability groups used and unloaded: " + strings.Join(unloaded, ", ") +
			". Reload a group if you need it again.\n")
	}

	var small []string
	for k, v := range memory {
		if len(v) < e.cfg.MaxMemoryEntryChars {
			small = append(small, fmt.Sprintf("- %s: %s", k, v))
		}
	}
	if len(small) > 0 {
		b.WriteString("\nMemory:\n")
		for _, entry := range small {
			b.WriteString(entry + "\n")
		}
	}
	return b.String()
}

// enoughData reports whether the recent call history justifies learning
// extraction: at least one failure or at least three successes.
func enoughData(calls []sandbox.CallResult) bool {
	errors, successes := 0, 0
	for _, c := range calls {
		if c.Succeeded() {
			successes++
		} else {
			errors++
		}
	}
	return errors >= 1 || successes >= 3
}

// summarizationInput renders trimmed turns and recent calls for the
// summarization prompt.
func summarizationInput(trimmed []budget.Message, calls []sandbox.CallResult) string {
	var b strings.Builder
	b.WriteString("Conversation turns being compacted:\n")
	for _, m := range trimmed {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
	}
	if len(calls) > 0 {
		b.WriteString("\nRecent function calls:\n")
		for _, c := range calls {
			status := "ok"
			if !c.Succeeded() {
				status = "error: " + c.Stderr
			}
			fmt.Fprintf(&b, "- %s (%s)\n", c.Function, status)
		}
	}
	return b.String()
}

// tokensSaved estimates the reclaimed budget as a chars/4 delta,
// floored at zero.
func tokensSaved(trimmed []budget.Message, compacted string) int {
	trimmedChars := 0
	for _, m := range trimmed {
		trimmedChars += len(m.Content)
	}
	saved := trimmedChars/4 - len(compacted)/4
	if saved < 0 {
		return 0
	}
	return saved
}

// extractJSON pulls the first JSON value out of a possibly fenced or
// chatty model response.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if idx := strings.Index(s, "```"); idx >= 0 {
		s = s[idx+3:]
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		if end := strings.Index(s, "```"); end >= 0 {
			s = s[:end]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.IndexAny(s, "[{")
	end := strings.LastIndexAny(s, "]}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
