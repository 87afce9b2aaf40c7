// Package knowledge stores learnings extracted from completed runs for
// reuse by future runs.
package knowledge

import (
	"context"
	"time"
)

// LearningType classifies what kind of fact a learning records.
type LearningType string

const (
	TypeErrorResolution LearningType = "error_resolution"
	TypeToolUsage       LearningType = "tool_usage"
	TypeCodePattern     LearningType = "code_pattern"
	TypeTaskStrategy    LearningType = "task_strategy"
	TypeConstraint      LearningType = "constraint"
)

// Provenance records where a learning came from.
type Provenance struct {
	AgentID        string `json:"agent_id"`
	Task           string `json:"task,omitempty"`
	Outcome        string `json:"outcome,omitempty"`
	IterationStart int    `json:"iteration_start,omitempty"`
	IterationEnd   int    `json:"iteration_end,omitempty"`
}

// Learning is a distilled, confidence-scored fact with provenance.
// Lifecycle is append-only plus explicit delete.
type Learning struct {
	ID         string       `json:"id"`
	Type       LearningType `json:"type"`
	Category   string       `json:"category"`
	Tags       []string     `json:"tags,omitempty"`
	Content    string       `json:"content"`
	Confidence float64      `json:"confidence"`
	Provenance Provenance   `json:"provenance"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Filter narrows a Retrieve query. Zero-value fields match everything.
type Filter struct {
	Types         []LearningType
	Categories    []string
	Tags          []string
	MinConfidence float64
	Limit         int
}

// Stats summarizes store contents.
type Stats struct {
	Total      int                  `json:"total"`
	ByType     map[LearningType]int `json:"by_type"`
	ByCategory map[string]int       `json:"by_category"`
}

// Store persists learnings. Writes are append-only so the store can be
// read concurrently by many agents without coordination.
type Store interface {
	Save(ctx context.Context, l Learning) error
	Retrieve(ctx context.Context, f Filter) ([]Learning, error)
	// RetrieveRelevant returns learnings likely useful for a task, using
	// hint keywords and simple text matching against the task.
	RetrieveRelevant(ctx context.Context, taskText string, hints []string) ([]Learning, error)
	GetByCategory(ctx context.Context, category string) ([]Learning, error)
	GetStats(ctx context.Context) (Stats, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Close() error
}

func (f Filter) matches(l Learning) bool {
	if len(f.Types) > 0 && !containsType(f.Types, l.Type) {
		return false
	}
	if len(f.Categories) > 0 && !containsString(f.Categories, l.Category) {
		return false
	}
	if len(f.Tags) > 0 && !anyTag(f.Tags, l.Tags) {
		return false
	}
	if l.Confidence < f.MinConfidence {
		return false
	}
	return true
}

func containsType(list []LearningType, t LearningType) bool {
	for _, e := range list {
		if e == t {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

func anyTag(want, have []string) bool {
	for _, w := range want {
		if containsString(have, w) {
			return true
		}
	}
	return false
}
