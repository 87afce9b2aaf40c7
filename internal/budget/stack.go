// Package budget builds the token-budgeted message sequence sent to the
// model and decides when the conversation must be compacted.
package budget

import "github.com/vinayprograms/agentkit/llm"

// Section names the fixed slots of the message stack.
type Section string

const (
	SectionSystem       Section = "system"
	SectionRepoOverview Section = "repo_overview"
	SectionTask         Section = "task"
	SectionCompacted    Section = "compacted"
	SectionToolSchemas  Section = "tool_schemas"
	SectionHistory      Section = "history"
	SectionCurrent      Section = "current"
)

// Message is one stack entry. Cache marks the message as eligible for
// upstream response caching; stripping the marker is a cost optimization
// and never changes prompt content.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Cache   bool   `json:"cache,omitempty"`
}

// SchemaMessage carries the schemas of one loaded capability group.
type SchemaMessage struct {
	Group   string `json:"group"`
	Content string `json:"content"`
}

// MessageStack holds the ordered sections assembled into each prompt.
// The current-iteration slot is cleared or replaced every iteration and is
// never persisted as part of history.
type MessageStack struct {
	System       string          `json:"system"`
	RepoOverview string          `json:"repo_overview,omitempty"`
	Task         string          `json:"task"`
	Compacted    string          `json:"compacted,omitempty"`
	ToolSchemas  []SchemaMessage `json:"tool_schemas,omitempty"`
	History      []Message       `json:"history,omitempty"`
	Current      *Message        `json:"-"`
}

// NewMessageStack creates a stack with the immutable framing sections set.
func NewMessageStack(system, repoOverview, task string) *MessageStack {
	return &MessageStack{
		System:       system,
		RepoOverview: repoOverview,
		Task:         task,
	}
}

// AddToHistory appends a message to the recent-history section.
func (s *MessageStack) AddToHistory(role, content string, cache bool) {
	s.History = append(s.History, Message{Role: role, Content: content, Cache: cache})
}

// SetCurrentIteration sets the per-iteration message. It replaces any
// previous current message.
func (s *MessageStack) SetCurrentIteration(content string) {
	s.Current = &Message{Role: "user", Content: content}
}

// ClearCurrentIteration removes the per-iteration message.
func (s *MessageStack) ClearCurrentIteration() {
	s.Current = nil
}

// SetCompactedContext installs the compacted-context section.
func (s *MessageStack) SetCompactedContext(text string) {
	s.Compacted = text
}

// AddToolSchema appends a capability group's schemas. A group already
// present is replaced in place.
func (s *MessageStack) AddToolSchema(group, content string) {
	for i := range s.ToolSchemas {
		if s.ToolSchemas[i].Group == group {
			s.ToolSchemas[i].Content = content
			return
		}
	}
	s.ToolSchemas = append(s.ToolSchemas, SchemaMessage{Group: group, Content: content})
}

// RemoveToolSchemas removes the schema message for a capability group.
func (s *MessageStack) RemoveToolSchemas(group string) {
	for i := range s.ToolSchemas {
		if s.ToolSchemas[i].Group == group {
			s.ToolSchemas = append(s.ToolSchemas[:i], s.ToolSchemas[i+1:]...)
			return
		}
	}
}

// LatestHistory returns the most recent history message, or nil.
func (s *MessageStack) LatestHistory() *Message {
	if len(s.History) == 0 {
		return nil
	}
	return &s.History[len(s.History)-1]
}

// toLLM converts a stack message to the provider message type.
func (m Message) toLLM() llm.Message {
	return llm.Message{Role: m.Role, Content: m.Content}
}
