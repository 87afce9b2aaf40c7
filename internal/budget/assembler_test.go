package budget

import (
	"strings"
	"testing"

	"github.com/TrafficGuard/typedai-agent/internal/tokens"
)

func newTestAssembler(maxTokens, reserve int) *Assembler {
	return NewAssembler(Config{
		MaxTokens:       maxTokens,
		ResponseReserve: reserve,
		MaxCacheable:    2,
		UsageRatio:      0.75,
		IterationGap:    5,
	}, tokens.Heuristic{})
}

func TestBuildPromptOrder(t *testing.T) {
	s := NewMessageStack("system text", "repo overview", "the task")
	s.SetCompactedContext("compacted summary")
	s.AddToolSchema("files", "file tool schemas")
	s.AddToHistory("assistant", "previous answer", false)
	s.AddToHistory("user", "previous result", false)
	s.SetCurrentIteration("next step")

	a := newTestAssembler(100000, 1000)
	msgs := a.BuildPrompt(s)

	want := []string{
		"system text", "repo overview", "the task", "compacted summary",
		"file tool schemas", "previous answer", "previous result", "next step",
	}
	if len(msgs) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(msgs))
	}
	for i, w := range want {
		if msgs[i].Content != w {
			t.Errorf("message %d: expected %q, got %q", i, w, msgs[i].Content)
		}
	}
	if msgs[0].Role != "system" {
		t.Errorf("first message should be system, got %s", msgs[0].Role)
	}
}

func TestBudgetIdentity(t *testing.T) {
	s := NewMessageStack("aaaa", "bbbb", "cccc")
	s.AddToHistory("assistant", strings.Repeat("x", 40), false)

	a := newTestAssembler(1000, 100)
	b := a.Calculate(s)

	if b.Available != b.MaxTokens-b.Used-b.ResponseReserve {
		t.Errorf("budget identity broken: available=%d max=%d used=%d reserve=%d",
			b.Available, b.MaxTokens, b.Used, b.ResponseReserve)
	}
	if b.Used != 3+10 {
		t.Errorf("expected 13 used tokens, got %d", b.Used)
	}
}

func TestEnsureAvailableFailsWhenOverBudget(t *testing.T) {
	s := NewMessageStack("", "", strings.Repeat("x", 400))
	a := newTestAssembler(50, 10)

	if _, err := a.EnsureAvailable(s); err == nil {
		t.Error("expected budget error when used+reserve exceeds max")
	}
}

func TestTrimRecentHistory(t *testing.T) {
	s := NewMessageStack("s", "", "t")
	for i := 0; i < 5; i++ {
		s.AddToHistory("assistant", "plan", false)
		s.AddToHistory("user", "result", false)
	}
	a := newTestAssembler(100000, 0)

	trimmed := a.TrimRecentHistory(s, 2)
	if len(trimmed) != 10-2*2 {
		t.Errorf("expected priorLength-2k=6 trimmed messages, got %d", len(trimmed))
	}
	if len(s.History) != 4 {
		t.Errorf("expected 4 kept messages, got %d", len(s.History))
	}

	// Idempotent on a stack already at or below the keep count.
	trimmed = a.TrimRecentHistory(s, 2)
	if len(trimmed) != 0 {
		t.Errorf("second trim should remove nothing, got %d", len(trimmed))
	}
}

func TestShouldCompactPriorityOrder(t *testing.T) {
	a := newTestAssembler(100000, 0)

	// Marker wins over everything.
	s := NewMessageStack("s", "", "t")
	s.AddToHistory("user", "done: "+SubTaskCompleteMarker, false)
	d := a.ShouldCompact(s, 100, 0)
	if !d.Should || d.Trigger != TriggerSubTaskComplete {
		t.Errorf("expected subtask trigger, got %+v", d)
	}

	// Usage ratio beats iteration threshold.
	s = NewMessageStack("s", "", strings.Repeat("x", 400000))
	d = a.ShouldCompact(s, 100, 0)
	if !d.Should || d.Trigger != TriggerUsageRatio {
		t.Errorf("expected usage trigger, got %+v", d)
	}
}

func TestShouldCompactIterationThreshold(t *testing.T) {
	a := newTestAssembler(100000, 0)
	s := NewMessageStack("s", "", "t")

	d := a.ShouldCompact(s, 10, 0)
	if !d.Should || d.Trigger != TriggerIterationThreshold {
		t.Errorf("iterations=10 lastCompaction=0 threshold=5: expected iteration trigger, got %+v", d)
	}

	d = a.ShouldCompact(s, 4, 0)
	if d.Should {
		t.Errorf("below threshold should not compact, got %+v", d)
	}
}

func TestCacheMarkerLimit(t *testing.T) {
	s := NewMessageStack("s", "", "t")
	for i := 0; i < 5; i++ {
		s.AddToHistory("assistant", "turn", true)
	}
	a := newTestAssembler(100000, 0) // MaxCacheable = 2
	a.BuildPrompt(s)

	cached := 0
	for _, m := range s.History {
		if m.Cache {
			cached++
		}
	}
	if cached != 2 {
		t.Errorf("expected 2 cacheable messages after stripping, got %d", cached)
	}
	// Newest markers survive.
	if !s.History[4].Cache || !s.History[3].Cache {
		t.Error("newest history sections should keep their cache markers")
	}
	if len(s.History) != 5 {
		t.Error("stripping markers must not remove messages")
	}
}

func TestCurrentIterationReplacedAndCleared(t *testing.T) {
	s := NewMessageStack("s", "", "t")
	s.SetCurrentIteration("first")
	s.SetCurrentIteration("second")
	if s.Current == nil || s.Current.Content != "second" {
		t.Fatal("current iteration should be replaced")
	}
	s.ClearCurrentIteration()
	if s.Current != nil {
		t.Error("current iteration should be cleared")
	}
	if len(s.History) != 0 {
		t.Error("current iteration must never enter history")
	}
}
