package supervision

import (
	"context"
	"testing"

	akllm "github.com/vinayprograms/agentkit/llm"

	"github.com/TrafficGuard/typedai-agent/internal/agent"
	llmclient "github.com/TrafficGuard/typedai-agent/internal/llm"
	"github.com/TrafficGuard/typedai-agent/internal/sandbox"
)

// scriptedProvider returns queued responses, repeating the last one.
type scriptedProvider struct {
	responses []string
	calls     int
}

func (p *scriptedProvider) Chat(_ context.Context, _ akllm.ChatRequest) (*akllm.ChatResponse, error) {
	p.calls++
	content := p.responses[len(p.responses)-1]
	if p.calls <= len(p.responses) {
		content = p.responses[p.calls-1]
	}
	return &akllm.ChatResponse{Content: content, InputTokens: 10, OutputTokens: 5}, nil
}

func (p *scriptedProvider) ChatStream(ctx context.Context, req akllm.ChatRequest, _ func(string)) (*akllm.ChatResponse, error) {
	return p.Chat(ctx, req)
}

func (p *scriptedProvider) Name() string { return "scripted" }

func newSupervisor(responses ...string) (*Supervisor, *scriptedProvider) {
	provider := &scriptedProvider{responses: responses}
	return New(llmclient.NewClient(provider), DefaultConfig()), provider
}

func TestNoReviewWithoutTriggers(t *testing.T) {
	s, provider := newSupervisor("CONTINUE")
	ec := agent.NewExecutionContext("t", "task", nil, nil)
	ec.Iteration = 2

	res, err := s.Check(context.Background(), ec)
	if err != nil || res != nil {
		t.Errorf("expected silent pass, got %v / %v", res, err)
	}
	if provider.calls != 0 {
		t.Errorf("no review should mean no model call, got %d", provider.calls)
	}
}

func TestErrorStreakForcesReview(t *testing.T) {
	s, provider := newSupervisor(`REORIENT: "read the file before editing it"`)
	ec := agent.NewExecutionContext("t", "task", nil, nil)
	ec.LastIterationError = "file not found"

	var res *agent.SupervisionResult
	var err error
	for i := 1; i <= 3; i++ {
		ec.Iteration = i
		res, err = s.Check(context.Background(), ec)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
	}
	if res == nil {
		t.Fatal("three consecutive errors should force a review")
	}
	if res.Verdict != agent.VerdictReorient || res.Correction != "read the file before editing it" {
		t.Errorf("unexpected result: %+v", res)
	}
	if provider.calls != 1 {
		t.Errorf("expected exactly one review call, got %d", provider.calls)
	}
}

func TestFailedCallsTrigger(t *testing.T) {
	s, _ := newSupervisor(`PAUSE: "is the target branch correct?"`)
	ec := agent.NewExecutionContext("t", "task", nil, nil)
	ec.Iteration = 1
	ec.CallHistory = []sandbox.CallResult{
		{Function: "push", Stderr: "rejected"},
		{Function: "push", Stderr: "rejected"},
		{Function: "push", Stderr: "rejected"},
	}

	res, err := s.Check(context.Background(), ec)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res == nil || res.Verdict != agent.VerdictPause {
		t.Fatalf("expected pause, got %+v", res)
	}
	if res.Question != "is the target branch correct?" {
		t.Errorf("question = %q", res.Question)
	}
}

func TestScheduledReviewContinueIsSilent(t *testing.T) {
	s, provider := newSupervisor("CONTINUE")
	ec := agent.NewExecutionContext("t", "task", nil, nil)
	ec.Iteration = 5

	res, err := s.Check(context.Background(), ec)
	if err != nil || res != nil {
		t.Errorf("continue verdict should report nothing, got %v / %v", res, err)
	}
	if provider.calls != 1 {
		t.Errorf("scheduled review should call the model once, got %d", provider.calls)
	}
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		in                            string
		verdict, correction, question string
	}{
		{"CONTINUE: looks fine", agent.VerdictContinue, "", ""},
		{`REORIENT: "focus on the failing test"`, agent.VerdictReorient, "focus on the failing test", ""},
		{`Some preamble.
PAUSE: "which database should this target?"`, agent.VerdictPause, "", "which database should this target?"},
		{"unintelligible", agent.VerdictContinue, "", ""},
	}
	for _, tc := range cases {
		verdict, correction, question := parseVerdict(tc.in)
		if verdict != tc.verdict || correction != tc.correction || question != tc.question {
			t.Errorf("parseVerdict(%q) = %q %q %q", tc.in, verdict, correction, question)
		}
	}
}
