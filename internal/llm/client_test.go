package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vinayprograms/agentkit/llm"
)

// flakyProvider fails a configured number of times before succeeding.
type flakyProvider struct {
	failures  int
	callCount int
}

func (f *flakyProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	f.callCount++
	if f.callCount <= f.failures {
		return nil, errors.New("transient failure")
	}
	return &llm.ChatResponse{Content: "ok"}, nil
}

func (f *flakyProvider) ChatStream(ctx context.Context, req llm.ChatRequest, callback func(string)) (*llm.ChatResponse, error) {
	return f.Chat(ctx, req)
}

func (f *flakyProvider) Name() string { return "flaky" }

func TestChatRetriesExactlyOnce(t *testing.T) {
	p := &flakyProvider{failures: 1}
	c := NewClient(p)
	c.RetryDelay = time.Millisecond

	resp, err := c.Chat(context.Background(), llm.ChatRequest{})
	if err != nil {
		t.Fatalf("chat error: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if p.callCount != 2 {
		t.Errorf("expected 2 calls (initial + one retry), got %d", p.callCount)
	}
}

func TestChatGivesUpAfterSecondFailure(t *testing.T) {
	p := &flakyProvider{failures: 5}
	c := NewClient(p)
	c.RetryDelay = time.Millisecond

	_, err := c.Chat(context.Background(), llm.ChatRequest{})
	if err == nil {
		t.Fatal("expected error after exhausted retry")
	}
	if p.callCount != 2 {
		t.Errorf("expected exactly 2 calls, got %d", p.callCount)
	}
}

// chatOnlyProvider implements nothing beyond the Provider interface.
type chatOnlyProvider struct {
	calls int
}

func (p *chatOnlyProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	p.calls++
	if p.calls == 1 {
		return nil, errors.New("transient failure")
	}
	return &llm.ChatResponse{Content: "ok"}, nil
}

func TestChatRetryWithMinimalProvider(t *testing.T) {
	p := &chatOnlyProvider{}
	c := NewClient(p)
	c.RetryDelay = time.Millisecond

	resp, err := c.Chat(context.Background(), llm.ChatRequest{})
	if err != nil {
		t.Fatalf("chat error: %v", err)
	}
	if resp.Content != "ok" || p.calls != 2 {
		t.Errorf("content %q after %d calls", resp.Content, p.calls)
	}
	if got := providerName(p); got != "unknown" {
		t.Errorf("providerName = %q, want unknown", got)
	}
}

func TestGenerateTrimsResponse(t *testing.T) {
	p := llm.NewMockProvider()
	p.SetResponse("  summary text\n")
	c := NewClient(p)

	out, err := c.Generate(context.Background(), "system", "prompt")
	if err != nil {
		t.Fatalf("generate error: %v", err)
	}
	if out != "summary text" {
		t.Errorf("expected trimmed response, got %q", out)
	}
}
