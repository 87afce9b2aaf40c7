// Package llm wraps the agentkit provider with the retry contract the
// control loop relies on: one model call, retried exactly once on failure.
package llm

import (
	"context"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/llm"
	"github.com/vinayprograms/agentkit/logging"
)

// Client issues chat requests against an agentkit provider.
type Client struct {
	provider llm.Provider
	logger   *logging.Logger

	// RetryDelay is the pause before the single retry attempt.
	RetryDelay time.Duration
}

// NewClient creates a client over the given provider.
func NewClient(provider llm.Provider) *Client {
	return &Client{
		provider:   provider,
		logger:     logging.New().WithComponent("llm"),
		RetryDelay: time.Second,
	}
}

// Provider returns the wrapped provider.
func (c *Client) Provider() llm.Provider { return c.provider }

// Chat sends a chat request, retrying exactly once on a transport or parse
// failure. A second failure is returned to the caller.
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := c.provider.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	c.logger.Warn("model call failed, retrying once", map[string]interface{}{
		"provider": providerName(c.provider),
		"error":    err.Error(),
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.RetryDelay):
	}

	return c.provider.Chat(ctx, req)
}

// providerName reports the provider's name when it exposes one. The
// Provider interface itself only requires Chat.
func providerName(p llm.Provider) string {
	if named, ok := p.(interface{ Name() string }); ok {
		return named.Name()
	}
	return "unknown"
}

// Generate is a convenience for single-turn text generation. It is used by
// the compaction engine for summaries and learning extraction.
func (c *Client) Generate(ctx context.Context, system, prompt string) (string, error) {
	messages := []llm.Message{}
	if system != "" {
		messages = append(messages, llm.Message{Role: "system", Content: system})
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	resp, err := c.Chat(ctx, llm.ChatRequest{Messages: messages})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}
