// Package tokens provides token counting for budget calculations.
package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// Counter counts the tokens a piece of text occupies in a model context.
type Counter interface {
	Count(text string) int
}

// Tiktoken counts tokens using a tiktoken BPE encoding.
type Tiktoken struct {
	enc *tiktoken.Tiktoken
}

// NewTiktoken creates a counter for the given encoding (e.g. "cl100k_base").
func NewTiktoken(encoding string) (*Tiktoken, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &Tiktoken{enc: enc}, nil
}

// Count returns the number of tokens in text.
func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Heuristic approximates token counts as characters divided by four.
// Used when no encoding is available and in tests.
type Heuristic struct{}

// Count returns an approximate token count for text.
func (Heuristic) Count(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}

// NewCounter returns a tiktoken counter for encoding, falling back to the
// chars/4 heuristic if the encoding cannot be loaded.
func NewCounter(encoding string) Counter {
	c, err := NewTiktoken(encoding)
	if err != nil {
		return Heuristic{}
	}
	return c
}
