package sandbox

import (
	"context"
	"fmt"
)

// Summarizer condenses oversized capability output for the prompt. It is
// typically backed by a small/fast model.
type Summarizer func(ctx context.Context, functionName, output string) (string, error)

// DefaultMaxOutputChars is the size above which bridged output is
// truncated and, when a summarizer is available, summarized.
const DefaultMaxOutputChars = 20000

// truncateHeadTail keeps the head and tail of oversized output, noting how
// much was removed from the middle.
func truncateHeadTail(output string, maxChars int) string {
	if len(output) <= maxChars {
		return output
	}
	half := maxChars / 2
	removed := len(output) - maxChars
	return output[:half] +
		fmt.Sprintf("\n\n[Output truncated: %d characters removed from the middle. "+
			"Re-run with more targeted parameters to see specific parts.]\n\n", removed) +
		output[len(output)-half:]
}
