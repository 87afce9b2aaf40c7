package replay

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/TrafficGuard/typedai-agent/internal/agent"
)

// Replayer renders an agent run's iteration records as a timeline.
type Replayer struct {
	out     io.Writer
	verbose bool
}

// Options configure replay output.
type Options struct {
	// Verbose includes full prompts, code, and memory snapshots.
	Verbose bool
}

func New(out io.Writer, opts Options) *Replayer {
	return &Replayer{out: out, verbose: opts.Verbose}
}

// Replay prints the run header followed by every iteration in order.
func (r *Replayer) Replay(ec *agent.ExecutionContext, records []agent.IterationRecord) {
	r.printHeader(ec, records)
	for _, rec := range records {
		r.formatRecord(rec)
	}
	r.printFooter(ec, records)
}

func (r *Replayer) printHeader(ec *agent.ExecutionContext, records []agent.IterationRecord) {
	fmt.Fprintln(r.out, divider)
	fmt.Fprintf(r.out, "%s %s\n", titleStyle.Render("Run:"), ec.AgentID)
	fmt.Fprintf(r.out, "%s %s\n", titleStyle.Render("Task:"), truncateContent(ec.Task, 200))
	fmt.Fprintf(r.out, "%s %s  %s %d iterations\n",
		titleStyle.Render("State:"), r.stateStyle(ec.State).Render(string(ec.State)),
		titleStyle.Render("Recorded:"), len(records))
	fmt.Fprintln(r.out, divider)
}

func (r *Replayer) formatRecord(rec agent.IterationRecord) {
	seq := seqStyle.Render(fmt.Sprintf("#%d", rec.Iteration))
	ts := dimStyle.Render(rec.Timestamp.Format(time.TimeOnly))
	meta := dimStyle.Render(fmt.Sprintf("%dms  $%.4f", rec.DurationMs, rec.CostDelta))
	fmt.Fprintf(r.out, "\n%s %s  %s\n", seq, ts, meta)

	if rec.Code != "" {
		code := rec.Code
		if !r.verbose {
			code = truncateContent(code, 400)
		}
		fmt.Fprintln(r.out, codeStyle.Render(indent(code)))
	}

	if rec.Error != "" {
		fmt.Fprintf(r.out, "  %s %s\n", errorStyle.Render("error:"), truncateContent(rec.Error, 300))
	} else if rec.Result != "" {
		result := rec.Result
		if !r.verbose {
			result = truncateContent(result, 300)
		}
		fmt.Fprintf(r.out, "  %s %s\n", successStyle.Render("result:"), result)
	}

	if len(rec.ActiveGroups) > 0 {
		fmt.Fprintf(r.out, "  %s %s\n", dimStyle.Render("groups:"),
			callStyle.Render(strings.Join(rec.ActiveGroups, ", ")))
	}

	if r.verbose {
		if rec.Prompt != "" {
			fmt.Fprintf(r.out, "  %s\n%s\n", dimStyle.Render("prompt:"), dimStyle.Render(indent(rec.Prompt)))
		}
		r.printMemory(rec.MemorySnapshot)
	}
}

func (r *Replayer) printMemory(memory map[string]string) {
	if len(memory) == 0 {
		return
	}
	keys := make([]string, 0, len(memory))
	for k := range memory {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintf(r.out, "  %s\n", dimStyle.Render("memory:"))
	for _, k := range keys {
		fmt.Fprintf(r.out, "    %s = %s\n", k, truncateContent(memory[k], 120))
	}
}

func (r *Replayer) printFooter(ec *agent.ExecutionContext, records []agent.IterationRecord) {
	var cost float64
	for _, rec := range records {
		cost += rec.CostDelta
	}
	fmt.Fprintf(r.out, "\n%s\n%s $%.4f recorded, $%.4f total\n",
		divider, titleStyle.Render("Cost:"), cost, ec.CostUSD)
	if ec.Output != "" {
		fmt.Fprintf(r.out, "%s %s\n", titleStyle.Render("Output:"), truncateContent(ec.Output, 500))
	}
	if ec.Error != "" {
		fmt.Fprintf(r.out, "%s %s\n", errorStyle.Render("Error:"), ec.Error)
	}
}

func (r *Replayer) stateStyle(state agent.State) interface{ Render(...string) string } {
	switch state {
	case agent.StateCompleted:
		return successStyle
	case agent.StateError, agent.StateTimeout:
		return errorStyle
	default:
		return dimStyle
	}
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}

func truncateContent(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + dimStyle.Render(fmt.Sprintf("… (%d more chars)", len(s)-maxLen))
}
