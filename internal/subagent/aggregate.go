package subagent

import (
	"encoding/json"
	"strings"

	"github.com/TrafficGuard/typedai-agent/internal/agent"
)

// Outcome is the combined result of a coordinated set of children.
type Outcome struct {
	State          agent.State            `json:"state"`
	Output         string                 `json:"output,omitempty"`
	StructuredData map[string]interface{} `json:"structured_data,omitempty"`
	CostUSD        float64                `json:"cost_usd"`
	Results        []agent.SubAgentResult `json:"results"`
}

// Aggregate combines child results per the coordination strategy.
func Aggregate(results []agent.SubAgentResult, coordination Coordination) Outcome {
	outcome := Outcome{
		State:          overallState(results),
		StructuredData: unionStructured(results),
		Results:        results,
	}
	for _, r := range results {
		outcome.CostUSD += r.CostUSD
	}

	switch coordination.Aggregation {
	case AggregateVote, AggregateBest:
		if best := pickBest(results); best != nil {
			outcome.Output = best.Output
		}
	case AggregatePipeline:
		// Keep the last completed output; structured data stays unioned.
		for i := len(results) - 1; i >= 0; i-- {
			if results[i].State == agent.StateCompleted {
				outcome.Output = results[i].Output
				break
			}
		}
	default: // merge
		var outputs []string
		for _, r := range results {
			if r.State == agent.StateCompleted && r.Output != "" {
				outputs = append(outputs, r.Output)
			}
		}
		outcome.Output = strings.Join(outputs, "\n\n")
	}
	return outcome
}

// overallState is completed when at least one child completed,
// otherwise the first child's terminal state.
func overallState(results []agent.SubAgentResult) agent.State {
	if len(results) == 0 {
		return agent.StateError
	}
	for _, r := range results {
		if r.State == agent.StateCompleted {
			return agent.StateCompleted
		}
	}
	return results[0].State
}

// unionStructured merges the children's structured data. Slices under
// the same key are appended; other collisions take the later value.
func unionStructured(results []agent.SubAgentResult) map[string]interface{} {
	merged := make(map[string]interface{})
	for _, r := range results {
		for k, v := range r.StructuredData {
			existing, ok := merged[k]
			if !ok {
				merged[k] = v
				continue
			}
			if ea, eok := existing.([]interface{}); eok {
				if va, vok := v.([]interface{}); vok {
					merged[k] = append(ea, va...)
					continue
				}
			}
			merged[k] = v
		}
	}
	if len(merged) == 0 {
		return nil
	}
	return merged
}

// pickBest scores children: completion dominates, then output length,
// then lower cost breaks ties.
func pickBest(results []agent.SubAgentResult) *agent.SubAgentResult {
	var best *agent.SubAgentResult
	bestScore := -1.0
	for i := range results {
		r := &results[i]
		score := float64(len(r.Output))
		if r.State == agent.StateCompleted {
			score += 1e9
		}
		score -= r.CostUSD
		if score > bestScore {
			best, bestScore = r, score
		}
	}
	return best
}

// structuredOutput parses a child's output as a JSON object, returning
// nil for plain-text output.
func structuredOutput(output string) map[string]interface{} {
	trimmed := strings.TrimSpace(output)
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &m); err != nil {
		return nil
	}
	return m
}
