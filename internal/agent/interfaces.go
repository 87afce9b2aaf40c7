package agent

import (
	"context"
	"time"

	"github.com/TrafficGuard/typedai-agent/internal/budget"
)

// Compactor summarizes and evicts older turns when the loop decides to
// compact.
type Compactor interface {
	Compact(ctx context.Context, ec *ExecutionContext, trigger budget.Trigger) (*CompactionRecord, error)
}

// ContextPreview is a lightweight listing entry for a persisted run.
type ContextPreview struct {
	AgentID   string    `json:"agent_id"`
	Name      string    `json:"name,omitempty"`
	State     State     `json:"state"`
	Iteration int       `json:"iteration"`
	Task      string    `json:"task"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Persister stores and reloads execution contexts. A context must be
// fully reconstructible from a single Load call.
type Persister interface {
	Save(ec *ExecutionContext) error
	Load(agentID string) (*ExecutionContext, error)
	SaveIterationRecord(rec IterationRecord) error
	List() ([]ContextPreview, error)
}

// Supervision verdicts.
const (
	VerdictContinue = "continue"
	VerdictReorient = "reorient"
	VerdictPause    = "pause"
)

// SupervisionResult is a drift check outcome. A nil result means the
// checker had nothing to say this iteration.
type SupervisionResult struct {
	Verdict    string
	Correction string
	Question   string
}

// DriftChecker reviews a running agent for divergence from its task.
type DriftChecker interface {
	Check(ctx context.Context, ec *ExecutionContext) (*SupervisionResult, error)
}

// ApprovalRequest describes why the loop is pausing for a human.
type ApprovalRequest struct {
	AgentID   string
	Reason    string
	CostUSD   float64
	Iteration int
}

// Approver gates continuation past cost or iteration thresholds.
// Approve blocks until a decision is made or ctx is cancelled.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (bool, error)
}
