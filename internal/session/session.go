// Package session persists execution contexts and iteration records on
// disk, one directory per agent.
package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/vinayprograms/agentkit/logging"

	"github.com/TrafficGuard/typedai-agent/internal/agent"
)

const (
	contextFile    = "context.json"
	iterationsFile = "iterations.jsonl"
)

// Manager is a file-backed context store. It implements agent.Persister.
// Contexts are JSON files; iteration records are appended as JSONL so a
// crashed run keeps its full forensic trail.
type Manager struct {
	dir    string
	logger *logging.Logger
}

// NewManager creates a manager rooted at dir, creating it if needed.
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}
	return &Manager{dir: dir, logger: logging.New().WithComponent("session")}, nil
}

func (m *Manager) agentDir(agentID string) string {
	return filepath.Join(m.dir, agentID)
}

// Save writes the full context. The write is atomic: a temp file is
// renamed over the previous snapshot so a crash never leaves a torn
// context behind.
func (m *Manager) Save(ec *agent.ExecutionContext) error {
	dir := m.agentDir(ec.AgentID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create agent directory: %w", err)
	}

	data, err := json.MarshalIndent(ec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode context: %w", err)
	}

	tmp := filepath.Join(dir, contextFile+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write context: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, contextFile)); err != nil {
		return fmt.Errorf("failed to commit context: %w", err)
	}
	return nil
}

// Load reconstructs a context from its last snapshot. The result is
// sufficient to resume the control loop from the next iteration.
func (m *Manager) Load(agentID string) (*agent.ExecutionContext, error) {
	data, err := os.ReadFile(filepath.Join(m.agentDir(agentID), contextFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read context for %s: %w", agentID, err)
	}

	var ec agent.ExecutionContext
	if err := json.Unmarshal(data, &ec); err != nil {
		return nil, fmt.Errorf("failed to decode context for %s: %w", agentID, err)
	}
	if ec.Memory == nil {
		ec.Memory = make(map[string]string)
	}
	if ec.ActiveSubAgents == nil {
		ec.ActiveSubAgents = make(map[string]*agent.SubAgentExecution)
	}
	return &ec, nil
}

// SaveIterationRecord appends one record to the agent's JSONL log.
func (m *Manager) SaveIterationRecord(rec agent.IterationRecord) error {
	dir := m.agentDir(rec.AgentID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create agent directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, iterationsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open iteration log: %w", err)
	}
	defer f.Close()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode iteration record: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append iteration record: %w", err)
	}
	return nil
}

// IterationRecords reads the full per-iteration trail of one agent.
func (m *Manager) IterationRecords(agentID string) ([]agent.IterationRecord, error) {
	f, err := os.Open(filepath.Join(m.agentDir(agentID), iterationsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open iteration log: %w", err)
	}
	defer f.Close()

	var records []agent.IterationRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec agent.IterationRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			m.logger.Warn("skipping corrupt iteration record", map[string]interface{}{
				"agent_id": agentID,
				"error":    err.Error(),
			})
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

// List returns previews of every persisted context, most recent first.
func (m *Manager) List() ([]agent.ContextPreview, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read session directory: %w", err)
	}

	var previews []agent.ContextPreview
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		ec, err := m.Load(entry.Name())
		if err != nil {
			m.logger.Warn("skipping unreadable context", map[string]interface{}{
				"agent_id": entry.Name(),
				"error":    err.Error(),
			})
			continue
		}
		previews = append(previews, agent.ContextPreview{
			AgentID:   ec.AgentID,
			Name:      ec.Name,
			State:     ec.State,
			Iteration: ec.Iteration,
			Task:      taskPreview(ec.Task),
			UpdatedAt: ec.UpdatedAt,
		})
	}
	sort.Slice(previews, func(i, j int) bool {
		return previews[i].UpdatedAt.After(previews[j].UpdatedAt)
	})
	return previews, nil
}

func taskPreview(task string) string {
	const max = 120
	if len(task) <= max {
		return task
	}
	return task[:max] + "..."
}
