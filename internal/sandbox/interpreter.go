package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const scriptName = "agent_code.star"

// Interpreter owns a Starlark execution slot. The interpreter is a shared,
// expensive-to-create resource: executions are serialized through one
// mutex per instance. Concurrent agents either share one instance (a
// single global execution slot, an intentional bottleneck) or are given
// independent instances via the Shared constructor parameter.
type Interpreter struct {
	mu       sync.Mutex
	maxSteps uint64
}

// InterpreterConfig tunes the interpreter.
type InterpreterConfig struct {
	// MaxSteps bounds script execution; 0 means the default.
	MaxSteps uint64
	// Shared marks this instance as the process-wide execution slot.
	// It exists to make serialization an explicit constructor decision
	// rather than an accident of package state.
	Shared bool
}

// NewInterpreter creates an interpreter instance.
func NewInterpreter(cfg InterpreterConfig) *Interpreter {
	maxSteps := cfg.MaxSteps
	if maxSteps == 0 {
		maxSteps = 10_000_000
	}
	return &Interpreter{maxSteps: maxSteps}
}

// CheckSyntax performs compile-only validation of agent-emitted code.
// It reports syntax and indentation errors without executing anything.
func CheckSyntax(code string) error {
	_, err := syntax.Parse(scriptName, code, 0)
	if err != nil {
		return fmt.Errorf("syntax error: %w", err)
	}
	return nil
}

// run executes code with the given predeclared environment, holding the
// execution slot for the duration. Cancellation of ctx aborts the script
// at its next step.
func (in *Interpreter) run(ctx context.Context, code string, predeclared starlark.StringDict, printed *strings.Builder) (starlark.StringDict, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	thread := &starlark.Thread{
		Name: "agent",
		Print: func(_ *starlark.Thread, msg string) {
			printed.WriteString(msg)
			printed.WriteByte('\n')
		},
	}
	thread.SetMaxExecutionSteps(in.maxSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	return starlark.ExecFile(thread, scriptName, code, predeclared)
}
