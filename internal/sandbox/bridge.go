// Package sandbox executes agent-emitted code in an isolated Starlark
// interpreter and bridges capability calls back into the host.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/agentkit/logging"
	"go.starlark.net/starlark"

	"github.com/TrafficGuard/typedai-agent/internal/capability"
)

// CallFunc invokes a host capability with strictly positional arguments.
type CallFunc func(ctx context.Context, name string, args []interface{}) (interface{}, error)

// Bridge exposes capabilities as callable stubs inside the sandbox and
// records every bridged call as a CallResult.
type Bridge struct {
	interp         *Interpreter
	call           CallFunc
	summarize      Summarizer
	maxOutputChars int
	logger         *logging.Logger
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithSummarizer sets the oversized-output summarizer.
func WithSummarizer(s Summarizer) BridgeOption {
	return func(b *Bridge) { b.summarize = s }
}

// WithMaxOutputChars overrides the per-call output size limit.
func WithMaxOutputChars(n int) BridgeOption {
	return func(b *Bridge) {
		if n > 0 {
			b.maxOutputChars = n
		}
	}
}

// NewBridge creates a bridge over the interpreter. call resolves and
// invokes host capabilities by name.
func NewBridge(interp *Interpreter, call CallFunc, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		interp:         interp,
		call:           call,
		maxOutputChars: DefaultMaxOutputChars,
		logger:         logging.New().WithComponent("sandbox"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Execute runs code with the given capabilities available as global
// functions. The returned ExecutionResult always carries the bridged
// calls made before any failure; a script-level failure is reported both
// in the result and as the returned error.
func (b *Bridge) Execute(ctx context.Context, code string, descriptors []*capability.Descriptor) (*ExecutionResult, error) {
	res := &ExecutionResult{}
	var printed strings.Builder

	predeclared := make(starlark.StringDict, len(descriptors))
	for _, d := range descriptors {
		predeclared[d.Name] = b.stub(ctx, d, res)
	}

	globals, err := b.interp.run(ctx, code, predeclared, &printed)
	res.Printed = printed.String()
	if err != nil {
		res.Err = fmt.Errorf("sandbox execution failed: %w", err)
		b.logger.Warn("script failed", map[string]interface{}{
			"calls": len(res.Calls),
			"error": err.Error(),
		})
		return res, res.Err
	}

	if v, ok := globals["result"]; ok {
		value, convErr := fromStarlark(v)
		if convErr != nil {
			res.Err = fmt.Errorf("failed to marshal script result: %w", convErr)
			return res, res.Err
		}
		value, attachments := extractAttachments(value)
		res.Value = value
		res.Attachments = attachments
	}
	return res, nil
}

// stub wraps one capability descriptor as a sandbox builtin. A stub
// accepts positional arguments, Starlark keyword arguments, or a single
// dict whose keys are a subset of the declared parameter names; it always
// reconstructs a strictly positional argument list in declared order
// before invoking the host capability.
func (b *Bridge) stub(ctx context.Context, d *capability.Descriptor, res *ExecutionResult) *starlark.Builtin {
	paramNames := d.ParameterNames()

	return starlark.NewBuiltin(d.Name, func(_ *starlark.Thread, _ *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		start := time.Now()

		finalArgs, params, err := b.normalizeArgs(d.Name, paramNames, args, kwargs)
		if err != nil {
			b.record(ctx, res, d.Name, params, nil, err, start)
			return nil, err
		}

		out, err := b.call(ctx, d.Name, finalArgs)
		b.record(ctx, res, d.Name, params, out, err, start)
		if err != nil {
			// Re-raise so the script observes the original failure.
			return nil, err
		}

		converted, convErr := toStarlark(out)
		if convErr != nil {
			return nil, fmt.Errorf("capability %s returned unmarshalable value: %w", d.Name, convErr)
		}
		return converted, nil
	})
}

// normalizeArgs reconstructs the positional argument list and the named
// parameter map for one stub invocation.
func (b *Bridge) normalizeArgs(name string, paramNames []string, args starlark.Tuple, kwargs []starlark.Tuple) ([]interface{}, map[string]interface{}, error) {
	byName := make(map[string]interface{})

	// Positional arguments fill declared parameters in order.
	if len(args) > len(paramNames) {
		return nil, nil, fmt.Errorf("%s takes %d arguments, got %d", name, len(paramNames), len(args))
	}
	for i := 0; i < len(args); i++ {
		v, err := fromStarlark(args[i])
		if err != nil {
			return nil, nil, fmt.Errorf("argument %d of %s: %w", i, name, err)
		}
		byName[paramNames[i]] = v
	}

	// Keyword-object style: a lone dict argument whose keys are a subset
	// of the declared parameter names is treated as named arguments.
	if len(args) == 1 && len(kwargs) == 0 && len(paramNames) > 0 {
		if m, ok := byName[paramNames[0]].(map[string]interface{}); ok && keysSubset(m, paramNames) {
			byName = m
		}
	}

	for _, kw := range kwargs {
		key, _ := starlark.AsString(kw[0])
		if !contains(paramNames, key) {
			return nil, nil, fmt.Errorf("%s got unexpected keyword argument %q", name, key)
		}
		v, err := fromStarlark(kw[1])
		if err != nil {
			return nil, nil, fmt.Errorf("keyword %s of %s: %w", key, name, err)
		}
		byName[key] = v
	}

	finalArgs := make([]interface{}, len(paramNames))
	for i, p := range paramNames {
		finalArgs[i] = byName[p]
	}
	return finalArgs, byName, nil
}

// record appends a CallResult for one bridged call, truncating and
// summarizing oversized output.
func (b *Bridge) record(ctx context.Context, res *ExecutionResult, name string, params map[string]interface{}, out interface{}, err error, start time.Time) {
	cr := CallResult{
		Function:   name,
		Parameters: params,
		Timestamp:  start,
		DurationMs: time.Since(start).Milliseconds(),
	}

	if err != nil {
		cr.Stderr = err.Error()
	} else {
		cr.Stdout = stringify(out)
		if len(cr.Stdout) > b.maxOutputChars {
			cr.StdoutTruncated = truncateHeadTail(cr.Stdout, b.maxOutputChars)
			if b.summarize != nil {
				if summary, serr := b.summarize(ctx, name, cr.Stdout); serr == nil && summary != "" {
					cr.StdoutSummary = summary
				}
			}
		}
	}
	res.Calls = append(res.Calls, cr)
}

// stringify renders a capability result for the call record.
func stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

func keysSubset(m map[string]interface{}, names []string) bool {
	for k := range m {
		if !contains(names, k) {
			return false
		}
	}
	return true
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
