package sandbox

import "time"

// CallResult records one bridged capability call. Stdout and Stderr are
// mutually exclusive: a successful call records stdout, a failed one
// records stderr.
type CallResult struct {
	Function   string                 `json:"function"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Stdout     string                 `json:"stdout,omitempty"`
	Stderr     string                 `json:"stderr,omitempty"`

	// Set only when the raw output exceeded the size limit.
	StdoutTruncated string `json:"stdout_truncated,omitempty"`
	StdoutSummary   string `json:"stdout_summary,omitempty"`

	Timestamp  time.Time `json:"timestamp"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// Output returns the prompt-facing output: summary if present, then
// truncated form, then the raw stdout or stderr.
func (c CallResult) Output() string {
	if c.Stderr != "" {
		return c.Stderr
	}
	if c.StdoutSummary != "" {
		return c.StdoutSummary
	}
	if c.StdoutTruncated != "" {
		return c.StdoutTruncated
	}
	return c.Stdout
}

// Succeeded reports whether the call completed without error.
func (c CallResult) Succeeded() bool { return c.Stderr == "" }

// AttachmentSource identifies where an attachment's content lives.
type AttachmentSource string

const (
	SourceLocalPath   AttachmentSource = "path"
	SourceObjectStore AttachmentSource = "object"
	SourceBytes       AttachmentSource = "bytes"
	SourceRemoteURL   AttachmentSource = "url"
)

// Attachment is a resolved media reference destined for the next prompt.
type Attachment struct {
	ID        string           `json:"id"`
	MediaType string           `json:"media_type"`
	Source    AttachmentSource `json:"source"`
	Ref       string           `json:"ref,omitempty"`
	Data      []byte           `json:"data,omitempty"`
}

// ExecutionResult is the outcome of one sandbox execution.
type ExecutionResult struct {
	// Value is the host-native value of the script's `result` global, if set.
	Value interface{}
	// Printed is everything the script printed.
	Printed string
	// Calls are the bridged capability calls in execution order.
	Calls []CallResult
	// Attachments are media references extracted from Value.
	Attachments []Attachment
	// Err is the script-level failure, nil on success.
	Err error
}

// LastCall returns the final bridged call, or nil if none were made.
func (r *ExecutionResult) LastCall() *CallResult {
	if len(r.Calls) == 0 {
		return nil
	}
	return &r.Calls[len(r.Calls)-1]
}
