package agent

import (
	"fmt"
	"strings"

	"github.com/TrafficGuard/typedai-agent/internal/sandbox"
)

// ExtractCodeBlock pulls the first fenced code block out of a model
// response. If no fence is present the whole trimmed response is
// treated as code.
func ExtractCodeBlock(response string) string {
	idx := strings.Index(response, "```")
	if idx < 0 {
		return strings.TrimSpace(response)
	}
	rest := response[idx+3:]
	// Drop the language tag line, if any.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}

// iterationPrompt builds the current-iteration message: the instruction
// plus any error block and attachment notes from the previous iteration.
func iterationPrompt(iteration int, lastError string, attachments []sandbox.Attachment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Iteration %d.\n", iteration)

	if lastError != "" {
		b.WriteString("\nThe previous iteration failed:\n<error>\n")
		b.WriteString(lastError)
		b.WriteString("\n</error>\nAdjust your approach and try again.\n")
	}
	for _, att := range attachments {
		fmt.Fprintf(&b, "\nAttachment available from the previous step: [attachment:%s] (%s)\n", att.ID, att.MediaType)
	}

	b.WriteString("\nWrite a script that makes progress on the task using the available functions. " +
		"Assign your findings to a `result` variable. " +
		"Call agent_completed(summary) when the task is done, or " +
		"agent_request_feedback(question) if you need human input.")
	return b.String()
}

// repairPrompt asks the model to fix code that failed validation.
func repairPrompt(code string, syntaxErr error) string {
	return fmt.Sprintf("The following script failed validation:\n\n```\n%s\n```\n\nError: %s\n\nReturn the corrected script in a single fenced code block. Change nothing beyond what the error requires.", code, syntaxErr)
}

// renderExecution formats a sandbox execution outcome for the history.
func renderExecution(res *sandbox.ExecutionResult) string {
	var b strings.Builder
	b.WriteString("Execution results:\n")

	for _, call := range res.Calls {
		fmt.Fprintf(&b, "\n<function_call name=%q>\n", call.Function)
		out := call.Output()
		if out == "" {
			out = "(no output)"
		}
		b.WriteString(out)
		b.WriteString("\n</function_call>\n")
	}

	if res.Printed != "" {
		b.WriteString("\n<print_output>\n")
		b.WriteString(res.Printed)
		b.WriteString("</print_output>\n")
	}
	if res.Err != nil {
		fmt.Fprintf(&b, "\n<script_error>\n%s\n</script_error>\n", res.Err)
	} else if res.Value != nil {
		fmt.Fprintf(&b, "\nScript result: %v\n", res.Value)
	}
	return b.String()
}
