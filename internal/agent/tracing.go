// Tracing instrumentation for the control loop.
package agent

import (
	"context"

	"github.com/vinayprograms/agentkit/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// startRunSpan starts a span covering one agent run.
func startRunSpan(ctx context.Context, ec *ExecutionContext) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "agent.run")
	span.SetAttributes(
		attribute.String("agent.id", ec.AgentID),
		attribute.String("agent.name", ec.Name),
	)
	return ctx, span
}

// endRunSpan ends the run span with the terminal state.
func endRunSpan(span trace.Span, ec *ExecutionContext, err error) {
	span.SetAttributes(
		attribute.String("agent.state", string(ec.State)),
		attribute.Int("agent.iterations", ec.Iteration),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// startIterationSpan starts a span covering one loop iteration.
func startIterationSpan(ctx context.Context, ec *ExecutionContext) (context.Context, trace.Span) {
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartSpan(ctx, "agent.iteration")
	span.SetAttributes(
		attribute.String("agent.id", ec.AgentID),
		attribute.Int("iteration", ec.Iteration),
	)
	return ctx, span
}

// endIterationSpan ends the iteration span.
func endIterationSpan(span trace.Span, code string, err error) {
	tracer := telemetry.GetTracer()
	if tracer.Debug() && code != "" {
		span.SetAttributes(attribute.String("iteration.code", code))
	}
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}
