package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToChild carries the parent's trace and correlation IDs into a child
// run context while replacing the run and agent identity.
func PropagateToChild(ctx context.Context, childRunID, childAgentID string) context.Context {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = NewTraceID()
	}

	childCtx := WithTraceID(ctx, traceID)
	childCtx = WithRunID(childCtx, childRunID)
	childCtx = WithAgentID(childCtx, childAgentID)

	return childCtx
}

// LoggerFromContext adds tracing context to a zerolog logger
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	lc := logger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.AgentID != "" {
		lc = lc.Str("agent_id", tc.AgentID)
	}
	if tc.TenantID != "" {
		lc = lc.Str("tenant_id", tc.TenantID)
	}
	if tc.CorrelationID != "" {
		lc = lc.Str("correlation_id", tc.CorrelationID)
	}

	return lc.Logger()
}
