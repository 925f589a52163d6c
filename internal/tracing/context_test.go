package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := NewContext(context.Background(), &TraceContext{
		TraceID:       "trace-1",
		RunID:         "run-1",
		AgentID:       "main",
		TenantID:      "robothor-primary",
		CorrelationID: "corr-1",
	})

	tc := FromContext(ctx)
	assert.Equal(t, "trace-1", tc.TraceID)
	assert.Equal(t, "run-1", tc.RunID)
	assert.Equal(t, "main", tc.AgentID)
	assert.Equal(t, "robothor-primary", tc.TenantID)
	assert.Equal(t, "corr-1", tc.CorrelationID)
}

func TestGettersOnEmptyContext(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, GetTraceID(ctx))
	assert.Empty(t, GetRunID(ctx))
	assert.Empty(t, GetCorrelationID(ctx))
}

func TestEnsureTraceID(t *testing.T) {
	ctx := EnsureTraceID(context.Background())
	traceID := GetTraceID(ctx)
	require.NotEmpty(t, traceID)

	assert.Equal(t, traceID, GetTraceID(EnsureTraceID(ctx)))
}

func TestPropagateToChild(t *testing.T) {
	parent := WithCorrelationID(WithRunID(WithTraceID(context.Background(), "trace-p"), "run-p"), "corr-p")

	child := PropagateToChild(parent, "run-c", "researcher")

	assert.Equal(t, "trace-p", GetTraceID(child))
	assert.Equal(t, "run-c", GetRunID(child))
	assert.Equal(t, "researcher", GetAgentID(child))
	assert.Equal(t, "corr-p", GetCorrelationID(child))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithAgentID(WithRunID(context.Background(), "run-9"), "main")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	assert.Contains(t, buf.String(), `"run_id":"run-9"`)
	assert.Contains(t, buf.String(), `"agent_id":"main"`)
	assert.NotContains(t, buf.String(), "trace_id")
}
