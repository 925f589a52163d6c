package tracing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Options describe the engine's tracer provider.
type Options struct {
	ServiceName    string
	ServiceVersion string
	TenantID       string
	// SampleRatio is the fraction of root runs sampled; <= 0 or > 1 means all.
	SampleRatio float64
}

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs the process-wide tracer provider. Later calls
// are no-ops until ShutdownOpenTelemetry runs.
func InitOpenTelemetry(opts Options) error {
	name := strings.TrimSpace(opts.ServiceName)
	if name == "" {
		return fmt.Errorf("service name is required")
	}

	providerMu.Lock()
	defer providerMu.Unlock()
	if provider != nil {
		return nil
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.ServiceVersion))
	}
	if opts.TenantID != "" {
		attrs = append(attrs, attribute.String("robothor.tenant_id", opts.TenantID))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return fmt.Errorf("failed to build tracing resource: %w", err)
	}

	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	provider = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return nil
}

// ShutdownOpenTelemetry flushes and releases the tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	provider = nil
	providerMu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span and stores its trace ID in the context when the
// context does not carry one yet, so logs and spans share an ID.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	tc := FromContext(ctx)
	if tc.RunID != "" {
		attrs = append(attrs, attribute.String("robothor.run_id", tc.RunID))
	}
	if tc.AgentID != "" {
		attrs = append(attrs, attribute.String("robothor.agent_id", tc.AgentID))
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if tc.TraceID == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// Fail marks span as failed with err.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
